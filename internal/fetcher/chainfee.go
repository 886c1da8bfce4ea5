package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/chain"
	"gasguard/internal/gas"
)

// ChainFeeSourceName identifies the RPC fee source in logs and configuration.
const ChainFeeSourceName = "chainfee"

// FeeData mirrors the network fee estimate; any field may be nil when the node omits it.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// FeeReader reads the network's current fee estimate.
type FeeReader interface {
	FeeData(ctx context.Context) (FeeData, error)
}

// ChainFee turns an RPC fee estimate into a gas sample.
type ChainFee struct {
	reader   FeeReader
	fallback decimal.Decimal
	logger   zerolog.Logger
	now      func() time.Time
}

// NewChainFee builds the RPC source. fallbackGwei is used when the node reports neither
// gasPrice nor maxFeePerGas.
func NewChainFee(reader FeeReader, fallbackGwei decimal.Decimal, logger zerolog.Logger) *ChainFee {
	return &ChainFee{
		reader:   reader,
		fallback: fallbackGwei,
		logger:   logger.With().Str("component", "chain_fee").Logger(),
		now:      time.Now,
	}
}

func (c *ChainFee) Name() string {
	return ChainFeeSourceName
}

// Fetch selects gasPrice, then maxFeePerGas, then the fixed fallback.
func (c *ChainFee) Fetch(ctx context.Context) (gas.Sample, error) {
	if c.reader == nil {
		return gas.Sample{}, fmt.Errorf("%w: fee reader not configured", gas.ErrUnreachable)
	}

	data, err := c.reader.FeeData(ctx)
	if err != nil {
		if errors.Is(err, gas.ErrUnreachable) {
			return gas.Sample{}, err
		}
		return gas.Sample{}, fmt.Errorf("%w: fee data: %v", gas.ErrUnreachable, err)
	}

	now := c.now()
	switch {
	case positive(data.GasPrice):
		return gas.FromWei(data.GasPrice, now, ChainFeeSourceName), nil
	case positive(data.MaxFeePerGas):
		return gas.FromWei(data.MaxFeePerGas, now, ChainFeeSourceName), nil
	default:
		c.logger.Warn().Str("fallback_gwei", c.fallback.String()).Msg("node returned no fee fields; using fallback")
		return gas.FromGwei(c.fallback, now, ChainFeeSourceName), nil
	}
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

// RPCFeeReader reads fee data through go-ethereum's ethclient.
type RPCFeeReader struct {
	client *chain.Client
}

// NewRPCFeeReader wraps a chain client.
func NewRPCFeeReader(client *chain.Client) *RPCFeeReader {
	return &RPCFeeReader{client: client}
}

// FeeData queries eth_gasPrice, the latest base fee and eth_maxPriorityFeePerGas.
// maxFeePerGas is derived as 2*baseFee + tip. Individual query failures leave the field nil.
func (r *RPCFeeReader) FeeData(ctx context.Context) (FeeData, error) {
	ctx, cancel := context.WithTimeout(ctx, r.client.Timeout())
	defer cancel()

	eth, err := r.client.Eth(ctx)
	if err != nil {
		return FeeData{}, fmt.Errorf("%w: %v", gas.ErrUnreachable, err)
	}

	var (
		data FeeData
		errs []error
	)

	if price, err := eth.SuggestGasPrice(ctx); err == nil {
		data.GasPrice = price
	} else {
		errs = append(errs, fmt.Errorf("eth_gasPrice: %w", err))
	}

	tip, err := eth.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(params.GWei)
	}

	if header, err := eth.HeaderByNumber(ctx, nil); err == nil {
		if header.BaseFee != nil {
			data.MaxPriorityFeePerGas = tip
			data.MaxFeePerGas = new(big.Int).Add(new(big.Int).Mul(header.BaseFee, big.NewInt(2)), tip)
		}
	} else {
		errs = append(errs, fmt.Errorf("latest header: %w", err))
	}

	if len(errs) == 2 {
		return FeeData{}, fmt.Errorf("%w: %v", gas.ErrUnreachable, errors.Join(errs...))
	}
	return data, nil
}

var (
	_ GasSource = (*ChainFee)(nil)
	_ FeeReader = (*RPCFeeReader)(nil)
)

package feed

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"gasguard/internal/chain"
	"gasguard/internal/gas"
)

const feedABIJSON = `[
{"name":"getCurrentPrice","type":"function","stateMutability":"view",
 "inputs":[{"name":"feedId","type":"bytes32"}],
 "outputs":[{"name":"value","type":"int256"},{"name":"timestamp","type":"uint256"},{"name":"decimals","type":"uint8"}]},
{"name":"getPrice","type":"function","stateMutability":"view",
 "inputs":[{"name":"feedId","type":"bytes32"},{"name":"epochId","type":"uint256"}],
 "outputs":[{"name":"value","type":"int256"},{"name":"timestamp","type":"uint256"},{"name":"decimals","type":"uint8"}]}
]`

var feedABI = chain.MustParseABI(feedABIJSON)

// RawPrice is an undecoded feed reading. Timestamp is in unix seconds.
type RawPrice struct {
	Value     *big.Int
	Timestamp uint64
	Decimals  uint8
}

// FeedReader reads the on-chain price feed contract.
type FeedReader interface {
	CurrentPrice(ctx context.Context, feed common.Hash) (RawPrice, error)
	PriceAt(ctx context.Context, feed common.Hash, epoch uint64) (RawPrice, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ContractReader implements FeedReader over JSON-RPC.
type ContractReader struct {
	client  *chain.Client
	address common.Address
}

var _ FeedReader = (*ContractReader)(nil)

// NewContractReader binds the feed contract at address.
func NewContractReader(client *chain.Client, address string) (*ContractReader, error) {
	if !common.IsHexAddress(address) || chain.IsZeroAddress(address) {
		return nil, fmt.Errorf("invalid feed contract address %q", address)
	}
	return &ContractReader{client: client, address: common.HexToAddress(address)}, nil
}

// CurrentPrice calls getCurrentPrice(feedId).
func (r *ContractReader) CurrentPrice(ctx context.Context, feed common.Hash) (RawPrice, error) {
	out, err := r.client.Call(ctx, r.address, feedABI, "getCurrentPrice", [32]byte(feed))
	if err != nil {
		return RawPrice{}, err
	}
	return decodePrice(out)
}

// PriceAt calls getPrice(feedId, epoch).
func (r *ContractReader) PriceAt(ctx context.Context, feed common.Hash, epoch uint64) (RawPrice, error) {
	out, err := r.client.Call(ctx, r.address, feedABI, "getPrice", [32]byte(feed), new(big.Int).SetUint64(epoch))
	if err != nil {
		return RawPrice{}, err
	}
	return decodePrice(out)
}

// BlockNumber returns the latest block height.
func (r *ContractReader) BlockNumber(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}

func decodePrice(out []any) (RawPrice, error) {
	if len(out) != 3 {
		return RawPrice{}, fmt.Errorf("%w: expected 3 outputs, got %d", gas.ErrMalformedResponse, len(out))
	}
	value, ok1 := out[0].(*big.Int)
	ts, ok2 := out[1].(*big.Int)
	decimals, ok3 := out[2].(uint8)
	if !ok1 || !ok2 || !ok3 {
		return RawPrice{}, fmt.Errorf("%w: unexpected price output types", gas.ErrMalformedResponse)
	}
	return RawPrice{Value: value, Timestamp: ts.Uint64(), Decimals: decimals}, nil
}

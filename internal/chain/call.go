package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"gasguard/internal/gas"
)

// Call packs method, runs it as eth_call against to and unpacks the outputs.
// Transport failures wrap gas.ErrUnreachable; undecodable results wrap gas.ErrMalformedResponse.
func (c *Client) Call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	eth, err := c.Eth(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gas.ErrUnreachable, err)
	}

	res, err := eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w: %w", method, gas.ErrUnreachable, err)
	}

	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w: %w", method, gas.ErrMalformedResponse, err)
	}
	return outputs, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	eth, err := c.Eth(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", gas.ErrUnreachable, err)
	}
	n, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w: %w", gas.ErrUnreachable, err)
	}
	return n, nil
}

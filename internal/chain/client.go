// Package chain wraps go-ethereum RPC access shared by the fee, feed and attestation clients.
package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Options parameterise the RPC connection.
type Options struct {
	Network string
	RPCURL  string
	Timeout time.Duration
}

// Client lazily dials one network's RPC endpoint and shares the connection.
type Client struct {
	opts      Options
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewClient builds a client without dialing.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{opts: opts, logger: logger.With().Str("component", "chain_rpc").Str("network", opts.Network).Logger()}
}

// Network returns the configured network name.
func (c *Client) Network() string {
	return c.opts.Network
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.opts.Timeout
}

// Eth returns the shared ethclient, dialing on first use.
func (c *Client) Eth(ctx context.Context) (*ethclient.Client, error) {
	if c.opts.RPCURL == "" {
		return nil, errors.New("rpc url not configured for network " + c.opts.Network)
	}

	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Msg("rpc client dialed")
	c.client = client
	return client, nil
}

// Close drops the connection if one was established.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// MustParseABI parses a JSON ABI definition at init time.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}
	return parsed
}

// HashString is keccak256 over the UTF-8 bytes of s.
func HashString(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}

// IsZeroAddress reports whether addr is empty or the zero address.
func IsZeroAddress(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return true
	}
	return common.HexToAddress(addr) == (common.Address{})
}

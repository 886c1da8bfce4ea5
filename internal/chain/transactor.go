package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	receiptPollInterval = 2 * time.Second
	// defaultMineTimeout bounds how long Send waits for a receipt.
	defaultMineTimeout = 2 * time.Minute
)

// txBackend is the part of the node API a Transactor uses.
type txBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Transactor signs and submits contract transactions from one key. Nonce assignment
// and submission are serialized; waiting for receipts is not.
type Transactor struct {
	backend      func(ctx context.Context) (txBackend, error)
	key          *ecdsa.PrivateKey
	from         common.Address
	chainID      *big.Int
	mineTimeout  time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	nextNonce uint64
	synced    bool
}

// NewTransactor loads a hex private key. chainID may be zero to query it from the node.
func NewTransactor(client *Client, hexKey string, chainID int64) (*Transactor, error) {
	backend := func(ctx context.Context) (txBackend, error) {
		eth, err := client.Eth(ctx)
		if err != nil {
			return nil, err
		}
		return eth, nil
	}
	return newTransactor(backend, hexKey, chainID)
}

func newTransactor(backend func(ctx context.Context) (txBackend, error), hexKey string, chainID int64) (*Transactor, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("private key not configured")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	t := &Transactor{
		backend:      backend,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		mineTimeout:  defaultMineTimeout,
		pollInterval: receiptPollInterval,
	}
	if chainID > 0 {
		t.chainID = big.NewInt(chainID)
	}
	return t, nil
}

// From returns the sending address.
func (t *Transactor) From() common.Address {
	return t.from
}

// Send submits a legacy transaction calling to with data and waits until it is mined
// or the mine timeout passes.
func (t *Transactor) Send(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	eth, err := t.backend(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := t.submit(ctx, eth, to, data)
	if err != nil {
		return nil, err
	}

	mineCtx, cancel := context.WithTimeout(ctx, t.mineTimeout)
	defer cancel()
	return waitMined(mineCtx, eth, hash, t.pollInterval)
}

func (t *Transactor) submit(ctx context.Context, eth txBackend, to common.Address, data []byte) (common.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	chainID := t.chainID
	if chainID == nil {
		id, err := eth.ChainID(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain id: %w", err)
		}
		t.chainID, chainID = id, id
	}

	pending, err := eth.PendingNonceAt(ctx, t.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	nonce := pending
	if t.synced && t.nextNonce > nonce {
		nonce = t.nextNonce
	}

	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := eth.EstimateGas(ctx, ethereum.CallMsg{From: t.from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), t.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		// resync from the node on the next submission
		t.synced = false
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	t.nextNonce, t.synced = nonce+1, true
	return signed.Hash(), nil
}

func waitMined(ctx context.Context, eth txBackend, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Package attestation collects externally verified cross-chain gas data.
//
// Each request is identified by the keccak256 of its JSON body, submitted to the on-chain
// connector and polled until verified or its attempt budget runs out. A chain whose
// request fails is left out of the snapshot; the call itself never fails.
package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"gasguard/internal/cache"
	"gasguard/internal/chain"
	"gasguard/internal/gas"
	"gasguard/internal/telemetry"
)

var tracer = telemetry.Tracer("gasguard/attestation")

// Chain names a network in a snapshot.
type Chain string

const (
	Flare     Chain = "flare"
	Ethereum  Chain = "ethereum"
	Polygon   Chain = "polygon"
	BSC       Chain = "bsc"
	Avalanche Chain = "avalanche"
)

// RemoteChains are attested on every live refresh.
var RemoteChains = []Chain{Ethereum, Polygon, BSC, Avalanche}

const (
	snapshotKey = "fdc:gas:crosschain"
	snapshotTTL = 5 * time.Minute
	historyTTL  = time.Hour

	liveAttempts    = 10
	historyAttempts = 20
	historyStepSecs = 3600

	defaultPollDelay = 3 * time.Second
)

// Snapshot maps chains to gwei. Flare is always present.
type Snapshot map[Chain]decimal.Decimal

// HistoricalPoint is one bucket of the historical series.
type HistoricalPoint struct {
	Timestamp int64           `json:"timestamp"`
	GasPrice  decimal.Decimal `json:"gasPrice"`
}

// GasReader supplies the local network's gas price.
type GasReader interface {
	CurrentGas(ctx context.Context) gas.Sample
}

// Request is the attestation request body. Field order is part of the request ID.
type Request struct {
	AttestationType string `json:"attestationType"`
	SourceID        string `json:"sourceId"`
	RequestBody     any    `json:"requestBody"`
}

type liveBody struct {
	Timestamp int64 `json:"timestamp"`
}

type historyBody struct {
	StartTimestamp int64 `json:"startTimestamp"`
	EndTimestamp   int64 `json:"endTimestamp"`
	Granularity    int64 `json:"granularity"`
}

// ID is keccak256 over the JSON encoding of the request.
func (r Request) ID() (common.Hash, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode attestation request: %w", err)
	}
	return chain.HashString(string(payload)), nil
}

func liveRequest(c Chain, unix int64) Request {
	return Request{
		AttestationType: "CURRENT_GAS_PRICE",
		SourceID:        sourceID(c),
		RequestBody:     liveBody{Timestamp: unix},
	}
}

func historyRequest(start, end int64) Request {
	return Request{
		AttestationType: "GAS_PRICE_HISTORY",
		SourceID:        "FLARE_MAINNET",
		RequestBody:     historyBody{StartTimestamp: start, EndTimestamp: end, Granularity: historyStepSecs},
	}
}

func sourceID(c Chain) string {
	switch c {
	case Ethereum:
		return "ETHEREUM"
	case Polygon:
		return "POLYGON"
	case BSC:
		return "BSC"
	case Avalanche:
		return "AVALANCHE"
	}
	return string(c)
}

// Options tunes polling.
type Options struct {
	PollDelay time.Duration
}

// Client gathers and caches attested gas data.
type Client struct {
	cache     cache.Cache
	verifier  Verifier
	gas       GasReader
	pollDelay time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewClient builds the client. verifier may be nil when no connector is deployed.
func NewClient(c cache.Cache, verifier Verifier, local GasReader, opts Options, logger zerolog.Logger) *Client {
	if opts.PollDelay <= 0 {
		opts.PollDelay = defaultPollDelay
	}
	return &Client{
		cache:     c,
		verifier:  verifier,
		gas:       local,
		pollDelay: opts.PollDelay,
		logger:    logger.With().Str("component", "attestation").Logger(),
		now:       time.Now,
	}
}

// CrossChainGasPrices returns gwei per chain for the local network plus every remote
// chain whose attestation verified.
func (c *Client) CrossChainGasPrices(ctx context.Context) Snapshot {
	ctx, span := tracer.Start(ctx, "attestation.CrossChainGasPrices")
	defer span.End()

	var cached Snapshot
	found, err := cache.GetJSON(ctx, c.cache, snapshotKey, &cached)
	if err != nil {
		c.logger.Warn().Err(err).Msg("read cached snapshot")
	}
	span.SetAttributes(attribute.Bool("cache.hit", found))
	if found {
		return cached
	}

	snapshot := Snapshot{Flare: c.gas.CurrentGas(ctx).Gwei}
	if c.verifier == nil {
		return snapshot
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	unix := c.now().Unix()
	for _, remote := range RemoteChains {
		g.Go(func() error {
			price, err := c.liveGasPrice(ctx, remote, unix)
			if err != nil {
				c.logger.Warn().Err(err).Str("chain", string(remote)).Msg("attestation failed")
				return nil
			}
			if !price.IsPositive() {
				return nil
			}
			mu.Lock()
			snapshot[remote] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := cache.SetJSON(ctx, c.cache, snapshotKey, snapshot, snapshotTTL); err != nil {
		c.logger.Warn().Err(err).Msg("cache snapshot")
	}
	return snapshot
}

func (c *Client) liveGasPrice(ctx context.Context, remote Chain, unix int64) (decimal.Decimal, error) {
	data, err := c.attest(ctx, liveRequest(remote, unix), liveAttempts)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Data struct {
			GasPrice decimal.Decimal `json:"gasPrice"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: decode %s payload: %w", gas.ErrMalformedResponse, remote, err)
	}
	return payload.Data.GasPrice, nil
}

// HistoricalCrossChainGasPrices returns the hourly series over the last days.
// It returns an empty series when no connector is configured or the request fails.
func (c *Client) HistoricalCrossChainGasPrices(ctx context.Context, days int) []HistoricalPoint {
	key := fmt.Sprintf("fdc:gas:history:%d", days)

	var cached []HistoricalPoint
	found, err := cache.GetJSON(ctx, c.cache, key, &cached)
	if err != nil {
		c.logger.Warn().Err(err).Msg("read cached history")
	}
	if found {
		return cached
	}

	if c.verifier == nil {
		c.logger.Debug().Msg("attestation connector not configured; empty history")
		return []HistoricalPoint{}
	}

	end := c.now().Unix()
	start := end - int64(days)*24*60*60
	data, err := c.attest(ctx, historyRequest(start, end), historyAttempts)
	if err != nil {
		c.logger.Warn().Err(err).Int("days", days).Msg("historical attestation failed")
		return []HistoricalPoint{}
	}

	var payload struct {
		Data []HistoricalPoint `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn().Err(err).Int("days", days).Msg("decode historical payload")
		return []HistoricalPoint{}
	}
	points := payload.Data
	if points == nil {
		points = []HistoricalPoint{}
	}

	if err := cache.SetJSON(ctx, c.cache, key, points, historyTTL); err != nil {
		c.logger.Warn().Err(err).Msg("cache history")
	}
	return points
}

func (c *Client) attest(ctx context.Context, req Request, attempts int) ([]byte, error) {
	id, err := req.ID()
	if err != nil {
		return nil, err
	}
	if err := c.verifier.Submit(ctx, id); err != nil {
		return nil, err
	}
	return c.poll(ctx, id, attempts)
}

func (c *Client) poll(ctx context.Context, id common.Hash, attempts int) ([]byte, error) {
	for i := 0; i < attempts; i++ {
		verified, data, err := c.verifier.Result(ctx, id)
		switch {
		case err != nil:
			c.logger.Debug().Err(err).Str("request", id.Hex()).Int("attempt", i+1).Msg("poll attestation")
		case verified:
			return data, nil
		}

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollDelay):
		}
	}
	return nil, fmt.Errorf("request %s unverified after %d polls: %w", id.Hex(), attempts, gas.ErrAttestationTimeout)
}

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/gas"
)

// GasTrackerSourceName identifies the HTTP gas tracker in logs and configuration.
const GasTrackerSourceName = "gastracker"

// TrackerOptions parameterise the HTTP gas tracker client.
type TrackerOptions struct {
	BaseURL   string
	APIKey    string
	ChainID   int64
	Timeout   time.Duration
	UserAgent string
}

// Tiers are the gas tracker's price suggestions in gwei.
type Tiers struct {
	Safe    decimal.Decimal `json:"safe"`
	Propose decimal.Decimal `json:"propose"`
	Fast    decimal.Decimal `json:"fast"`
	BaseFee decimal.Decimal `json:"baseFee"`
}

// GasTracker queries an Etherscan-compatible gas oracle endpoint.
type GasTracker struct {
	opts    TrackerOptions
	client  *resty.Client
	limiter Limiter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewGasTracker constructs the HTTP source. limiter may be nil.
func NewGasTracker(opts TrackerOptions, limiter Limiter, logger zerolog.Logger) *GasTracker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.etherscan.io/v2/api"
	}
	if opts.ChainID == 0 {
		opts.ChainID = 1
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "gasguard/1.0"
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)

	return &GasTracker{
		opts:    opts,
		client:  client,
		limiter: limiter,
		logger:  logger.With().Str("component", "gas_tracker").Logger(),
		now:     time.Now,
	}
}

func (g *GasTracker) Name() string {
	return GasTrackerSourceName
}

// Fetch returns the propose tier as the representative gas price.
func (g *GasTracker) Fetch(ctx context.Context) (gas.Sample, error) {
	tiers, err := g.Tiers(ctx)
	if err != nil {
		return gas.Sample{}, err
	}
	if !tiers.Propose.IsPositive() {
		return gas.Sample{}, fmt.Errorf("%w: non-positive propose tier %s", gas.ErrMalformedResponse, tiers.Propose)
	}
	return gas.FromGwei(tiers.Propose, g.now(), GasTrackerSourceName), nil
}

// Tiers fetches all price tiers.
func (g *GasTracker) Tiers(ctx context.Context) (Tiers, error) {
	if err := g.admit(ctx); err != nil {
		return Tiers{}, err
	}

	params := map[string]string{
		"chainid": strconv.FormatInt(g.opts.ChainID, 10),
		"module":  "gastracker",
		"action":  "gasoracle",
	}
	if g.opts.APIKey != "" {
		params["apikey"] = g.opts.APIKey
	}

	resp, err := g.client.R().SetContext(ctx).SetQueryParams(params).Get("")
	if err != nil {
		return Tiers{}, fmt.Errorf("%w: gas tracker request: %v", gas.ErrUnreachable, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests:
		return Tiers{}, fmt.Errorf("%w: gas tracker http %d", gas.ErrRateLimited, status)
	case status < 200 || status >= 300:
		return Tiers{}, fmt.Errorf("%w: gas tracker http %d", gas.ErrUnreachable, status)
	}

	return parseOracleResponse(resp.Body())
}

func (g *GasTracker) admit(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	allowed, err := g.limiter.Allow(ctx, GasTrackerSourceName)
	if err != nil {
		g.logger.Warn().Err(err).Msg("rate limiter unavailable; allowing request")
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: local budget exhausted", gas.ErrRateLimited)
	}
	return nil
}

type oracleResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type oracleResult struct {
	LastBlock       string `json:"LastBlock"`
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
	SuggestBaseFee  string `json:"suggestBaseFee"`
	GasUsedRatio    string `json:"gasUsedRatio"`
}

func parseOracleResponse(body []byte) (Tiers, error) {
	var envelope oracleResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Tiers{}, fmt.Errorf("%w: decode gas tracker payload: %v", gas.ErrMalformedResponse, err)
	}

	if envelope.Status != "1" {
		var reason string
		_ = json.Unmarshal(envelope.Result, &reason)
		if strings.Contains(strings.ToLower(reason), "rate limit") {
			return Tiers{}, fmt.Errorf("%w: %s", gas.ErrRateLimited, reason)
		}
		return Tiers{}, fmt.Errorf("%w: status %q message %q %s", gas.ErrMalformedResponse, envelope.Status, envelope.Message, reason)
	}

	var result oracleResult
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return Tiers{}, fmt.Errorf("%w: decode gas tracker result: %v", gas.ErrMalformedResponse, err)
	}

	var tiers Tiers
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"SafeGasPrice", result.SafeGasPrice, &tiers.Safe},
		{"ProposeGasPrice", result.ProposeGasPrice, &tiers.Propose},
		{"FastGasPrice", result.FastGasPrice, &tiers.Fast},
		{"suggestBaseFee", result.SuggestBaseFee, &tiers.BaseFee},
	}
	for _, f := range fields {
		if f.raw == "" {
			if f.name == "ProposeGasPrice" {
				return Tiers{}, fmt.Errorf("%w: missing %s", gas.ErrMalformedResponse, f.name)
			}
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return Tiers{}, fmt.Errorf("%w: parse %s: %v", gas.ErrMalformedResponse, f.name, err)
		}
		*f.dst = v
	}
	return tiers, nil
}

var _ GasSource = (*GasTracker)(nil)

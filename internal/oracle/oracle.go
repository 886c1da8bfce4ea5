// Package oracle resolves the current gas price through an ordered chain of upstream
// sources, keeps a short-lived cached copy and records every live observation.
package oracle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"gasguard/internal/cache"
	"gasguard/internal/fetcher"
	"gasguard/internal/gas"
	"gasguard/internal/storage"
	"gasguard/internal/telemetry"
)

const (
	// CurrentGasKey caches the latest live sample.
	CurrentGasKey = "gas:current"
	// CurrentGasTTL matches one block interval.
	CurrentGasTTL = 12 * time.Second
	// DefaultSourceName labels the fixed fallback sample.
	DefaultSourceName = "default"

	defaultSourceTimeout = 5 * time.Second
	defaultQueueSize     = 64
	persistTimeout       = 5 * time.Second
	percentileWindow     = 24 * time.Hour
)

// DefaultGwei is returned when every source fails.
var DefaultGwei = decimal.NewFromInt(25)

var sourceOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gasguard_oracle_source_total",
		Help: "Gas source attempts by source and outcome",
	},
	[]string{"source", "outcome"},
)

func init() {
	prometheus.MustRegister(sourceOutcomes)
}

var tracer = telemetry.Tracer("gasguard/oracle")

// Options tunes the fallback chain.
type Options struct {
	Sources       []fetcher.GasSource
	Default       decimal.Decimal
	SourceTimeout time.Duration
	QueueSize     int
}

// Oracle is the gas price authority. Its read operations never fail.
type Oracle struct {
	cache   cache.Cache
	store   storage.GasSampleStore
	sources []fetcher.GasSource
	def     decimal.Decimal
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan gas.Sample
	done   chan struct{}
}

// New builds an oracle and starts its persistence worker. store may be nil.
func New(c cache.Cache, store storage.GasSampleStore, opts Options, logger zerolog.Logger) *Oracle {
	if opts.Default.LessThanOrEqual(decimal.Zero) {
		opts.Default = DefaultGwei
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = defaultSourceTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	o := &Oracle{
		cache:   c,
		store:   store,
		sources: opts.Sources,
		def:     opts.Default,
		timeout: opts.SourceTimeout,
		logger:  logger.With().Str("component", "oracle").Logger(),
		now:     time.Now,
		queue:   make(chan gas.Sample, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go o.persistLoop()
	return o
}

// CurrentGas returns the cached sample, the first successful source, or the fixed default.
func (o *Oracle) CurrentGas(ctx context.Context) gas.Sample {
	ctx, span := tracer.Start(ctx, "oracle.CurrentGas")
	defer span.End()

	var cached gas.Sample
	found, err := cache.GetJSON(ctx, o.cache, CurrentGasKey, &cached)
	if err != nil {
		o.logger.Warn().Err(err).Msg("read cached gas price")
	}
	if found {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached
	}

	for _, src := range o.sources {
		sample, err := o.fetch(ctx, src)
		if err != nil {
			sourceOutcomes.WithLabelValues(src.Name(), "error").Inc()
			o.logger.Warn().Err(err).Str("source", src.Name()).Msg("gas source failed")
			continue
		}
		sourceOutcomes.WithLabelValues(src.Name(), "ok").Inc()
		span.SetAttributes(attribute.String("gas.source", src.Name()))

		if err := cache.SetJSON(ctx, o.cache, CurrentGasKey, sample, CurrentGasTTL); err != nil {
			o.logger.Warn().Err(err).Msg("cache gas price")
		}
		o.enqueue(sample)
		return sample
	}

	sourceOutcomes.WithLabelValues(DefaultSourceName, "ok").Inc()
	o.logger.Warn().Str("gwei", o.def.String()).Msg("all gas sources failed; using default")
	span.SetAttributes(attribute.String("gas.source", DefaultSourceName))
	return gas.FromGwei(o.def, o.now(), DefaultSourceName)
}

func (o *Oracle) fetch(ctx context.Context, src fetcher.GasSource) (gas.Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return src.Fetch(ctx)
}

// GasByPercentile returns the p-th percentile gwei over the last 24 hours.
// With no history it returns the current gwei for the median and zero otherwise.
func (o *Oracle) GasByPercentile(ctx context.Context, p int) decimal.Decimal {
	values := o.recentGwei(ctx)
	if len(values) == 0 {
		if p == 50 {
			return o.CurrentGas(ctx).Gwei
		}
		return decimal.Zero
	}

	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
	idx := len(values) * p / 100
	if idx >= len(values) {
		idx = len(values) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return values[idx]
}

func (o *Oracle) recentGwei(ctx context.Context) []decimal.Decimal {
	if o.store == nil {
		return nil
	}
	samples, err := o.store.ListGasSamplesSince(ctx, o.now().Add(-percentileWindow))
	if err != nil {
		o.logger.Warn().Err(err).Msg("load gas history for percentile")
		return nil
	}
	values := make([]decimal.Decimal, 0, len(samples))
	for _, s := range samples {
		values = append(values, s.Gwei)
	}
	return values
}

// CongestionLevel scores current gas against the 24h p95 on a 0..100 scale.
func (o *Oracle) CongestionLevel(ctx context.Context) int {
	current := o.CurrentGas(ctx).Gwei
	p95 := o.GasByPercentile(ctx, 95)
	if p95.IsZero() {
		return 50
	}
	level := current.Div(p95).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	switch {
	case level > 100:
		return 100
	case level < 0:
		return 0
	}
	return int(level)
}

// HistoricalGasPrices returns samples from the last hours, oldest first.
func (o *Oracle) HistoricalGasPrices(ctx context.Context, hours int) []gas.Sample {
	if o.store == nil || hours <= 0 {
		return []gas.Sample{}
	}
	samples, err := o.store.ListGasSamplesSince(ctx, o.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		o.logger.Warn().Err(err).Int("hours", hours).Msg("load gas history")
		return []gas.Sample{}
	}
	return samples
}

// EstimateCost prices gasUnits in the native token. A non-positive gwei uses the current price.
func (o *Oracle) EstimateCost(ctx context.Context, gasUnits uint64, gwei decimal.Decimal) decimal.Decimal {
	if gwei.LessThanOrEqual(decimal.Zero) {
		gwei = o.CurrentGas(ctx).Gwei
	}
	return gas.EstimateCost(gasUnits, gwei)
}

// Close stops accepting samples and waits for queued writes to finish.
func (o *Oracle) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	<-o.done
}

func (o *Oracle) enqueue(sample gas.Sample) {
	if o.store == nil {
		return
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- sample:
	default:
		o.logger.Warn().Str("gwei", sample.Gwei.String()).Msg("persistence queue full; dropping sample")
	}
}

func (o *Oracle) persistLoop() {
	defer close(o.done)
	for sample := range o.queue {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := o.store.InsertGasSample(ctx, sample); err != nil {
			o.logger.Error().Err(err).Str("gwei", sample.Gwei.String()).Msg("persist gas sample")
		}
		cancel()
	}
}

package oracle

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/cache"
	"gasguard/internal/fetcher"
	"gasguard/internal/gas"
)

type stubSource struct {
	name   string
	sample gas.Sample
	err    error
	block  bool

	mu    sync.Mutex
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context) (gas.Sample, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return gas.Sample{}, ctx.Err()
	}
	return s.sample, s.err
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []gas.Sample
	history  []gas.Sample
	listErr  error
	// readBack serves reads from the inserted samples instead of history.
	readBack bool
}

func (f *fakeStore) InsertGasSample(ctx context.Context, sample gas.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, sample)
	return nil
}

func (f *fakeStore) ListGasSamplesSince(ctx context.Context, since time.Time) ([]gas.Sample, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if !f.readBack {
		return f.history, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []gas.Sample{}
	for _, s := range f.inserted {
		if !s.ObservedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Inserted() []gas.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gas.Sample(nil), f.inserted...)
}

type maxFeeReader struct{ wei int64 }

func (r maxFeeReader) FeeData(ctx context.Context) (fetcher.FeeData, error) {
	return fetcher.FeeData{MaxFeePerGas: big.NewInt(r.wei)}, nil
}

type failingFeeReader struct{}

func (failingFeeReader) FeeData(ctx context.Context) (fetcher.FeeData, error) {
	return fetcher.FeeData{}, errors.New("rpc down")
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func liveSample(gwei int64) gas.Sample {
	return gas.FromGwei(decimal.NewFromInt(gwei), time.Now(), "stub")
}

func historyOf(gwei ...int64) []gas.Sample {
	out := make([]gas.Sample, 0, len(gwei))
	for _, g := range gwei {
		out = append(out, liveSample(g))
	}
	return out
}

func failingTracker(t *testing.T) *fetcher.GasTracker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return fetcher.NewGasTracker(fetcher.TrackerOptions{BaseURL: srv.URL}, nil, noopLogger())
}

func TestCurrentGasFallsThroughToChainFee(t *testing.T) {
	store := &fakeStore{}
	o := New(cache.NewMemory(16), store, Options{Sources: []fetcher.GasSource{
		failingTracker(t),
		fetcher.NewChainFee(maxFeeReader{wei: 30_000_000_000}, DefaultGwei, noopLogger()),
	}}, noopLogger())

	sample := o.CurrentGas(context.Background())
	if !sample.Gwei.Equal(decimal.NewFromInt(30)) || sample.WeiRaw != "30000000000" {
		t.Fatalf("expected 30 gwei / 30000000000 wei, got %s / %s", sample.Gwei, sample.WeiRaw)
	}

	o.Close()
	if got := store.Inserted(); len(got) != 1 || got[0].WeiRaw != "30000000000" {
		t.Fatalf("expected the live sample to be persisted once, got %+v", got)
	}
}

func TestPersistedSampleReadsBackFromHistory(t *testing.T) {
	store := &fakeStore{readBack: true}
	_ = store.InsertGasSample(context.Background(), gas.FromGwei(decimal.NewFromInt(99), time.Now().Add(-2*time.Hour), "stub"))
	o := New(cache.NewMemory(16), store, Options{Sources: []fetcher.GasSource{
		fetcher.NewChainFee(maxFeeReader{wei: 31_250_000_000}, DefaultGwei, noopLogger()),
	}}, noopLogger())

	sample := o.CurrentGas(context.Background())
	o.Close()

	history := o.HistoricalGasPrices(context.Background(), 1)
	if len(history) != 1 {
		t.Fatalf("expected only the fresh sample within the hour, got %+v", history)
	}
	if !history[0].Gwei.Equal(sample.Gwei) || history[0].WeiRaw != sample.WeiRaw {
		t.Fatalf("read back %s / %s, wrote %s / %s", history[0].Gwei, history[0].WeiRaw, sample.Gwei, sample.WeiRaw)
	}
	if !history[0].Gwei.Equal(decimal.RequireFromString("31.25")) {
		t.Fatalf("unexpected gwei %s", history[0].Gwei)
	}
}

func TestCurrentGasDefaultsWhenAllSourcesFail(t *testing.T) {
	store := &fakeStore{}
	c := cache.NewMemory(16)
	o := New(c, store, Options{Sources: []fetcher.GasSource{
		failingTracker(t),
		fetcher.NewChainFee(failingFeeReader{}, DefaultGwei, noopLogger()),
	}}, noopLogger())

	sample := o.CurrentGas(context.Background())
	if !sample.Gwei.Equal(decimal.NewFromInt(25)) || sample.WeiRaw != "25000000000" {
		t.Fatalf("expected default 25 gwei, got %s / %s", sample.Gwei, sample.WeiRaw)
	}
	if sample.Source != DefaultSourceName {
		t.Fatalf("expected default source label, got %q", sample.Source)
	}

	o.Close()
	if _, found, _ := c.Get(context.Background(), CurrentGasKey); found {
		t.Fatal("default sample must not be cached")
	}
	if got := store.Inserted(); len(got) != 0 {
		t.Fatalf("default sample must not be persisted, got %d rows", len(got))
	}
}

func TestCurrentGasServesCache(t *testing.T) {
	c := cache.NewMemory(16)
	src := &stubSource{name: "stub", sample: liveSample(18)}
	o := New(c, nil, Options{Sources: []fetcher.GasSource{src}}, noopLogger())
	defer o.Close()

	first := o.CurrentGas(context.Background())
	second := o.CurrentGas(context.Background())
	if src.Calls() != 1 {
		t.Fatalf("expected one upstream call, got %d", src.Calls())
	}
	if !first.Gwei.Equal(second.Gwei) || first.WeiRaw != second.WeiRaw {
		t.Fatalf("cached sample differs: %+v vs %+v", first, second)
	}
}

func TestCurrentGasSourceTimeout(t *testing.T) {
	slow := &stubSource{name: "slow", block: true}
	fast := &stubSource{name: "fast", sample: liveSample(12)}
	o := New(cache.NewMemory(16), nil, Options{
		Sources:       []fetcher.GasSource{slow, fast},
		SourceTimeout: 20 * time.Millisecond,
	}, noopLogger())
	defer o.Close()

	sample := o.CurrentGas(context.Background())
	if !sample.Gwei.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("expected fallback to fast source, got %s", sample.Gwei)
	}
}

func TestGasByPercentile(t *testing.T) {
	store := &fakeStore{history: historyOf(10, 1, 9, 2, 8, 3, 7, 4, 6, 5)}
	o := New(cache.NewMemory(16), store, Options{Sources: []fetcher.GasSource{&stubSource{name: "stub", sample: liveSample(5)}}}, noopLogger())
	defer o.Close()

	cases := map[int]int64{0: 1, 50: 6, 95: 10, 100: 10}
	for p, want := range cases {
		if got := o.GasByPercentile(context.Background(), p); !got.Equal(decimal.NewFromInt(want)) {
			t.Fatalf("p%d: expected %d, got %s", p, want, got)
		}
	}
}

func TestGasByPercentileWithoutHistory(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down")}
	o := New(cache.NewMemory(16), store, Options{Sources: []fetcher.GasSource{&stubSource{name: "stub", sample: liveSample(22)}}}, noopLogger())
	defer o.Close()

	if got := o.GasByPercentile(context.Background(), 95); !got.IsZero() {
		t.Fatalf("expected neutral zero for p95, got %s", got)
	}
	if got := o.GasByPercentile(context.Background(), 50); !got.Equal(decimal.NewFromInt(22)) {
		t.Fatalf("expected current gwei for p50, got %s", got)
	}
}

func TestCongestionLevel(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		history []gas.Sample
		want    int
	}{
		{name: "no history", current: 30, history: nil, want: 50},
		{name: "at p95", current: 20, history: historyOf(10, 20), want: 100},
		{name: "half of p95", current: 10, history: historyOf(20, 20), want: 50},
		{name: "clamped", current: 90, history: historyOf(10, 10), want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{history: tt.history}
			o := New(cache.NewMemory(16), store, Options{Sources: []fetcher.GasSource{&stubSource{name: "stub", sample: liveSample(tt.current)}}}, noopLogger())
			defer o.Close()

			if got := o.CongestionLevel(context.Background()); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestHistoricalGasPricesSwallowsStoreErrors(t *testing.T) {
	o := New(cache.NewMemory(16), &fakeStore{listErr: errors.New("db down")}, Options{}, noopLogger())
	defer o.Close()

	got := o.HistoricalGasPrices(context.Background(), 24)
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", got)
	}
}

func TestEstimateCostUsesCurrentGas(t *testing.T) {
	o := New(cache.NewMemory(16), nil, Options{Sources: []fetcher.GasSource{&stubSource{name: "stub", sample: liveSample(25)}}}, noopLogger())
	defer o.Close()

	got := o.EstimateCost(context.Background(), 21000, decimal.Zero)
	if !got.Equal(decimal.RequireFromString("0.000525")) {
		t.Fatalf("expected 0.000525, got %s", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	o := New(cache.NewMemory(16), &fakeStore{}, Options{}, noopLogger())
	o.Close()
	o.Close()
}

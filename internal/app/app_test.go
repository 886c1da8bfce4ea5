package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/attestation"
	"gasguard/internal/config"
	"gasguard/internal/gas"
	"gasguard/internal/prediction"
	"gasguard/internal/storage"
)

func offlineConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{GasInterval: 12 * time.Second},
		Chain:     config.ChainConfig{Network: "flare", RequestTimeout: time.Second},
		Oracle: config.OracleConfig{
			Sources:       []string{"gastracker", "chainfee"},
			DefaultGwei:   25,
			SourceTimeout: time.Second,
		},
		Attestation: config.AttestationConfig{PollDelay: time.Millisecond},
		Feed:        config.FeedConfig{EpochBlocks: 90},
		Notifications: config.NotificationsConfig{
			Browser: config.BrowserConfig{Enabled: true},
		},
		Export: config.ExportConfig{MaxDataPoints: 100},
	}
}

func newTestApp(cfg *config.Config) (*App, *bytes.Buffer) {
	var out bytes.Buffer
	return &App{Config: cfg, Logger: zerolog.Nop(), Out: &out}, &out
}

func TestGasFallsBackToDefaultWithoutSources(t *testing.T) {
	a, out := newTestApp(offlineConfig())

	if err := a.Gas(context.Background(), GasOptions{}); err != nil {
		t.Fatalf("Gas: %v", err)
	}

	var report GasReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out.String())
	}
	if report.Current.Source != "default" || !report.Current.Gwei.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected current sample: %+v", report.Current)
	}
	if report.Status != gas.StatusMedium {
		t.Fatalf("status = %s", report.Status)
	}
	if report.Congestion != 50 {
		t.Fatalf("congestion = %d", report.Congestion)
	}
	if report.GasUnits != transferGasUnits {
		t.Fatalf("gas units = %d", report.GasUnits)
	}
	if !report.EstimatedCost.Equal(decimal.RequireFromString("0.000525")) {
		t.Fatalf("estimated cost = %s", report.EstimatedCost)
	}
	if !report.Percentiles["p50"].Equal(decimal.NewFromInt(25)) || !report.Percentiles["p95"].IsZero() {
		t.Fatalf("percentiles = %v", report.Percentiles)
	}
	if report.Tiers != nil {
		t.Fatalf("tiers reported without a gas tracker")
	}
}

func TestPredictWithoutHistory(t *testing.T) {
	a, out := newTestApp(offlineConfig())

	if err := a.Predict(context.Background()); err != nil {
		t.Fatalf("Predict: %v", err)
	}

	var got []prediction.Prediction
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode predictions: %v", err)
	}
	var frames []prediction.Timeframe
	for _, p := range got {
		frames = append(frames, p.Timeframe)
	}
	want := []prediction.Timeframe{prediction.OneHour, prediction.SixHours, prediction.TwentyFourHours}
	if diff := cmp.Diff(want, frames); diff != "" {
		t.Fatalf("timeframes mismatch (-want +got):\n%s", diff)
	}
}

func TestCrossChainWithoutVerifier(t *testing.T) {
	a, out := newTestApp(offlineConfig())

	if err := a.CrossChain(context.Background(), CrossChainOptions{}); err != nil {
		t.Fatalf("CrossChain: %v", err)
	}

	var snapshot attestation.Snapshot
	if err := json.Unmarshal(out.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 1 || !snapshot[attestation.Flare].Equal(decimal.NewFromInt(25)) {
		t.Fatalf("snapshot = %v", snapshot)
	}
}

func TestCrossChainHistoryWithoutVerifier(t *testing.T) {
	a, out := newTestApp(offlineConfig())

	if err := a.CrossChain(context.Background(), CrossChainOptions{HistoryDays: 30}); err != nil {
		t.Fatalf("CrossChain: %v", err)
	}
	if got := bytes.TrimSpace(out.Bytes()); string(got) != "[]" {
		t.Fatalf("history = %s", got)
	}
}

func TestPriceRequiresFeed(t *testing.T) {
	a, _ := newTestApp(offlineConfig())
	if err := a.Price(context.Background(), PriceOptions{}); err == nil {
		t.Fatal("expected error without feed id")
	}
	if err := a.Price(context.Background(), PriceOptions{FeedID: "FLR/USD"}); err == nil {
		t.Fatal("expected error without a feed contract")
	}
}

func TestSimulateAlertDelivers(t *testing.T) {
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := offlineConfig()
	cfg.Notifications.Discord = config.DiscordConfig{WebhookURL: srv.URL, Timeout: time.Second}
	a, out := newTestApp(cfg)

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Alert: AlertOptions{
			UserID:    "u1",
			Condition: "gas_price",
			Operator:  "lt",
			Value:     "20",
			Channels:  []string{"discord", "telegram"},
		},
		Observed: "18",
	})
	if err != nil {
		t.Fatalf("SimulateAlert: %v", err)
	}

	var got SimulationResult
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	want := SimulationResult{
		Triggered: true,
		Message:   "Gas price is now 18 Gwei (target: lt 20)",
		Sent:      []storage.Channel{storage.ChannelDiscord},
		Skipped:   []storage.Channel{storage.ChannelTelegram},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if posts != 1 {
		t.Fatalf("webhook posts = %d", posts)
	}
}

func TestSimulateAlertConditionNotMet(t *testing.T) {
	a, out := newTestApp(offlineConfig())

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		Alert:    AlertOptions{Condition: "congestion", Operator: "gt", Value: "80"},
		Observed: "40",
	})
	if err != nil {
		t.Fatalf("SimulateAlert: %v", err)
	}
	var got SimulationResult
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if got.Triggered {
		t.Fatalf("unexpected trigger: %+v", got)
	}
}

func TestAlertCommandsNeedDatabase(t *testing.T) {
	a, _ := newTestApp(offlineConfig())
	ctx := context.Background()

	err := a.CreateAlert(ctx, AlertOptions{UserID: "u1", Condition: "gas_price", Operator: "lt", Value: "20"})
	if !errors.Is(err, storage.ErrNotConfigured) {
		t.Fatalf("CreateAlert error = %v", err)
	}
	if err := a.ListAlerts(ctx, "u1"); !errors.Is(err, storage.ErrNotConfigured) {
		t.Fatalf("ListAlerts error = %v", err)
	}
	if err := a.Show(ctx, ShowOptions{Limit: 10}); err == nil {
		t.Fatal("Show should fail without a database")
	}
	if err := a.Export(ctx, ExportOptions{CSVPath: filepath.Join(t.TempDir(), "x.csv")}); err == nil {
		t.Fatal("Export should fail without a database")
	}
	if err := a.Migrate(ctx); err == nil {
		t.Fatal("Migrate should fail without a database")
	}
}

func TestCreateAlertRejectsBadInput(t *testing.T) {
	a, _ := newTestApp(offlineConfig())
	ctx := context.Background()

	cases := []AlertOptions{
		{UserID: "u1", Condition: "gas_price", Operator: "between", Value: "20"},
		{UserID: "u1", Condition: "gas_price", Operator: "lt", Value: "cheap"},
		{UserID: "u1", Condition: "gas_price", Operator: "lt", Value: "20", Channels: []string{"sms"}},
	}
	for _, opts := range cases {
		err := a.CreateAlert(ctx, opts)
		if err == nil || errors.Is(err, storage.ErrNotConfigured) {
			t.Errorf("CreateAlert(%+v) error = %v, want validation error", opts, err)
		}
	}
}

func TestUpdateAlertRequiresFullCondition(t *testing.T) {
	a, _ := newTestApp(offlineConfig())
	err := a.UpdateAlert(context.Background(), "id", AlertOptions{Value: "10"})
	if err == nil || errors.Is(err, storage.ErrNotConfigured) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func testSamples(n int) []gas.Sample {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]gas.Sample, n)
	for i := range out {
		out[i] = gas.FromGwei(decimal.NewFromInt(int64(10+i)), base.Add(time.Duration(i)*12*time.Second), "gastracker")
	}
	return out
}

func TestBucketSamples(t *testing.T) {
	samples := testSamples(10)

	if got := bucketSamples(samples, 20); len(got) != 10 {
		t.Fatalf("expected passthrough, got %d", len(got))
	}

	got := bucketSamples(samples, 4)
	var gwei []string
	var stamps []time.Time
	for _, s := range got {
		gwei = append(gwei, s.Gwei.String())
		stamps = append(stamps, s.ObservedAt)
	}
	if diff := cmp.Diff([]string{"10.5", "13", "15.5", "18"}, gwei); diff != "" {
		t.Fatalf("bucket means mismatch (-want +got):\n%s", diff)
	}
	if !stamps[3].Equal(samples[9].ObservedAt) || !stamps[0].Equal(samples[1].ObservedAt) {
		t.Fatalf("bucket timestamps = %v", stamps)
	}

	one := bucketSamples(samples, 1)
	if len(one) != 1 || one[0].Gwei.String() != "14.5" || one[0].Source != "gastracker" {
		t.Fatalf("single bucket = %+v", one)
	}
}

func TestBucketSamplesMixedSources(t *testing.T) {
	samples := testSamples(4)
	samples[1].Source = "chainfee"

	got := bucketSamples(samples, 2)
	if got[0].Source != mixedSource || got[1].Source != "gastracker" {
		t.Fatalf("sources = %q, %q", got[0].Source, got[1].Source)
	}
}

func TestEncodeSamplesCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := encodeSamplesCSV(&buf, bucketSamples(testSamples(4), 2)); err != nil {
		t.Fatalf("encodeSamplesCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}

	want := [][]string{
		{"observed_at", "gwei", "wei", "status", "source"},
		{"2025-03-01T00:00:12Z", "10.50", "10500000000", "LOW", "gastracker"},
		{"2025-03-01T00:00:36Z", "12.50", "12500000000", "LOW", "gastracker"},
	}
	if diff := cmp.Diff(want, records); diff != "" {
		t.Fatalf("csv mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gas.png")
	err := writeFile(path, func(w io.Writer) error { return renderSamplesChart(w, testSamples(5)) })
	if err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("output is not a PNG")
	}
}

func TestExportRejectsEmptyWindow(t *testing.T) {
	a, _ := newTestApp(offlineConfig())
	at := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	err := a.Export(context.Background(), ExportOptions{CSVPath: "x.csv", From: &at, To: &at})
	if err == nil || err.Error() != "from must be before to" {
		t.Fatalf("Export error = %v", err)
	}
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("expected error without an output path")
	}
}

func TestSampleRange(t *testing.T) {
	low, high, mean := sampleRange(testSamples(4))
	got := []string{low.String(), high.String(), mean.String()}
	if diff := cmp.Diff([]string{"10", "13", "11.5"}, got); diff != "" {
		t.Fatalf("range mismatch (-want +got):\n%s", diff)
	}
}

func TestSanitizeInline(t *testing.T) {
	if got := sanitizeInline("a\nb\tc\r"); got != "a b c " {
		t.Fatalf("sanitizeInline = %q", got)
	}
}

func TestEmailSenderNeedsCredentials(t *testing.T) {
	cases := []struct {
		name string
		smtp config.SMTPConfig
		want bool
	}{
		{name: "host only", smtp: config.SMTPConfig{Host: "smtp.example.com", Port: 587}},
		{name: "missing password", smtp: config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "ops"}},
		{name: "complete", smtp: config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "ops", Password: "secret"}, want: true},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := offlineConfig()
			cfg.Notifications.SMTP = tt.smtp
			a, _ := newTestApp(cfg)

			var got bool
			for _, s := range a.senders(nil, nil) {
				if s.Channel() == storage.ChannelEmail {
					got = true
				}
			}
			if got != tt.want {
				t.Fatalf("email sender registered = %v, want %v", got, tt.want)
			}
		})
	}
}

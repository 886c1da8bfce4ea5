package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"gasguard/internal/alerting"
	"gasguard/internal/attestation"
	"gasguard/internal/config"
	"gasguard/internal/gas"
	"gasguard/internal/prediction"
	"gasguard/internal/scheduler"
	"gasguard/internal/storage"
)

// HistoryDays is the window of the cross-chain history refreshed alongside the live snapshot.
const HistoryDays = 30

// GasPoller samples the current gas price.
type GasPoller interface {
	CurrentGas(ctx context.Context) gas.Sample
	CongestionLevel(ctx context.Context) int
}

// Forecaster refreshes forecasts and retrains the model.
type Forecaster interface {
	Predictions(ctx context.Context) []prediction.Prediction
	TrainModel(ctx context.Context) error
}

// AlertChecker evaluates every active alert.
type AlertChecker interface {
	CheckAlerts(ctx context.Context) alerting.Result
}

// CrossChainRefresher refreshes the attested cross-chain prices.
type CrossChainRefresher interface {
	CrossChainGasPrices(ctx context.Context) attestation.Snapshot
	HistoricalCrossChainGasPrices(ctx context.Context, days int) []attestation.HistoricalPoint
}

// Jobs bundles the collaborators driven by the service. A nil member disables its job.
type Jobs struct {
	Gas        GasPoller
	Forecasts  Forecaster
	Alerts     AlertChecker
	CrossChain CrossChainRefresher
}

var alertOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gasguard_alert_evaluations_total",
		Help: "Alert evaluations by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(alertOutcomes)
}

// Service runs one scheduler per background job.
type Service struct {
	cfg     config.SchedulerConfig
	jobs    Jobs
	locker  storage.AdvisoryLocker
	lockKey int64
	logger  zerolog.Logger
}

// New constructs the background service. locker may be nil.
func New(cfg config.SchedulerConfig, jobs Jobs, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		jobs:    jobs,
		locker:  locker,
		lockKey: cfg.AdvisoryLockKey,
		logger:  logger.With().Str("component", "service").Logger(),
	}
}

type job struct {
	opts scheduler.Options
	tick scheduler.TickFunc
}

func (s *Service) schedule() []job {
	var jobs []job
	if s.jobs.Gas != nil {
		jobs = append(jobs, job{
			opts: scheduler.Options{Name: "gas_poll", Interval: s.cfg.GasInterval, AlignToStart: true, RunOnStart: true},
			tick: s.PollGas,
		})
	}
	if s.jobs.Alerts != nil {
		jobs = append(jobs, job{
			opts: scheduler.Options{Name: "alert_check", Interval: s.cfg.AlertInterval, AlignToStart: true},
			tick: s.CheckAlerts,
		})
	}
	if s.jobs.CrossChain != nil {
		jobs = append(jobs, job{
			opts: scheduler.Options{Name: "crosschain_refresh", Interval: s.cfg.CrossChainInterval, AlignToStart: true, RunOnStart: true},
			tick: s.RefreshCrossChain,
		})
	}
	if s.jobs.Forecasts != nil {
		jobs = append(jobs, job{
			opts: scheduler.Options{Name: "model_training", Interval: s.cfg.TrainingInterval, Offset: s.cfg.TrainingOffset, AlignToStart: true},
			tick: s.Train,
		})
	}
	for i := range jobs {
		jobs[i].opts.StartupDelay = s.cfg.StartupDelay
	}
	return jobs
}

// Run blocks until ctx is cancelled, driving every configured job concurrently.
func (s *Service) Run(ctx context.Context) error {
	jobs := s.schedule()
	if len(jobs) == 0 {
		return fmt.Errorf("no jobs configured")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		sched := scheduler.New(j.opts, s.logger)
		tick := j.tick
		g.Go(func() error {
			return sched.Run(ctx, tick)
		})
		s.logger.Info().Str("job", j.opts.Name).Dur("interval", j.opts.Interval).Msg("job scheduled")
	}
	return g.Wait()
}

// PollGas refreshes the current gas price and the forecasts derived from it.
func (s *Service) PollGas(ctx context.Context, bucket time.Time) error {
	sample := s.jobs.Gas.CurrentGas(ctx)
	congestion := s.jobs.Gas.CongestionLevel(ctx)

	s.logger.Info().Time("bucket", bucket).
		Str("gwei", sample.Gwei.String()).
		Str("source", sample.Source).
		Int("congestion", congestion).
		Msg("gas sampled")

	if s.jobs.Forecasts != nil {
		s.jobs.Forecasts.Predictions(ctx)
	}
	return nil
}

// CheckAlerts evaluates alerts while holding the advisory lock, so only one replica
// records triggers for a given cycle.
func (s *Service) CheckAlerts(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip alert check because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	res := s.jobs.Alerts.CheckAlerts(ctx)
	alertOutcomes.WithLabelValues("triggered").Add(float64(res.Triggered))
	alertOutcomes.WithLabelValues("throttled").Add(float64(res.Throttled))
	alertOutcomes.WithLabelValues("failed").Add(float64(res.Failed))
	alertOutcomes.WithLabelValues("quiet").Add(float64(res.Evaluated - res.Triggered - res.Throttled))

	if res.Triggered > 0 || res.Failed > 0 {
		s.logger.Info().Time("bucket", bucket).
			Int("evaluated", res.Evaluated).
			Int("triggered", res.Triggered).
			Int("failed", res.Failed).
			Msg("alert check")
	}
	return nil
}

// RefreshCrossChain re-attests the live snapshot and the trailing history.
func (s *Service) RefreshCrossChain(ctx context.Context, bucket time.Time) error {
	snapshot := s.jobs.CrossChain.CrossChainGasPrices(ctx)
	history := s.jobs.CrossChain.HistoricalCrossChainGasPrices(ctx, HistoryDays)

	s.logger.Info().Time("bucket", bucket).
		Int("chains", len(snapshot)).
		Int("history_points", len(history)).
		Msg("cross-chain prices refreshed")
	return nil
}

// Train retrains the forecasting model.
func (s *Service) Train(ctx context.Context, bucket time.Time) error {
	if err := s.jobs.Forecasts.TrainModel(ctx); err != nil {
		return fmt.Errorf("train model: %w", err)
	}
	s.logger.Info().Time("bucket", bucket).Msg("model trained")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

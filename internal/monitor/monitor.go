package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"darn/internal/events"
	"darn/internal/models"
	"darn/internal/workpool"
)

// Store is the persistence the monitor reads targets from and writes to.
type Store interface {
	FetchVerifications(ctx context.Context) ([]models.VerificationRecord, error)
	AppendProbes(ctx context.Context, records []models.ProbeRecord) (int, error)
}

// Prober pings one model on a host.
type Prober interface {
	Probe(ctx context.Context, ip string, availableModels []string) models.ProbeOutcome
}

// ErrBatchActive is returned by RunOnce when a batch holds the store.
var ErrBatchActive = errors.New("monitor: batch in progress")

// Guard serialises monitor rounds with batches. TryExclusive reports false
// while a batch is running.
type Guard interface {
	TryExclusive() (release func(), ok bool)
}

// Options tunes a Monitor.
type Options struct {
	Workers int
	Events  events.Sink
	Logger  *zap.Logger
	Guard   Guard
}

// Monitor periodically re-probes every verified endpoint that reports
// models and appends the results to the probe history.
type Monitor struct {
	interval time.Duration
	store    Store
	prober   Prober
	workers  int
	guard    Guard
	sink     events.Sink
	logger   *zap.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a monitor ticking every interval (at least one minute).
func New(interval time.Duration, store Store, prober Prober, opts Options) *Monitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	m := &Monitor{
		interval: interval,
		store:    store,
		prober:   prober,
		workers:  opts.Workers,
		guard:    opts.Guard,
		sink:     opts.Events,
		logger:   opts.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if m.sink == nil {
		m.sink = events.Nop{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Start launches the monitoring loop in a goroutine.
func (m *Monitor) Start() {
	go m.run()
}

// Stop requests graceful loop termination and waits until it is done.
func (m *Monitor) Stop() {
	select {
	case <-m.doneCh:
		return
	default:
	}
	close(m.stopCh)
	<-m.doneCh
}

// RunOnce probes every eligible endpoint once and persists the results.
// The round is skipped with ErrBatchActive while a batch is running.
func (m *Monitor) RunOnce(ctx context.Context) ([]models.ProbeRecord, error) {
	if m.guard != nil {
		release, ok := m.guard.TryExclusive()
		if !ok {
			return nil, ErrBatchActive
		}
		defer release()
	}

	verifications, err := m.store.FetchVerifications(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]models.VerificationRecord, 0, len(verifications))
	for _, v := range verifications {
		if v.OK && len(v.Models) > 0 {
			targets = append(targets, v)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	task := func(ctx context.Context, rec models.VerificationRecord) models.ProbeOutcome {
		return m.prober.Probe(ctx, rec.IP, rec.Models)
	}
	outcomes, err := workpool.Map(ctx, targets, task, workpool.Options[models.VerificationRecord, models.ProbeOutcome]{
		Width: m.workers,
		OnPanic: func(rec models.VerificationRecord, r any) models.ProbeOutcome {
			return models.ProbeOutcome{IP: rec.IP, Failure: models.PanicFailure(r), TS: time.Now().UTC()}
		},
		OnDone: func(done, total int, _ models.VerificationRecord, out models.ProbeOutcome) {
			e := events.Event{
				Type: events.ProbeDone, RunID: "monitor", IP: out.IP, OK: out.Success(),
				Done: done, Total: total, At: out.TS,
			}
			if out.Failure != nil {
				e.Error = out.Failure.Message()
			}
			m.sink.Publish(e)
		},
	})
	if err != nil {
		return nil, err
	}

	records := make([]models.ProbeRecord, len(outcomes))
	passing := 0
	for i, out := range outcomes {
		records[i] = out.Record()
		if out.Success() {
			passing++
		}
	}
	if _, err := m.store.AppendProbes(ctx, records); err != nil {
		return records, err
	}
	m.logger.Info("monitor round complete", zap.Int("probed", len(records)), zap.Int("passing", passing))
	return records, nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.round(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.round(ctx)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) round(ctx context.Context) {
	_, err := m.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrBatchActive):
		m.logger.Debug("monitor round skipped", zap.Error(err))
	case err != nil:
		m.logger.Warn("monitor round failed", zap.Error(err))
	}
}

// Package pipeline runs one batch: resolve candidates, verify them in
// parallel, persist, export, probe the healthy subset, persist and rank.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"darn/internal/discovery"
	"darn/internal/events"
	"darn/internal/models"
	"darn/internal/scoring"
	"darn/internal/workpool"
)

var (
	// ErrBusy is returned when a batch is already running.
	ErrBusy = errors.New("a batch is already running")
	// ErrUplinkDown is returned when the preflight check cannot reach its target.
	ErrUplinkDown = errors.New("uplink unreachable")
)

// Verifier checks one candidate.
type Verifier interface {
	Verify(ctx context.Context, ip string) models.VerificationOutcome
}

// Prober pings one model on a host.
type Prober interface {
	Probe(ctx context.Context, ip string, availableModels []string) models.ProbeOutcome
}

// Store is the persistence used by a batch.
type Store interface {
	CountEndpoints(ctx context.Context) (int, error)
	ListEndpoints(ctx context.Context) ([]string, error)
	UpsertEndpoints(ctx context.Context, ips []string) (int, error)
	UpsertVerifications(ctx context.Context, records []models.VerificationRecord) (int, error)
	AppendProbes(ctx context.Context, records []models.ProbeRecord) (int, error)
	ExportCSV(ctx context.Context, path string) (string, error)
	RecordRun(ctx context.Context, run models.Run) error
	Reset(ctx context.Context) error
}

// Preflight checks the local uplink before a batch.
type Preflight func(ctx context.Context) models.ConnectivityStatus

// Options configures an Orchestrator.
type Options struct {
	Workers   int
	Query     string
	Limit     int
	CSVPath   string
	Preflight Preflight
	Events    events.Sink
	Logger    *zap.Logger
	// OnVerify is called after each verification completes, serialised.
	OnVerify func(done, total int, out models.VerificationOutcome)
	// OnDiscover is called with the candidates found by discovery.
	OnDiscover func(candidates []string, created int)
}

// Report summarises a batch.
type Report struct {
	RunID            string                      `json:"run_id"`
	StartedAt        time.Time                   `json:"started_at"`
	FinishedAt       time.Time                   `json:"finished_at"`
	SkippedDiscovery bool                        `json:"skipped_discovery"`
	Candidates       []string                    `json:"-"`
	Discovered       int                         `json:"discovered"`
	Verified         int                         `json:"verified"`
	Probed           int                         `json:"probed"`
	Healthy          int                         `json:"healthy"`
	Total            int                         `json:"total"`
	CSVPath          string                      `json:"csv_path,omitempty"`
	Verifications    []models.VerificationRecord `json:"-"`
	Probes           []models.ProbeRecord        `json:"-"`
	Ranked           []scoring.Ranked            `json:"-"`
}

// Orchestrator owns no state between batches beyond the single-run guard
// and the exclusive store lock shared with background writers.
type Orchestrator struct {
	verifier  Verifier
	prober    Prober
	store     Store
	discovery discovery.Provider
	opts      Options
	logger    *zap.Logger
	sink      events.Sink
	running   atomic.Bool
	exclusive sync.Mutex
	now       func() time.Time
}

// New creates an Orchestrator. provider may be nil when candidates always
// come from the store.
func New(v Verifier, p Prober, s Store, provider discovery.Provider, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = workpool.DefaultWidth
	}
	if opts.Limit == 0 {
		opts.Limit = discovery.DefaultLimit
	}
	if opts.Query == "" {
		opts.Query = discovery.DefaultQuery
	}
	if opts.CSVPath == "" {
		opts.CSVPath = "verifications.csv"
	}
	o := &Orchestrator{
		verifier:  v,
		prober:    p,
		store:     s,
		discovery: provider,
		opts:      opts,
		logger:    opts.Logger,
		sink:      opts.Events,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.sink == nil {
		o.sink = events.Nop{}
	}
	return o
}

// Run executes one batch. Stored endpoints are reused; discovery runs only
// when the store is empty.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	return o.guarded(ctx, false)
}

// Refresh wipes stored state and the CSV snapshot, then runs a batch with
// fresh discovery.
func (o *Orchestrator) Refresh(ctx context.Context) (*Report, error) {
	return o.guarded(ctx, true)
}

func (o *Orchestrator) guarded(ctx context.Context, refresh bool) (*Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.running.Store(false)

	o.exclusive.Lock()
	defer o.exclusive.Unlock()

	if refresh {
		if err := o.store.Reset(context.WithoutCancel(ctx)); err != nil {
			return nil, fmt.Errorf("reset store: %w", err)
		}
		if err := os.Remove(o.opts.CSVPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove csv: %w", err)
		}
		o.logger.Info("stored state cleared")
	}
	return o.run(ctx)
}

// TryExclusive claims the store for a background writer such as a monitor
// round. It reports false while a batch is running; a batch that starts
// while the claim is held waits for release.
func (o *Orchestrator) TryExclusive() (release func(), ok bool) {
	if o.running.Load() || !o.exclusive.TryLock() {
		return nil, false
	}
	return o.exclusive.Unlock, true
}

// run executes the stages. Network calls honour ctx; every store write uses
// a context without cancellation so outcomes already gathered are persisted.
func (o *Orchestrator) run(ctx context.Context) (*Report, error) {
	persist := context.WithoutCancel(ctx)
	rep := &Report{RunID: uuid.NewString(), StartedAt: o.now()}
	log := o.logger.With(zap.String("run_id", rep.RunID))
	o.publish(events.Event{Type: events.RunStarted, RunID: rep.RunID})
	o.recordRun(persist, rep, nil)

	fail := func(err error) (*Report, error) {
		rep.FinishedAt = o.now()
		o.recordRun(persist, rep, err)
		o.publish(events.Event{Type: events.RunFinished, RunID: rep.RunID, Error: err.Error()})
		log.Error("batch failed", zap.Error(err))
		return rep, err
	}

	candidates, err := o.resolveCandidates(ctx, rep)
	if err != nil {
		return fail(err)
	}
	rep.Candidates = candidates
	if len(candidates) == 0 {
		log.Info("no candidate endpoints")
		return o.finish(persist, rep), nil
	}

	if o.opts.Preflight != nil {
		status := o.opts.Preflight(ctx)
		if !status.OK {
			return fail(fmt.Errorf("%w: %s: %s", ErrUplinkDown, status.Target, status.Error))
		}
		log.Debug("uplink ok", zap.String("target", status.Target), zap.Int64("latency_ms", status.LatencyMs))
	}

	log.Info("verifying endpoints", zap.Int("count", len(candidates)), zap.Int("workers", o.opts.Workers))
	outcomes, err := workpool.Map(ctx, candidates, o.verifier.Verify, workpool.Options[string, models.VerificationOutcome]{
		Width: o.opts.Workers,
		OnPanic: func(ip string, r any) models.VerificationOutcome {
			log.Error("verification panicked", zap.String("ip", ip), zap.Any("panic", r))
			return models.VerificationOutcome{IP: ip, Models: []string{}, Failure: models.PanicFailure(r), CheckedAt: o.now()}
		},
		OnDone: func(done, total int, _ string, out models.VerificationOutcome) {
			if o.opts.OnVerify != nil {
				o.opts.OnVerify(done, total, out)
			}
			o.publish(o.progressEvent(events.VerifyDone, rep.RunID, out.IP, out.OK(), out.Failure, done, total))
		},
	})
	if err != nil {
		return fail(err)
	}

	records := make([]models.VerificationRecord, len(outcomes))
	for i, out := range outcomes {
		records[i] = out.Record()
	}
	rep.Verifications = records
	rep.Total = len(records)
	if rep.Verified, err = o.store.UpsertVerifications(persist, records); err != nil {
		return fail(err)
	}
	if rep.CSVPath, err = o.store.ExportCSV(persist, o.opts.CSVPath); err != nil {
		return fail(err)
	}

	var targets []models.VerificationRecord
	for _, rec := range records {
		if rec.OK {
			rep.Healthy++
			if len(rec.Models) > 0 {
				targets = append(targets, rec)
			}
		}
	}

	probes, err := o.probe(ctx, rep.RunID, targets)
	if err != nil {
		return fail(err)
	}
	rep.Probes = probes
	if len(probes) > 0 {
		if rep.Probed, err = o.store.AppendProbes(persist, probes); err != nil {
			return fail(err)
		}
	}

	rep.Ranked = scoring.Rank(sortByIP(records))
	return o.finish(persist, rep), nil
}

func (o *Orchestrator) resolveCandidates(ctx context.Context, rep *Report) ([]string, error) {
	count, err := o.store.CountEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		rep.SkippedDiscovery = true
		return o.store.ListEndpoints(ctx)
	}

	if o.discovery == nil {
		return nil, fmt.Errorf("%w: no discovery provider configured", discovery.ErrDiscovery)
	}
	candidates, err := o.discovery.Discover(ctx, o.opts.Query, o.opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}
	if rep.Discovered, err = o.store.UpsertEndpoints(context.WithoutCancel(ctx), candidates); err != nil {
		return nil, err
	}
	if o.opts.OnDiscover != nil {
		o.opts.OnDiscover(candidates, rep.Discovered)
	}
	return candidates, nil
}

func (o *Orchestrator) probe(ctx context.Context, runID string, targets []models.VerificationRecord) ([]models.ProbeRecord, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	task := func(ctx context.Context, rec models.VerificationRecord) models.ProbeOutcome {
		return o.prober.Probe(ctx, rec.IP, rec.Models)
	}
	outcomes, err := workpool.Map(ctx, targets, task, workpool.Options[models.VerificationRecord, models.ProbeOutcome]{
		Width: o.opts.Workers,
		OnPanic: func(rec models.VerificationRecord, r any) models.ProbeOutcome {
			o.logger.Error("probe panicked", zap.String("ip", rec.IP), zap.Any("panic", r))
			return models.ProbeOutcome{IP: rec.IP, Failure: models.PanicFailure(r), TS: o.now()}
		},
		OnDone: func(done, total int, _ models.VerificationRecord, out models.ProbeOutcome) {
			o.publish(o.progressEvent(events.ProbeDone, runID, out.IP, out.Success(), out.Failure, done, total))
		},
	})
	if err != nil {
		return nil, err
	}
	records := make([]models.ProbeRecord, len(outcomes))
	for i, out := range outcomes {
		records[i] = out.Record()
	}
	return records, nil
}

func (o *Orchestrator) finish(ctx context.Context, rep *Report) *Report {
	rep.FinishedAt = o.now()
	o.recordRun(ctx, rep, nil)
	o.publish(events.Event{
		Type:  events.RunFinished,
		RunID: rep.RunID,
		OK:    true,
		Done:  rep.Healthy,
		Total: rep.Total,
	})
	o.logger.Info("batch complete",
		zap.String("run_id", rep.RunID),
		zap.Int("discovered", rep.Discovered),
		zap.Int("verified", rep.Verified),
		zap.Int("probed", rep.Probed),
		zap.Int("healthy", rep.Healthy),
		zap.Int("total", rep.Total))
	return rep
}

// recordRun logs rather than fails: the run log is informational.
func (o *Orchestrator) recordRun(ctx context.Context, rep *Report, runErr error) {
	run := models.Run{
		ID:         rep.RunID,
		StartedAt:  rep.StartedAt,
		Discovered: rep.Discovered,
		Verified:   rep.Verified,
		Probed:     rep.Probed,
		Healthy:    rep.Healthy,
		Total:      rep.Total,
	}
	if !rep.FinishedAt.IsZero() {
		finished := rep.FinishedAt
		run.FinishedAt = &finished
	}
	if runErr != nil {
		run.Error = models.StringPtr(runErr.Error())
	}
	if err := o.store.RecordRun(ctx, run); err != nil {
		o.logger.Warn("record run", zap.String("run_id", rep.RunID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(e events.Event) {
	if e.At.IsZero() {
		e.At = o.now()
	}
	o.sink.Publish(e)
}

func (o *Orchestrator) progressEvent(typ, runID, ip string, ok bool, failure *models.Failure, done, total int) events.Event {
	e := events.Event{Type: typ, RunID: runID, IP: ip, OK: ok, Done: done, Total: total}
	if failure != nil {
		e.Error = failure.Message()
	}
	return e
}

func sortByIP(records []models.VerificationRecord) []models.VerificationRecord {
	out := make([]models.VerificationRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

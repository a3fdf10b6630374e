package monitor

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"darn/internal/models"
	"darn/internal/pipeline"
	"darn/internal/storage"
)

type memStore struct {
	mu            sync.Mutex
	verifications []models.VerificationRecord
	probes        []models.ProbeRecord
}

func (s *memStore) FetchVerifications(context.Context) ([]models.VerificationRecord, error) {
	return s.verifications, nil
}

func (s *memStore) AppendProbes(_ context.Context, recs []models.ProbeRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, recs...)
	return len(recs), nil
}

type pingProber struct{}

func (pingProber) Probe(_ context.Context, ip string, available []string) models.ProbeOutcome {
	if ip == "10.0.0.3" {
		panic("bad host")
	}
	return models.ProbeOutcome{IP: ip, Model: available[0], TS: time.Now()}
}

func TestRunOnceProbesEligibleEndpoints(t *testing.T) {
	store := &memStore{verifications: []models.VerificationRecord{
		{IP: "10.0.0.1", OK: true, Models: []string{"phi"}},
		{IP: "10.0.0.2", OK: true, Models: []string{}},
		{IP: "10.0.0.3", OK: true, Models: []string{"llama3"}},
		{IP: "10.0.0.4", OK: false, Models: []string{"phi"}},
	}}
	m := New(time.Minute, store, pingProber{}, Options{Workers: 2})

	recs, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || len(store.probes) != 2 {
		t.Fatalf("probes: %+v", store.probes)
	}
	byIP := map[string]models.ProbeRecord{}
	for _, r := range recs {
		byIP[r.IP] = r
	}
	if !byIP["10.0.0.1"].Success {
		t.Errorf("10.0.0.1 should pass: %+v", byIP["10.0.0.1"])
	}
	if p := byIP["10.0.0.3"]; p.Success || p.Error == nil || *p.Error != "bad host" {
		t.Errorf("panic should become a failed probe: %+v", p)
	}
}

func TestStopWithoutTicks(t *testing.T) {
	m := New(time.Hour, &memStore{}, pingProber{}, Options{})
	m.Start()
	m.Stop()
	m.Stop()
}

func TestCheckUplink(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ok := CheckUplink(context.Background(), ln.Addr().String(), time.Second)
	if !ok.OK || ok.Error != "" || ok.Target != ln.Addr().String() {
		t.Errorf("reachable target: %+v", ok)
	}

	addr := ln.Addr().String()
	ln.Close()
	down := CheckUplink(context.Background(), addr, 200*time.Millisecond)
	if down.OK || down.Error == "" {
		t.Errorf("closed target: %+v", down)
	}
}

func TestConnectivityHistory(t *testing.T) {
	m := NewConnectivityMonitor("127.0.0.1:1", time.Second, time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		m.Record(models.ConnectivityStatus{OK: i%2 == 0, CheckedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	latest, ok := m.Latest()
	if !ok || !latest.CheckedAt.Equal(base.Add(4*time.Minute)) {
		t.Errorf("latest: %+v", latest)
	}
	if got := m.HistorySince(base.Add(2 * time.Minute)); len(got) != 3 {
		t.Errorf("history since: %d", len(got))
	}
	if got := m.HistorySince(base.Add(time.Hour)); got != nil {
		t.Errorf("future cutoff: %v", got)
	}
}

type refusingGuard struct{}

func (refusingGuard) TryExclusive() (func(), bool) { return nil, false }

func TestRunOnceSkipsWhileBatchActive(t *testing.T) {
	store := &memStore{verifications: []models.VerificationRecord{
		{IP: "10.0.0.1", OK: true, Models: []string{"phi"}},
	}}
	m := New(time.Minute, store, pingProber{}, Options{Guard: refusingGuard{}})

	if _, err := m.RunOnce(context.Background()); !errors.Is(err, ErrBatchActive) {
		t.Fatalf("want ErrBatchActive, got %v", err)
	}
	if len(store.probes) != 0 {
		t.Errorf("skipped round must not write: %+v", store.probes)
	}
}

// blockingProber holds every probe until release is closed.
type blockingProber struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProber) Probe(_ context.Context, ip string, available []string) models.ProbeOutcome {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return models.ProbeOutcome{IP: ip, Model: available[0], TS: time.Now().UTC()}
}

type discoverFunc func(ctx context.Context, query string, limit int) ([]string, error)

func (f discoverFunc) Discover(ctx context.Context, query string, limit int) ([]string, error) {
	return f(ctx, query, limit)
}

type okVerifier struct{}

func (okVerifier) Verify(_ context.Context, ip string) models.VerificationOutcome {
	return models.VerificationOutcome{IP: ip, Models: []string{}, CheckedAt: time.Now().UTC()}
}

func TestRefreshWaitsForInFlightRound(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "darn.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.UpsertVerifications(ctx, []models.VerificationRecord{
		{IP: "10.0.0.1", OK: true, Models: []string{"phi"}, CheckedAt: time.Now().UTC()},
	}); err != nil {
		t.Fatal(err)
	}

	prober := &blockingProber{entered: make(chan struct{}), release: make(chan struct{})}
	disc := discoverFunc(func(context.Context, string, int) ([]string, error) {
		return []string{"10.0.0.2"}, nil
	})
	orch := pipeline.New(okVerifier{}, prober, store, disc,
		pipeline.Options{CSVPath: filepath.Join(t.TempDir(), "v.csv")})
	m := New(time.Minute, store, prober, Options{Guard: orch})

	roundDone := make(chan error, 1)
	go func() {
		_, err := m.RunOnce(ctx)
		roundDone <- err
	}()
	<-prober.entered

	refreshDone := make(chan error, 1)
	go func() {
		_, err := orch.Refresh(ctx)
		refreshDone <- err
	}()
	select {
	case err := <-refreshDone:
		t.Fatalf("refresh finished while a round was in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(prober.release)
	if err := <-roundDone; err != nil {
		t.Fatalf("round: %v", err)
	}
	if err := <-refreshDone; err != nil {
		t.Fatalf("refresh: %v", err)
	}

	ips, err := store.ListEndpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 1 || ips[0] != "10.0.0.2" {
		t.Errorf("endpoints after refresh: %v", ips)
	}
}

package metrics

import (
	"testing"
	"time"

	"darn/internal/models"
)

func ptr[T any](v T) *T { return &v }

func TestComputeProbeUptime(t *testing.T) {
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	probes := []models.ProbeRecord{
		{IP: "b", Model: ptr("phi"), Success: true, LatencyMs: ptr(int64(100)), TS: base},
		{IP: "b", Model: ptr("phi"), Success: false, Error: ptr("status 500"), LatencyMs: ptr(int64(201)), TS: base.Add(2 * time.Minute)},
		{IP: "b", Model: ptr("phi"), Success: true, LatencyMs: ptr(int64(300)), TS: base.Add(time.Minute)},
		{IP: "a", Model: nil, Success: false, Error: ptr("no models available"), TS: base},
	}

	got := ComputeProbeUptime(probes)
	if len(got) != 2 {
		t.Fatalf("groups: %+v", got)
	}

	a := got[0]
	if a.IP != "a" || a.Model != "" || a.UptimePercent != 0 || a.AvgLatencyMs != nil || a.LastError != "no models available" {
		t.Errorf("a: %+v", a)
	}

	b := got[1]
	if b.TotalProbes != 3 || b.Passing != 2 || b.Failing != 1 {
		t.Errorf("b counts: %+v", b)
	}
	if b.UptimePercent != 66.67 {
		t.Errorf("b uptime: %v", b.UptimePercent)
	}
	if b.AvgLatencyMs == nil || *b.AvgLatencyMs != 200.33 {
		t.Errorf("b avg latency: %v", b.AvgLatencyMs)
	}
	if b.LastSuccess || b.LastError != "status 500" || b.LastProbe != "2026-04-01T00:02:00Z" {
		t.Errorf("b last: %+v", b)
	}
}

func TestComputeProbeUptimeEmpty(t *testing.T) {
	if got := ComputeProbeUptime(nil); got != nil {
		t.Errorf("got %v", got)
	}
}

package scoring

import (
	"math"
	"testing"

	"darn/internal/models"
)

func lat(v int64) *int64 { return &v }

func TestScoreUnhealthyIsZero(t *testing.T) {
	rec := models.VerificationRecord{IP: "a", OK: false, Models: []string{"llama3"}, LatencyMs: lat(10)}
	if got := Score(rec); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestScoreValues(t *testing.T) {
	cases := []struct {
		name string
		rec  models.VerificationRecord
		want float64
	}{
		{"no models fast", models.VerificationRecord{OK: true, LatencyMs: lat(100)}, 60},
		{"one model no latency", models.VerificationRecord{OK: true, Models: []string{"phi"}}, 60 + 12*math.Log10(2)},
		{"many models capped", models.VerificationRecord{OK: true, Models: make9()}, 60 + 12},
		{"slow", models.VerificationRecord{OK: true, LatencyMs: lat(1000)}, 40},
		{"very slow capped", models.VerificationRecord{OK: true, LatencyMs: lat(60000)}, 20},
	}
	for _, tc := range cases {
		got := Score(tc.rec)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func make9() []string {
	return []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}
}

func TestScoreBounds(t *testing.T) {
	latencies := []*int64{nil, lat(-5), lat(0), lat(1), lat(500), lat(750), lat(1500), lat(1 << 40)}
	modelSets := [][]string{nil, {}, {""}, {"a"}, {"a", "b"}, names(100)}
	for _, ok := range []bool{true, false} {
		for _, l := range latencies {
			for _, m := range modelSets {
				s := Score(models.VerificationRecord{OK: ok, LatencyMs: l, Models: m})
				if s < 0 || s > 100 {
					t.Fatalf("score %v out of range (ok=%v models=%d)", s, ok, len(m))
				}
				if !ok && s != 0 {
					t.Fatalf("unhealthy score %v", s)
				}
			}
		}
	}
}

func names(n int) []string {
	out := []string{}
	for i := 0; i < n; i++ {
		out = append(out, "m")
	}
	return out
}

func TestRankStableOnTies(t *testing.T) {
	records := []models.VerificationRecord{
		{IP: "c", OK: true, LatencyMs: lat(100)},
		{IP: "x", OK: false},
		{IP: "a", OK: true, LatencyMs: lat(100)},
		{IP: "best", OK: true, Models: []string{"phi", "llama3"}, LatencyMs: lat(100)},
		{IP: "b", OK: true, LatencyMs: lat(100)},
		{IP: "y", OK: false},
	}
	ranked := Rank(records)

	wantOrder := []string{"best", "c", "a", "b", "x", "y"}
	for i, ip := range wantOrder {
		if ranked[i].IP != ip {
			t.Fatalf("position %d: got %s, want %s", i, ranked[i].IP, ip)
		}
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score > ranked[i-1].Score {
			t.Fatalf("not sorted at %d: %v > %v", i, ranked[i].Score, ranked[i-1].Score)
		}
	}
}

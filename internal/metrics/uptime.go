package metrics

import (
	"math"
	"sort"
	"time"

	"darn/internal/models"
)

// EndpointUptime summarises the probe history of one (endpoint, model) pair.
type EndpointUptime struct {
	IP            string   `json:"ip"`
	Model         string   `json:"model,omitempty"`
	UptimePercent float64  `json:"uptime_percent"`
	TotalProbes   int      `json:"total_probes"`
	Passing       int      `json:"passing"`
	Failing       int      `json:"failing"`
	AvgLatencyMs  *float64 `json:"avg_latency_ms"`
	LastSuccess   bool     `json:"last_success"`
	LastError     string   `json:"last_error,omitempty"`
	LastProbe     string   `json:"last_probe,omitempty"`
}

// ComputeProbeUptime aggregates uptime statistics per endpoint and model.
// Results are sorted by ip, then model.
func ComputeProbeUptime(probes []models.ProbeRecord) []EndpointUptime {
	type key struct{ ip, model string }
	type acc struct {
		passing    int
		failing    int
		latencySum int64
		latencyN   int
		last       models.ProbeRecord
		lastTime   time.Time
	}
	state := make(map[key]*acc)
	for _, p := range probes {
		k := key{ip: p.IP, model: valueOrEmpty(p.Model)}
		a := state[k]
		if a == nil {
			a = &acc{}
			state[k] = a
		}
		if p.Success {
			a.passing++
		} else {
			a.failing++
		}
		if p.LatencyMs != nil {
			a.latencySum += *p.LatencyMs
			a.latencyN++
		}
		if a.lastTime.IsZero() || !p.TS.Before(a.lastTime) {
			a.last = p
			a.lastTime = p.TS
		}
	}
	if len(state) == 0 {
		return nil
	}

	keys := make([]key, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ip != keys[j].ip {
			return keys[i].ip < keys[j].ip
		}
		return keys[i].model < keys[j].model
	})

	results := make([]EndpointUptime, 0, len(keys))
	for _, k := range keys {
		data := state[k]
		total := data.passing + data.failing
		uptime := 0.0
		if total > 0 {
			uptime = float64(data.passing) / float64(total) * 100
		}
		result := EndpointUptime{
			IP:            k.ip,
			Model:         k.model,
			UptimePercent: round2(uptime),
			TotalProbes:   total,
			Passing:       data.passing,
			Failing:       data.failing,
			LastSuccess:   data.last.Success,
			LastError:     valueOrEmpty(data.last.Error),
		}
		if data.latencyN > 0 {
			avg := round2(float64(data.latencySum) / float64(data.latencyN))
			result.AvgLatencyMs = &avg
		}
		if !data.lastTime.IsZero() {
			result.LastProbe = data.lastTime.UTC().Format(time.RFC3339)
		}
		results = append(results, result)
	}
	return results
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func valueOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

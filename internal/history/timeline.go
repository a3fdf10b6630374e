package history

import (
	"sort"
	"time"

	"darn/internal/models"
)

const (
	// DefaultTimelinePoints controls how many dots we generate per endpoint.
	DefaultTimelinePoints = 80
	maxDetailsPerPoint    = 4
)

// Bucket states.
const (
	StateSuccess = "state-success"
	StateError   = "state-error"
	StateWarning = "state-warning"
	StateMissing = "state-missing"
)

// BuildEndpointTimelines converts probe history into compact per-endpoint
// timelines over [start, end). Endpoints listed in ips appear even without
// probes; the result is sorted by ip.
func BuildEndpointTimelines(probes []models.ProbeRecord, ips []string, start, end time.Time, points int) []models.EndpointTimeline {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}

	byIP := make(map[string][]models.ProbeRecord)
	for _, ip := range ips {
		if ip != "" {
			if _, ok := byIP[ip]; !ok {
				byIP[ip] = nil
			}
		}
	}
	for _, p := range probes {
		if p.IP == "" {
			continue
		}
		byIP[p.IP] = append(byIP[p.IP], p)
	}
	if len(byIP) == 0 {
		return nil
	}

	keys := make([]string, 0, len(byIP))
	for ip := range byIP {
		keys = append(keys, ip)
	}
	sort.Strings(keys)

	result := make([]models.EndpointTimeline, 0, len(keys))
	for _, ip := range keys {
		result = append(result, models.EndpointTimeline{
			IP:       ip,
			Timeline: buildTimeline(byIP[ip], start, end, points),
		})
	}
	return result
}

func buildTimeline(samples []models.ProbeRecord, start, end time.Time, points int) []models.TimelinePoint {
	output := make([]models.TimelinePoint, 0, points)
	if len(samples) > 1 {
		sort.SliceStable(samples, func(i, j int) bool {
			return samples[i].TS.Before(samples[j].TS)
		})
	}

	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Minute
	}

	cursor := 0
	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		if i == points-1 {
			bucketEnd = end
		}
		bucketSamples, nextCursor := collectBucketSamples(samples, bucketStart, bucketEnd, cursor)
		cursor = nextCursor
		state, label, details := evaluateBucket(bucketSamples)
		output = append(output, models.TimelinePoint{
			State:   state,
			Label:   label,
			Start:   bucketStart,
			End:     bucketEnd,
			Details: details,
		})
	}
	return output
}

func collectBucketSamples(samples []models.ProbeRecord, start, end time.Time, cursor int) ([]models.ProbeRecord, int) {
	total := len(samples)
	if total == 0 || cursor >= total {
		return nil, cursor
	}

	i := cursor
	for i < total && samples[i].TS.Before(start) {
		i++
	}
	j := i
	for j < total && samples[j].TS.Before(end) {
		j++
	}
	if i >= j {
		return nil, j
	}
	return samples[i:j], j
}

// evaluateBucket marks a bucket operational when every probe passed,
// unavailable when every probe failed and degraded when they disagree.
func evaluateBucket(entries []models.ProbeRecord) (state, label string, details []models.TimelineDetail) {
	if len(entries) == 0 {
		return StateMissing, "No data", nil
	}
	var passing, failing int
	for _, entry := range entries {
		if entry.Success {
			passing++
			continue
		}
		failing++
		if len(details) < maxDetailsPerPoint {
			details = append(details, models.TimelineDetail{
				Timestamp: entry.TS,
				Model:     valueOrEmpty(entry.Model),
				Error:     valueOrEmpty(entry.Error),
			})
		}
	}
	switch {
	case failing == 0:
		return StateSuccess, "Operational", nil
	case passing == 0:
		return StateError, "Unavailable", details
	default:
		return StateWarning, "Degraded", details
	}
}

func valueOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

// Package scoring turns verification records into comparable 0-100 scores.
package scoring

import (
	"math"
	"sort"

	"darn/internal/models"
)

const (
	MaxScore          = 100.0
	BaseOKScore       = 60.0
	ModelBonusWeight  = 12.0
	ModelBonusCap     = 20.0
	LatencyTargetMs   = 500.0
	LatencyPenaltyMax = 40.0
)

// Ranked is a verification record with its score attached.
type Ranked struct {
	models.VerificationRecord
	Score float64 `json:"score"`
}

// Score returns the quality score of rec. Unhealthy records score 0.
func Score(rec models.VerificationRecord) float64 {
	if !rec.OK {
		return 0
	}
	score := BaseOKScore + modelBonus(rec.Models) - latencyPenalty(rec.LatencyMs)
	return math.Max(0, math.Min(score, MaxScore))
}

// Rank scores every record and orders them best first. The sort is stable:
// records with equal scores keep their relative input order.
func Rank(records []models.VerificationRecord) []Ranked {
	out := make([]Ranked, len(records))
	for i, rec := range records {
		out[i] = Ranked{VerificationRecord: rec, Score: Score(rec)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func modelBonus(names []string) float64 {
	count := 0
	for _, n := range names {
		if n != "" {
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Min(ModelBonusWeight*math.Log10(1+float64(count)), ModelBonusCap)
}

func latencyPenalty(latencyMs *int64) float64 {
	if latencyMs == nil || *latencyMs <= 0 {
		return 0
	}
	penalty := (float64(*latencyMs)/LatencyTargetMs - 1) * (LatencyPenaltyMax / 2)
	return math.Max(0, math.Min(penalty, LatencyPenaltyMax))
}

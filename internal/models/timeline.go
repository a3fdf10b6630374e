package models

import "time"

// TimelinePoint represents one bucket of probe history for an endpoint.
type TimelinePoint struct {
	State   string           `json:"state"`
	Label   string           `json:"label"`
	Start   time.Time        `json:"start"`
	End     time.Time        `json:"end"`
	Details []TimelineDetail `json:"details,omitempty"`
}

// TimelineDetail carries extra information for failing buckets.
type TimelineDetail struct {
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// EndpointTimeline aggregates timeline points for a single endpoint.
type EndpointTimeline struct {
	IP       string          `json:"ip"`
	Timeline []TimelinePoint `json:"timeline"`
}

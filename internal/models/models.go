package models

import (
	"time"
)

// Endpoint is a discovered candidate host.
type Endpoint struct {
	IP           string    `json:"ip"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Geo carries the location fields attached to a verification.
type Geo struct {
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	City    *string  `json:"city,omitempty"`
	Region  *string  `json:"region,omitempty"`
	Country *string  `json:"country,omitempty"`
}

// VerificationRecord is the current health assessment of one endpoint.
type VerificationRecord struct {
	IP        string    `json:"ip"`
	OK        bool      `json:"ok"`
	Models    []string  `json:"models"`
	LatencyMs *int64    `json:"latency_ms"`
	Error     *string   `json:"error"`
	Lat       *float64  `json:"lat,omitempty"`
	Lon       *float64  `json:"lon,omitempty"`
	City      *string   `json:"city,omitempty"`
	Region    *string   `json:"region,omitempty"`
	Country   *string   `json:"country,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProbeRecord is one historical liveness ping.
type ProbeRecord struct {
	ID         int64     `json:"id"`
	IP         string    `json:"ip"`
	Model      *string   `json:"model"`
	Success    bool      `json:"success"`
	LatencyMs  *int64    `json:"latency_ms"`
	StatusCode *int      `json:"status_code"`
	Error      *string   `json:"error"`
	Body       *string   `json:"body"`
	TS         time.Time `json:"timestamp"`
}

// Run summarises one orchestrated batch.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Discovered int        `json:"discovered"`
	Verified   int        `json:"verified"`
	Probed     int        `json:"probed"`
	Healthy    int        `json:"healthy"`
	Total      int        `json:"total"`
	Error      *string    `json:"error,omitempty"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}

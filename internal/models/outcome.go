package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies why a verification or probe did not succeed.
type FailureKind string

const (
	FailTransport        FailureKind = "transport_error"
	FailHTTPStatus       FailureKind = "http_status_error"
	FailInvalidJSON      FailureKind = "invalid_json"
	FailNoProbeModel     FailureKind = "no_probe_model"
	FailGibberish        FailureKind = "inference_gibberish"
	FailUnexpectedOutput FailureKind = "unexpected_output"
	FailNoModels         FailureKind = "no_models_available"
	FailTaskPanic        FailureKind = "task_panic"
)

// Failure is the failed branch of an outcome.
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Detail     string      `json:"detail,omitempty"`
	StatusCode int         `json:"status_code,omitempty"`
}

// Message renders the failure the way it is persisted in the error column.
func (f *Failure) Message() string {
	if f == nil {
		return ""
	}
	switch f.Kind {
	case FailTransport, FailTaskPanic:
		return f.Detail
	case FailHTTPStatus:
		return fmt.Sprintf("status %d", f.StatusCode)
	case FailInvalidJSON:
		return "invalid_json: " + f.Detail
	case FailNoModels:
		return "no models available"
	default:
		return string(f.Kind)
	}
}

func (f *Failure) Error() string { return f.Message() }

// TransportFailure wraps a connect/timeout/DNS error.
func TransportFailure(err error) *Failure {
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "request timed out"
	}
	return &Failure{Kind: FailTransport, Detail: msg}
}

// StatusFailure records a non-200 answer.
func StatusFailure(code int) *Failure {
	return &Failure{Kind: FailHTTPStatus, StatusCode: code}
}

// PanicFailure converts a recovered panic value into a failure.
func PanicFailure(v any) *Failure {
	return &Failure{Kind: FailTaskPanic, Detail: fmt.Sprint(v)}
}

// VerificationOutcome is the result of verifying one candidate.
// A nil Failure means the endpoint is healthy.
type VerificationOutcome struct {
	IP        string
	Models    []string
	LatencyMs *int64
	Geo       *Geo
	Failure   *Failure
	CheckedAt time.Time
}

// OK reports whether the verification succeeded.
func (o VerificationOutcome) OK() bool { return o.Failure == nil }

// Record converts the outcome into its persisted form.
func (o VerificationOutcome) Record() VerificationRecord {
	rec := VerificationRecord{
		IP:        o.IP,
		OK:        o.OK(),
		Models:    o.Models,
		LatencyMs: o.LatencyMs,
		CheckedAt: o.CheckedAt,
	}
	if rec.Models == nil {
		rec.Models = []string{}
	}
	if o.Failure != nil {
		rec.Error = StringPtr(o.Failure.Message())
	}
	if o.Geo != nil {
		rec.Lat = o.Geo.Lat
		rec.Lon = o.Geo.Lon
		rec.City = o.Geo.City
		rec.Region = o.Geo.Region
		rec.Country = o.Geo.Country
	}
	return rec
}

// ProbeOutcome is the result of pinging one (host, model) pair.
type ProbeOutcome struct {
	IP         string
	Model      string
	LatencyMs  *int64
	StatusCode *int
	Body       *string
	Failure    *Failure
	TS         time.Time
}

// Success reports whether the host answered the ping correctly.
func (o ProbeOutcome) Success() bool { return o.Failure == nil }

// Record converts the outcome into its persisted form.
func (o ProbeOutcome) Record() ProbeRecord {
	rec := ProbeRecord{
		IP:         o.IP,
		Model:      StringPtr(o.Model),
		Success:    o.Success(),
		LatencyMs:  o.LatencyMs,
		StatusCode: o.StatusCode,
		Body:       o.Body,
		TS:         o.TS,
	}
	if o.Failure != nil {
		rec.Error = StringPtr(o.Failure.Message())
	}
	return rec
}

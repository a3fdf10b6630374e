// Package probe sends a cheap deterministic ping to one model on a host.
package probe

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"darn/internal/hostapi"
	"darn/internal/models"
)

const (
	DefaultTimeout = 3 * time.Second
	Prompt         = "Reply with exactly the word 'ping'."
	maxTokens      = 5
)

// Preference lists full model names tried first, in priority order.
var Preference = []string{"llama3", "phi", "mistral", "qwen"}

// Options tunes a Prober.
type Options struct {
	Port    int
	Timeout time.Duration
	Logger  *zap.Logger
}

// Prober pings hosts. It is safe for concurrent use.
type Prober struct {
	client  *http.Client
	port    int
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a Prober using client for all requests.
func New(client *http.Client, opts Options) *Prober {
	p := &Prober{
		client:  client,
		port:    opts.Port,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if p.client == nil {
		p.client = hostapi.NewClient(0)
	}
	if p.port <= 0 {
		p.port = hostapi.DefaultPort
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Probe pings one model on ip, chosen from availableModels.
func (p *Prober) Probe(ctx context.Context, ip string, availableModels []string) models.ProbeOutcome {
	model, ok := SelectModel(availableModels)
	if !ok {
		return models.ProbeOutcome{
			IP:      ip,
			Failure: &models.Failure{Kind: models.FailNoModels},
			TS:      p.now(),
		}
	}

	out := models.ProbeOutcome{IP: ip, Model: model}
	url := hostapi.BuildURL(ip, p.port, hostapi.GeneratePath)
	req := hostapi.GenerateRequest{
		Model:  model,
		Prompt: Prompt,
		Stream: false,
		Options: hostapi.GenerateOptions{
			Temperature: 0,
			NumPredict:  maxTokens,
		},
	}

	reply, err := hostapi.Do(ctx, p.client, http.MethodPost, url, req, p.timeout)
	out.TS = p.now()
	if err != nil {
		out.Failure = models.TransportFailure(err)
		p.logger.Debug("probe failed", zap.String("ip", ip), zap.String("model", model), zap.Error(err))
		return out
	}

	text := hostapi.ExtractText(reply.Body)
	status := reply.StatusCode
	out.LatencyMs = models.Int64Ptr(reply.Latency.Milliseconds())
	out.StatusCode = &status
	out.Body = &text

	switch {
	case status != http.StatusOK:
		out.Failure = models.StatusFailure(status)
	case !IsPing(text):
		out.Failure = &models.Failure{Kind: models.FailUnexpectedOutput}
	}
	return out
}

// SelectModel chooses the probe model: an exact, case-insensitive match from
// Preference, else the shortest name with ties broken lexicographically.
func SelectModel(available []string) (string, bool) {
	normalized := make([]string, 0, len(available))
	byLower := make(map[string]string, len(available))
	for _, m := range available {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		normalized = append(normalized, m)
		if _, seen := byLower[strings.ToLower(m)]; !seen {
			byLower[strings.ToLower(m)] = m
		}
	}
	if len(normalized) == 0 {
		return "", false
	}
	for _, preferred := range Preference {
		if m, ok := byLower[preferred]; ok {
			return m, true
		}
	}
	sort.Slice(normalized, func(i, j int) bool {
		if len(normalized[i]) != len(normalized[j]) {
			return len(normalized[i]) < len(normalized[j])
		}
		return normalized[i] < normalized[j]
	})
	return normalized[0], true
}

// IsPing reports whether text reads "ping" once non-letters are dropped and
// case is folded.
func IsPing(text string) bool {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String() == "ping"
}

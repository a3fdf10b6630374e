// Package verify performs the two-stage health check against a candidate
// inference host: a metadata fetch followed by an inference sanity call.
package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"darn/internal/hostapi"
	"darn/internal/models"
)

const (
	DefaultMetadataTimeout  = 1500 * time.Millisecond
	DefaultInferenceTimeout = 40 * time.Second
	SanityPrompt            = "Say hello"
)

// PreferredPrefixes lists short, fast model families tried first for the
// inference sanity call.
var PreferredPrefixes = []string{
	"tinyllama",
	"smollm",
	"qwen2.5:0.5b",
	"qwen",
	"phi",
	"gemma",
	"llama3.2",
	"llama3",
	"mistral",
}

// GeoLocator resolves a host to a location. Lookup returns nil when the host
// cannot be located.
type GeoLocator interface {
	Lookup(host string) *models.Geo
}

// Options tunes a Verifier.
type Options struct {
	Port             int
	MetadataTimeout  time.Duration
	InferenceTimeout time.Duration
	Geo              GeoLocator
	Logger           *zap.Logger
}

// Verifier checks candidate hosts. It holds no per-host state and is safe
// for concurrent use.
type Verifier struct {
	client           *http.Client
	port             int
	metadataTimeout  time.Duration
	inferenceTimeout time.Duration
	geo              GeoLocator
	logger           *zap.Logger
}

// New creates a Verifier using client for all requests.
func New(client *http.Client, opts Options) *Verifier {
	v := &Verifier{
		client:           client,
		port:             opts.Port,
		metadataTimeout:  opts.MetadataTimeout,
		inferenceTimeout: opts.InferenceTimeout,
		geo:              opts.Geo,
		logger:           opts.Logger,
	}
	if v.client == nil {
		v.client = hostapi.NewClient(0)
	}
	if v.port <= 0 {
		v.port = hostapi.DefaultPort
	}
	if v.metadataTimeout <= 0 {
		v.metadataTimeout = DefaultMetadataTimeout
	}
	if v.inferenceTimeout <= 0 {
		v.inferenceTimeout = DefaultInferenceTimeout
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	return v
}

// Verify runs the health check against ip and classifies the result.
func (v *Verifier) Verify(ctx context.Context, ip string) (out models.VerificationOutcome) {
	out = models.VerificationOutcome{IP: ip, Models: []string{}}
	defer func() { out.CheckedAt = time.Now().UTC() }()

	url := hostapi.BuildURL(ip, v.port, hostapi.TagsPath)
	reply, err := hostapi.Do(ctx, v.client, http.MethodGet, url, nil, v.metadataTimeout)
	if err != nil {
		out.Failure = models.TransportFailure(err)
		v.logger.Debug("metadata fetch failed", zap.String("ip", ip), zap.Error(err))
		return out
	}
	out.LatencyMs = models.Int64Ptr(reply.Latency.Milliseconds())

	if reply.StatusCode != http.StatusOK {
		out.Failure = models.StatusFailure(reply.StatusCode)
		return out
	}

	names, err := hostapi.ParseModelNames(reply.Body)
	if err != nil {
		out.Failure = &models.Failure{Kind: models.FailInvalidJSON, Detail: err.Error()}
		return out
	}
	out.Models = names

	if len(names) > 0 {
		model, ok := SelectModel(names)
		if !ok {
			out.Failure = &models.Failure{Kind: models.FailNoProbeModel}
			return out
		}
		if failure := v.sanityCheck(ctx, ip, model); failure != nil {
			out.Failure = failure
			return out
		}
	}

	if v.geo != nil {
		out.Geo = v.geo.Lookup(hostapi.Hostname(ip))
	}
	v.logger.Debug("endpoint verified",
		zap.String("ip", ip),
		zap.Int("models", len(out.Models)),
		zap.Int64("latency_ms", *out.LatencyMs))
	return out
}

// sanityCheck runs the inference call. Any answer that is not a readable
// reply is gibberish; a caller cancellation is reported as a transport
// failure since the host did nothing wrong.
func (v *Verifier) sanityCheck(ctx context.Context, ip, model string) *models.Failure {
	gibberish := &models.Failure{Kind: models.FailGibberish, Detail: model}
	url := hostapi.BuildURL(ip, v.port, hostapi.ChatPath)
	req := hostapi.ChatRequest{
		Model:    model,
		Messages: []hostapi.ChatMessage{{Role: "user", Content: SanityPrompt}},
		Stream:   false,
	}
	reply, err := hostapi.Do(ctx, v.client, http.MethodPost, url, req, v.inferenceTimeout)
	if err != nil {
		v.logger.Debug("inference call failed", zap.String("ip", ip), zap.String("model", model), zap.Error(err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.TransportFailure(ctxErr)
		}
		return gibberish
	}
	if reply.StatusCode != http.StatusOK {
		return gibberish
	}
	var chat hostapi.ChatResponse
	if err := json.Unmarshal(reply.Body, &chat); err != nil {
		return gibberish
	}
	if !LooksLikeLanguage(chat.Message.Content) {
		return gibberish
	}
	return nil
}

// SelectModel picks the model used for the inference sanity call: the first
// preferred prefix that matches a returned name wins, otherwise the first
// non-blank name.
func SelectModel(names []string) (string, bool) {
	for _, prefix := range PreferredPrefixes {
		for _, name := range names {
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(name)), prefix) {
				return name, true
			}
		}
	}
	for _, name := range names {
		if strings.TrimSpace(name) != "" {
			return name, true
		}
	}
	return "", false
}

// LooksLikeLanguage reports whether text resembles a natural-language reply:
// between 3 and 200 characters with more than half of its tokens containing
// a letter.
func LooksLikeLanguage(text string) bool {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < 3 || n > 200 {
		return false
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return false
	}
	wordy := 0
	for _, tok := range tokens {
		if strings.IndexFunc(tok, unicode.IsLetter) >= 0 {
			wordy++
		}
	}
	return wordy*2 > len(tokens)
}

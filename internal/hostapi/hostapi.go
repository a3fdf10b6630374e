// Package hostapi holds the wire shapes and URL rules for talking to an
// Ollama-compatible inference host.
package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort  = 11434
	TagsPath     = "/api/tags"
	ChatPath     = "/api/chat"
	GeneratePath = "/api/generate"
)

// BuildURL returns the URL for path on host. A host that already carries a
// scheme is used verbatim, a host with exactly one colon is taken as
// host:port, anything else gets the default port appended.
func BuildURL(host string, port int, path string) string {
	host = strings.TrimSpace(host)
	if port <= 0 {
		port = DefaultPort
	}
	var base string
	switch {
	case strings.HasPrefix(host, "http://"), strings.HasPrefix(host, "https://"):
		base = strings.TrimRight(host, "/")
	case strings.Count(host, ":") == 1:
		base = "http://" + host
	case strings.HasPrefix(host, "[") && strings.Contains(host, "]:"):
		base = "http://" + host
	default:
		base = "http://" + net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port))
	}
	return base + path
}

// Hostname strips scheme and port from a candidate string, leaving the bare
// host used for geolocation.
func Hostname(candidate string) string {
	host := strings.TrimSpace(candidate)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

// NewClient returns an HTTP client tuned for large fan-outs against
// untrusted hosts. Per-call deadlines come from the request context.
func NewClient(maxConns int) *http.Client {
	if maxConns <= 0 {
		maxConns = 50
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxConns,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// ParseModelNames extracts model names from a /api/tags body. Entries that
// are not objects or lack a string name are dropped. It fails only when the
// body is not JSON at all.
func ParseModelNames(body []byte) ([]string, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, err
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return []string{}, nil
	}
	raw, ok := obj["models"].([]any)
	if !ok {
		return []string{}, nil
	}
	names := make([]string, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := entry["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// ChatMessage is one message of a chat request or reply.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the /api/chat request body.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ChatResponse is the subset of the /api/chat reply we read.
type ChatResponse struct {
	Message ChatMessage `json:"message"`
}

// GenerateOptions are the sampling options of a generate call.
type GenerateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// GenerateRequest is the /api/generate request body.
type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options GenerateOptions `json:"options"`
}

// ExtractText pulls reply text out of a generate or chat body: the
// "response" field first, then "message.content", then the raw body.
func ExtractText(body []byte) string {
	text := string(body)
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return text
	}
	if resp, ok := payload["response"].(string); ok && resp != "" {
		return resp
	}
	if msg, ok := payload["message"].(map[string]any); ok {
		if content, ok := msg["content"].(string); ok && content != "" {
			return content
		}
	}
	return text
}

// maxBodyBytes caps how much of an untrusted reply is read.
const maxBodyBytes = 1 << 20

// Reply is a completed exchange with a host.
type Reply struct {
	StatusCode int
	Body       []byte
	Latency    time.Duration
}

// Do sends one request to url, JSON-encoding payload when it is non-nil,
// and reads the reply body under the given timeout. Any error returned is a
// transport failure; HTTP status codes are reported in Reply.
func Do(ctx context.Context, client *http.Client, method, url string, payload any, timeout time.Duration) (Reply, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Reply{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Reply{}, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		StatusCode: resp.StatusCode,
		Body:       data,
		Latency:    time.Since(start),
	}, nil
}

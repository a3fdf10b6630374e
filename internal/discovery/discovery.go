// Package discovery finds candidate inference hosts through the Shodan
// search API.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultQuery   = "ollama is running"
	DefaultLimit   = 500
	DefaultBaseURL = "https://api.shodan.io"
	pageSize       = 100
)

// ErrDiscovery wraps every failure to complete a search.
var ErrDiscovery = errors.New("discovery failed")

// Provider returns candidate hosts for a query.
type Provider interface {
	Discover(ctx context.Context, query string, limit int) ([]string, error)
}

// ShodanClient queries /shodan/host/search page by page.
type ShodanClient struct {
	APIKey     string
	BaseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewShodanClient creates a client. An empty baseURL means the public API.
func NewShodanClient(apiKey, baseURL string, logger *zap.Logger) *ShodanClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShodanClient{
		APIKey:     strings.TrimSpace(apiKey),
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type searchResponse struct {
	Total   int               `json:"total"`
	Matches []json.RawMessage `json:"matches"`
}

type match struct {
	IPStr string `json:"ip_str"`
}

// Discover returns up to limit distinct IPs in result order. A non-positive
// limit returns an empty list without calling the API.
func (c *ShodanClient) Discover(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	if c == nil || c.APIKey == "" {
		return nil, fmt.Errorf("%w: missing Shodan API key, set SHODAN_API_KEY or discovery.api_key", ErrDiscovery)
	}
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}

	seen := make(map[string]struct{})
	out := make([]string, 0, min(limit, pageSize))
	for page := 1; len(out) < limit; page++ {
		resp, err := c.search(ctx, query, page)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Matches {
			var m match
			if err := json.Unmarshal(raw, &m); err != nil || m.IPStr == "" {
				continue
			}
			if _, dup := seen[m.IPStr]; dup {
				continue
			}
			seen[m.IPStr] = struct{}{}
			out = append(out, m.IPStr)
			if len(out) >= limit {
				break
			}
		}
		if len(resp.Matches) < pageSize || page*pageSize >= resp.Total {
			break
		}
	}
	c.logger.Info("discovery complete", zap.String("query", query), zap.Int("candidates", len(out)))
	return out, nil
}

func (c *ShodanClient) search(ctx context.Context, query string, page int) (searchResponse, error) {
	params := url.Values{}
	params.Set("key", c.APIKey)
	params.Set("query", query)
	params.Set("page", strconv.Itoa(page))
	u := c.BaseURL + "/shodan/host/search?" + params.Encode()

	var out searchResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: Shodan query failed: %v", ErrDiscovery, redact(err, c.APIKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return out, fmt.Errorf("%w: Shodan query failed: %s: %s", ErrDiscovery, resp.Status, msg)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("%w: decode Shodan response: %v", ErrDiscovery, err)
	}
	return out, nil
}

// redact keeps the API key out of transport error messages, which embed
// the request URL.
func redact(err error, key string) string {
	msg := err.Error()
	if key == "" {
		return msg
	}
	return strings.ReplaceAll(msg, key, "***")
}

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"darn/internal/hostapi"
)

const (
	relayTemperature = 0.7
	relayMaxTokens   = 256
	relayTimeout     = 15 * time.Second
	maxRelayTimeout  = 120 * time.Second
)

type relayRequest struct {
	IP          string   `json:"ip"`
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Timeout     *float64 `json:"timeout"`
}

// handleRelay forwards a prompt to a host's generate endpoint. Parameters
// come from a JSON body or, failing that, the query string.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRelay(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	if req.IP == "" || req.Model == "" || req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "ip, model, and prompt are required"})
		return
	}

	payload := hostapi.GenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: false,
		Options: hostapi.GenerateOptions{
			Temperature: relayTemperature,
			NumPredict:  relayMaxTokens,
		},
	}
	if req.Temperature != nil {
		payload.Options.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		payload.Options.NumPredict = *req.MaxTokens
	}
	timeout := relayTimeout
	if req.Timeout != nil && *req.Timeout > 0 {
		timeout = min(time.Duration(*req.Timeout*float64(time.Second)), maxRelayTimeout)
	}

	url := hostapi.BuildURL(req.IP, s.port, hostapi.GeneratePath)
	reply, err := hostapi.Do(r.Context(), s.client, http.MethodPost, url, payload, timeout)
	if err != nil {
		s.logger.Warn("relay upstream error", zap.String("upstream", url), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"detail": fmt.Sprintf("Upstream error: %v", err)})
		return
	}
	if reply.StatusCode != http.StatusOK {
		writeJSON(w, reply.StatusCode, map[string]string{"detail": string(reply.Body)})
		return
	}

	var data any = map[string]string{"text": string(reply.Body)}
	if json.Valid(reply.Body) {
		data = json.RawMessage(reply.Body)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upstream": url,
		"model":    req.Model,
		"ip":       req.IP,
		"data":     data,
	})
}

func decodeRelay(r *http.Request) (relayRequest, error) {
	var req relayRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			return req, fmt.Errorf("invalid request body: %w", err)
		}
	}

	q := r.URL.Query()
	if req.IP == "" {
		req.IP = q.Get("ip")
	}
	if req.Model == "" {
		req.Model = q.Get("model")
	}
	if req.Prompt == "" {
		req.Prompt = q.Get("prompt")
	}
	var err error
	if req.Temperature == nil {
		if req.Temperature, err = queryFloat(q.Get("temperature")); err != nil {
			return req, fmt.Errorf("invalid temperature: %w", err)
		}
	}
	if req.Timeout == nil {
		if req.Timeout, err = queryFloat(q.Get("timeout")); err != nil {
			return req, fmt.Errorf("invalid timeout: %w", err)
		}
	}
	if req.MaxTokens == nil && q.Get("max_tokens") != "" {
		n, err := strconv.Atoi(q.Get("max_tokens"))
		if err != nil {
			return req, fmt.Errorf("invalid max_tokens: %w", err)
		}
		req.MaxTokens = &n
	}
	req.IP = strings.TrimSpace(req.IP)
	req.Model = strings.TrimSpace(req.Model)
	return req, nil
}

func queryFloat(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

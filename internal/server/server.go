package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"darn/internal/events"
	"darn/internal/history"
	"darn/internal/hostapi"
	"darn/internal/metrics"
	"darn/internal/models"
	"darn/internal/monitor"
	"darn/internal/pipeline"
	"darn/internal/scoring"
	"darn/internal/storage"
)

const (
	defaultProbeLimit = 100
	maxProbeLimit     = 1000
	ipProbeLimit      = 100
	defaultRunLimit   = 20
)

// Store is the read side of persistence used by the API.
type Store interface {
	FetchVerifications(ctx context.Context) ([]models.VerificationRecord, error)
	FetchVerification(ctx context.Context, ip string) (models.VerificationRecord, error)
	ListEndpoints(ctx context.Context) ([]string, error)
	FetchProbes(ctx context.Context, limit int) ([]models.ProbeRecord, error)
	FetchProbesForIP(ctx context.Context, ip string, limit int) ([]models.ProbeRecord, error)
	FetchProbesSince(ctx context.Context, since time.Time) ([]models.ProbeRecord, error)
	ListRuns(ctx context.Context, limit int) ([]models.Run, error)
}

// Refresher runs a full reset and rediscovery.
type Refresher interface {
	Refresh(ctx context.Context) (*pipeline.Report, error)
}

// Options configures a Server.
type Options struct {
	Addr         string
	CORSOrigins  []string
	Hub          *events.Hub
	Connectivity monitor.ConnectivitySource
	Client       *http.Client
	Port         int
	Logger       *zap.Logger
}

// Server wraps HTTP serving of the JSON API and websocket push.
type Server struct {
	httpServer   *http.Server
	store        Store
	refresher    Refresher
	hub          *events.Hub
	connectivity monitor.ConnectivitySource
	client       *http.Client
	port         int
	corsOrigins  []string
	origins      map[string]bool
	logger       *zap.Logger
}

// New creates a configured HTTP server. refresher may be nil, in which case
// POST /refresh answers 503.
func New(store Store, refresher Refresher, opts Options) *Server {
	s := &Server{
		store:        store,
		refresher:    refresher,
		hub:          opts.Hub,
		connectivity: opts.Connectivity,
		client:       opts.Client,
		port:         opts.Port,
		origins:      make(map[string]bool, len(opts.CORSOrigins)),
		logger:       opts.Logger,
	}
	for _, o := range opts.CORSOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		s.corsOrigins = append(s.corsOrigins, o)
		s.origins[o] = true
	}
	if s.client == nil {
		s.client = hostapi.NewClient(0)
	}
	if s.port <= 0 {
		s.port = hostapi.DefaultPort
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}))
	}

	r.Get("/", s.handleRoot)
	r.Get("/verifications", s.handleVerifications)
	r.Get("/endpoints", s.handleEndpoints)
	r.Get("/ip/{ip}", s.handleIP)
	r.Get("/chat/choices", s.handleChoices)
	r.Post("/chat/relay", s.handleRelay)
	r.Post("/refresh", s.handleRefresh)
	r.Get("/probes", s.handleProbes)
	r.Get("/uptime", s.handleUptime)
	r.Get("/timeline", s.handleTimeline)
	r.Get("/runs", s.handleRuns)
	r.Get("/overview", s.handleOverview)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "DARN API", "version": "0.1.0"})
}

func (s *Server) handleVerifications(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.FetchVerifications(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(records))
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	ips, err := s.store.ListEndpoints(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ips == nil {
		ips = []string{}
	}
	writeJSON(w, http.StatusOK, listResponse(ips))
}

func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	verification, err := s.store.FetchVerification(r.Context(), ip)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "IP " + ip + " not found"})
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	probes, err := s.store.FetchProbesForIP(r.Context(), ip, ipProbeLimit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verification": verification,
		"probes":       probes,
	})
}

func (s *Server) handleChoices(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.FetchVerifications(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	ranked := scoring.Rank(records)
	choices := make([]scoring.Ranked, 0, len(ranked))
	for _, item := range ranked {
		if len(item.Models) > 0 {
			choices = append(choices, item)
		}
	}
	writeJSON(w, http.StatusOK, listResponse(choices))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "refresh is not available"})
		return
	}
	// The batch outlives the request.
	rep, err := s.refresher.Refresh(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"detail": err.Error()})
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rep.Total == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"message": "No candidates found", "count": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Refresh complete",
		"run_id":     rep.RunID,
		"discovered": rep.Discovered,
		"verified":   rep.Verified,
		"probed":     rep.Probed,
		"healthy":    rep.Healthy,
		"total":      rep.Total,
	})
}

func (s *Server) handleProbes(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultProbeLimit, maxProbeLimit)
	probes, err := s.store.FetchProbes(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(probes))
}

func (s *Server) handleUptime(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-parseHours(r, 24))
	probes, err := s.store.FetchProbesSince(r.Context(), since)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	summary := metrics.ComputeProbeUptime(probes)
	if summary == nil {
		summary = []metrics.EndpointUptime{}
	}
	writeJSON(w, http.StatusOK, listResponse(summary))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	end := time.Now().UTC()
	start := end.Add(-parseHours(r, 24))
	probes, err := s.store.FetchProbesSince(r.Context(), start)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	ips, err := s.store.ListEndpoints(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	points := parseIntParam(r, "points", history.DefaultTimelinePoints, 500)
	timelines := history.BuildEndpointTimelines(probes, ips, start, end, points)
	if timelines == nil {
		timelines = []models.EndpointTimeline{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range_start": start,
		"range_end":   end,
		"items":       timelines,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), parseLimit(r, defaultRunLimit, maxProbeLimit))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(runs))
}

func listResponse[T any](items []T) map[string]any {
	return map[string]any{"count": len(items), "items": items}
}

func parseLimit(r *http.Request, fallback, ceiling int) int {
	return parseIntParam(r, "limit", fallback, ceiling)
}

// parseIntParam reads a positive integer query parameter capped at ceiling.
func parseIntParam(r *http.Request, key string, fallback, ceiling int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	if value > ceiling {
		return ceiling
	}
	return value
}

func parseHours(r *http.Request, fallback int) time.Duration {
	return time.Duration(parseIntParam(r, "hours", fallback, 24*30)) * time.Hour
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

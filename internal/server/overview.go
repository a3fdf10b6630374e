package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"darn/internal/events"
	"darn/internal/history"
	"darn/internal/models"
)

const (
	overviewBucketMinutes  = 10
	overviewBucketCount    = 3
	overviewBucketSeconds  = overviewBucketMinutes * 60
	overviewPushInterval   = 60 * time.Second
	overviewWriteTimeout   = 5 * time.Second
	overviewStateUnknown   = "unknown"
	overviewStateOK        = "ok"
	overviewStateIssue     = "issue"
	overviewConnectivityID = "connectivity"
)

type overviewSnapshot struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	RangeStart    time.Time      `json:"range_start"`
	RangeEnd      time.Time      `json:"range_end"`
	BucketSeconds int            `json:"bucket_seconds"`
	Items         []overviewItem `json:"items"`
}

type overviewItem struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Kind    string           `json:"kind"`
	Buckets []overviewBucket `json:"buckets"`
}

type overviewBucket struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// wsMessage is one websocket frame: either an overview snapshot or a batch
// progress event.
type wsMessage struct {
	Kind     string            `json:"kind"`
	Overview *overviewSnapshot `json:"overview,omitempty"`
	Event    *events.Event     `json:"event,omitempty"`
}

type timeBucket struct {
	Start time.Time
	End   time.Time
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || s.origins[origin] {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			host := strings.ToLower(strings.TrimSpace(r.Host))
			return host == strings.ToLower(strings.TrimSpace(u.Host))
		},
	}
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.buildOverviewSnapshot(r.Context(), parseOverviewLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	limit := parseOverviewLimit(r)
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveConnection(conn, limit)
}

func (s *Server) serveConnection(conn *websocket.Conn, limit int) {
	defer conn.Close()

	var feed <-chan events.Event
	if s.hub != nil {
		ch, unsubscribe := s.hub.Subscribe()
		defer unsubscribe()
		feed = ch
	}

	if err := s.pushOverview(conn, limit); err != nil {
		return
	}

	ticker := time.NewTicker(overviewPushInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			if err := s.pushOverview(conn, limit); err != nil {
				return
			}
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := writeMessage(conn, wsMessage{Kind: "event", Event: &e}); err != nil {
				return
			}
			if e.Type == events.RunFinished || (e.Type == events.ProbeDone && e.Done == e.Total) {
				if err := s.pushOverview(conn, limit); err != nil {
					return
				}
			}
		case <-done:
			return
		}
	}
}

func (s *Server) pushOverview(conn *websocket.Conn, limit int) error {
	ctx, cancel := context.WithTimeout(context.Background(), overviewWriteTimeout)
	defer cancel()
	snapshot, err := s.buildOverviewSnapshot(ctx, limit)
	if err != nil {
		s.logger.Warn("build overview", zap.Error(err))
		return nil
	}
	return writeMessage(conn, wsMessage{Kind: "overview", Overview: &snapshot})
}

func writeMessage(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(overviewWriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *Server) buildOverviewSnapshot(ctx context.Context, limit int) (overviewSnapshot, error) {
	now := time.Now().UTC()
	bucketDuration := time.Duration(overviewBucketMinutes) * time.Minute
	rangeStart := now.Add(-bucketDuration * overviewBucketCount)
	buckets := buildTimeBuckets(rangeStart, bucketDuration, overviewBucketCount)

	items := make([]overviewItem, 0, limit+1)
	if s.connectivity != nil {
		items = append(items, overviewItem{
			ID:      overviewConnectivityID,
			Name:    "Connectivity",
			Kind:    "connectivity",
			Buckets: buildConnectivityBuckets(buckets, s.connectivity.HistorySince(rangeStart)),
		})
	}

	endpointItems, err := s.overviewEndpointItems(ctx, limit, buckets, rangeStart, now)
	if err != nil {
		return overviewSnapshot{}, err
	}
	items = append(items, endpointItems...)

	return overviewSnapshot{
		GeneratedAt:   now,
		RangeStart:    rangeStart,
		RangeEnd:      now,
		BucketSeconds: overviewBucketSeconds,
		Items:         items,
	}, nil
}

// overviewEndpointItems lists endpoints probed within the window, the ones
// with issues first.
func (s *Server) overviewEndpointItems(ctx context.Context, limit int, buckets []timeBucket, start, end time.Time) ([]overviewItem, error) {
	probes, err := s.store.FetchProbesSince(ctx, start)
	if err != nil {
		return nil, err
	}
	timelines := history.BuildEndpointTimelines(probes, nil, start, end, overviewBucketCount)

	var issues, healthy []overviewItem
	for _, tl := range timelines {
		item := overviewItem{
			ID:      tl.IP,
			Name:    tl.IP,
			Kind:    "endpoint",
			Buckets: mapTimelineToBuckets(tl.Timeline, buckets),
		}
		if hasIssue(item.Buckets) {
			issues = append(issues, item)
		} else {
			healthy = append(healthy, item)
		}
	}
	items := append(issues, healthy...)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func hasIssue(buckets []overviewBucket) bool {
	for _, b := range buckets {
		if b.State == overviewStateIssue {
			return true
		}
	}
	return false
}

func mapTimelineToBuckets(points []models.TimelinePoint, buckets []timeBucket) []overviewBucket {
	result := newOverviewBuckets(buckets)
	for i, bucket := range buckets {
		state := overviewStateUnknown
		detail := ""
		for _, point := range points {
			if !bucketOverlaps(bucket, point.Start, point.End) {
				continue
			}
			pointState := timelineState(point.State)
			if pointState == overviewStateIssue {
				state = overviewStateIssue
				detail = timelineDetail(point)
				break
			}
			if pointState == overviewStateOK && state != overviewStateOK {
				state = overviewStateOK
				detail = timelineDetail(point)
			}
		}
		result[i].State = state
		result[i].Detail = detail
	}
	return result
}

func bucketOverlaps(bucket timeBucket, start, end time.Time) bool {
	if start.IsZero() && end.IsZero() {
		return false
	}
	if end.Before(start) {
		end = start
	}
	return end.After(bucket.Start) && start.Before(bucket.End)
}

func timelineState(state string) string {
	switch state {
	case history.StateSuccess:
		return overviewStateOK
	case history.StateError, history.StateWarning:
		return overviewStateIssue
	default:
		return overviewStateUnknown
	}
}

func timelineDetail(point models.TimelinePoint) string {
	if len(point.Details) > 0 {
		d := point.Details[0]
		if msg := strings.TrimSpace(d.Error); msg != "" {
			if d.Model != "" {
				return d.Model + ": " + msg
			}
			return msg
		}
	}
	return strings.TrimSpace(point.Label)
}

func parseOverviewLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0
	}
	return value
}

func buildTimeBuckets(start time.Time, duration time.Duration, count int) []timeBucket {
	result := make([]timeBucket, 0, count)
	current := start
	for i := 0; i < count; i++ {
		end := current.Add(duration)
		result = append(result, timeBucket{Start: current, End: end})
		current = end
	}
	return result
}

func newOverviewBuckets(buckets []timeBucket) []overviewBucket {
	result := make([]overviewBucket, len(buckets))
	for i, bucket := range buckets {
		result[i] = overviewBucket{
			Start: bucket.Start,
			End:   bucket.End,
			State: overviewStateUnknown,
		}
	}
	return result
}

func bucketIndex(ts time.Time, buckets []timeBucket) int {
	if len(buckets) == 0 {
		return -1
	}
	for i, bucket := range buckets {
		if !ts.Before(bucket.Start) && ts.Before(bucket.End) {
			return i
		}
	}
	if ts.Equal(buckets[len(buckets)-1].End) {
		return len(buckets) - 1
	}
	return -1
}

func buildConnectivityBuckets(buckets []timeBucket, samples []models.ConnectivityStatus) []overviewBucket {
	result := newOverviewBuckets(buckets)
	for _, sample := range samples {
		idx := bucketIndex(sample.CheckedAt.UTC(), buckets)
		if idx == -1 {
			continue
		}
		if sample.OK {
			detail := ""
			if sample.LatencyMs > 0 {
				detail = fmt.Sprintf("%d ms", sample.LatencyMs)
			}
			setBucketOK(&result[idx], detail)
			continue
		}
		detail := strings.TrimSpace(sample.Error)
		if detail == "" {
			detail = "offline"
		}
		setBucketIssue(&result[idx], detail)
	}
	return result
}

func setBucketOK(bucket *overviewBucket, detail string) {
	if bucket.State == overviewStateIssue {
		return
	}
	bucket.State = overviewStateOK
	if detail != "" {
		bucket.Detail = detail
	}
}

func setBucketIssue(bucket *overviewBucket, detail string) {
	bucket.State = overviewStateIssue
	if detail != "" {
		bucket.Detail = detail
	}
}

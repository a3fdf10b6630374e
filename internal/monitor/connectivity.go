package monitor

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"darn/internal/models"
)

const (
	DefaultUplinkTarget  = "1.1.1.1"
	defaultUplinkTimeout = 4 * time.Second
)

// CheckUplink dials target over TCP (port 53 when none is given) and
// reports whether the local uplink works.
func CheckUplink(ctx context.Context, target string, timeout time.Duration) models.ConnectivityStatus {
	target = strings.TrimSpace(target)
	if target == "" {
		target = DefaultUplinkTarget
	}
	if timeout <= 0 {
		timeout = defaultUplinkTimeout
	}

	address := target
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), "53")
	}

	dialer := net.Dialer{Timeout: timeout}
	started := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", address)

	status := models.ConnectivityStatus{
		Target:    address,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.OK = true
	status.LatencyMs = int64(time.Since(started) / time.Millisecond)
	_ = conn.Close()
	return status
}

// ConnectivitySource exposes uplink check results.
type ConnectivitySource interface {
	Latest() (models.ConnectivityStatus, bool)
	HistorySince(time.Time) []models.ConnectivityStatus
}

// ConnectivityMonitor periodically checks the uplink and keeps a bounded
// history for the overview.
type ConnectivityMonitor struct {
	target     string
	timeout    time.Duration
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	latest  *models.ConnectivityStatus
	history []models.ConnectivityStatus

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewConnectivityMonitor configures a new connectivity monitor. History
// covers one day of samples.
func NewConnectivityMonitor(target string, timeout, interval time.Duration) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	historyCap := int((24*time.Hour)/interval) + 16
	return &ConnectivityMonitor{
		target:     target,
		timeout:    timeout,
		interval:   interval,
		maxHistory: historyCap,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the monitoring loop.
func (m *ConnectivityMonitor) Start() {
	go m.run()
}

// Stop requests the monitoring loop to terminate.
func (m *ConnectivityMonitor) Stop() {
	select {
	case <-m.doneCh:
		return
	default:
	}
	close(m.stopCh)
	<-m.doneCh
}

// Latest returns the most recent connectivity sample.
func (m *ConnectivityMonitor) Latest() (models.ConnectivityStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest == nil {
		return models.ConnectivityStatus{}, false
	}
	return *m.latest, true
}

// HistorySince returns samples whose timestamp is >= cutoff.
func (m *ConnectivityMonitor) HistorySince(cutoff time.Time) []models.ConnectivityStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.history), func(i int) bool {
		return !m.history[i].CheckedAt.Before(cutoff)
	})
	if idx >= len(m.history) {
		return nil
	}
	out := make([]models.ConnectivityStatus, len(m.history)-idx)
	copy(out, m.history[idx:])
	return out
}

// Record stores a sample taken elsewhere, such as a batch preflight.
func (m *ConnectivityMonitor) Record(status models.ConnectivityStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.history); n > 0 && status.CheckedAt.Before(m.history[n-1].CheckedAt) {
		return
	}
	m.latest = &status
	m.history = append(m.history, status)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// Check runs one uplink check and records it.
func (m *ConnectivityMonitor) Check(ctx context.Context) models.ConnectivityStatus {
	status := CheckUplink(ctx, m.target, m.timeout)
	m.Record(status)
	return status
}

func (m *ConnectivityMonitor) run() {
	defer close(m.doneCh)

	m.Check(context.Background())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

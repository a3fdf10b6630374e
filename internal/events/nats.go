package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes every event as JSON on "<prefix>.<type>".
type NATSPublisher struct {
	Conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("darn"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "darn"
	}
	return &NATSPublisher{Conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event of type t is published on.
func (p *NATSPublisher) Subject(t string) string {
	return p.prefix + "." + t
}

// Publish implements Sink. Failures are logged and dropped.
func (p *NATSPublisher) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("encode event", zap.String("type", e.Type), zap.Error(err))
		return
	}
	if err := p.Conn.Publish(p.Subject(e.Type), data); err != nil {
		p.logger.Warn("publish event", zap.String("subject", p.Subject(e.Type)), zap.Error(err))
	}
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSSink publishes events as JSON messages on "<prefix>.<event>".
type NATSSink struct {
	conn   Publisher
	prefix string
	now    func() time.Time
}

// message is the wire shape of a published event.
type message struct {
	Event       string    `json:"event"`
	PublishedAt time.Time `json:"published_at"`
	Payload     any       `json:"payload"`
}

// NewNATSSink creates a sink publishing through conn.
func NewNATSSink(conn Publisher, prefix string) *NATSSink {
	return &NATSSink{conn: conn, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(event string) string {
	if s.prefix == "" {
		return event
	}
	return s.prefix + "." + event
}

// Publish implements EventSink. When ctx carries a deadline the connection is
// flushed so the server has acknowledged receipt before returning.
func (s *NATSSink) Publish(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(message{Event: event, PublishedAt: s.now(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	if err := s.conn.Publish(s.Subject(event), data); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	if _, ok := ctx.Deadline(); ok {
		if err := s.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flush %s: %w", event, err)
		}
	}
	return nil
}

// ConnectNATS dials the NATS server at url with reconnect logging.
func ConnectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("parapheur"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// ConnectionState reports whether a connection is up. *nats.Conn satisfies it.
type ConnectionState interface {
	IsConnected() bool
}

// ConnHealth is a readiness check over a NATS connection.
type ConnHealth struct {
	conn ConnectionState
}

// NewConnHealth creates a readiness check for conn.
func NewConnHealth(conn ConnectionState) *ConnHealth {
	return &ConnHealth{conn: conn}
}

// HealthCheck fails while the connection is down or reconnecting.
func (h *ConnHealth) HealthCheck(_ context.Context) error {
	if !h.conn.IsConnected() {
		return errors.New("nats connection is not established")
	}
	return nil
}

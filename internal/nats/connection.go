// Package nats manages the NATS/JetStream connection behind the telemetry
// event sink: connecting with reconnect handling, ensuring the event stream
// exists, and exposing a JetStream-backed publisher.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for the NATS connection and the
// JetStream event stream.
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies this client on the server.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for unlimited reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// Token is an optional authentication token.
	Token string

	// Username and Password are optional credentials.
	Username string
	Password string

	// EventStream is the JetStream stream receiving lifecycle events.
	// Environment-specific names are expected (EVENTS_UAT, EVENTS_PROD).
	EventStream string

	// EventSubjectPrefix is the subject prefix events publish under. The
	// stream captures "{prefix}.>".
	EventSubjectPrefix string

	// EventRetention is how long the stream retains events.
	EventRetention time.Duration
}

// DefaultConnectionConfig returns a configuration with sensible defaults.
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:                url,
		Name:               "daedalus-engine",
		MaxReconnects:      10,
		ReconnectWait:      2 * time.Second,
		Timeout:            5 * time.Second,
		EventStream:        "EVENTS",
		EventSubjectPrefix: "daedalus.events",
		EventRetention:     24 * time.Hour,
	}
}

// Connect establishes a NATS connection with the provided configuration.
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// EnsureEventStream creates the JetStream event stream if it does not
// exist, capturing every subject under the configured prefix.
func EnsureEventStream(conn *nats.Conn, config *ConnectionConfig, logger *zap.Logger) (nats.JetStreamContext, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	streamInfo, err := js.StreamInfo(config.EventStream)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return nil, fmt.Errorf("failed to get stream info for '%s': %w", config.EventStream, err)
		}

		logger.Info("Creating JetStream event stream", zap.String("stream", config.EventStream))
		streamConfig := &nats.StreamConfig{
			Name:     config.EventStream,
			Subjects: []string{fmt.Sprintf("%s.>", config.EventSubjectPrefix)},
			Storage:  nats.FileStorage,
			MaxAge:   config.EventRetention,
			Replicas: 1,
		}
		if _, err := js.AddStream(streamConfig); err != nil {
			return nil, fmt.Errorf("failed to create stream '%s': %w", config.EventStream, err)
		}
		logger.Info("Created JetStream event stream",
			zap.String("stream", config.EventStream),
			zap.Strings("subjects", streamConfig.Subjects),
			zap.Duration("max_age", streamConfig.MaxAge))
	} else {
		logger.Info("JetStream event stream already exists",
			zap.String("stream", config.EventStream),
			zap.Uint64("messages", streamInfo.State.Msgs))
	}

	return js, nil
}

// Publisher publishes event payloads through JetStream. It satisfies the
// telemetry sink's Publisher contract.
type Publisher struct {
	js nats.JetStreamContext
}

// NewPublisher wraps a JetStream context.
func NewPublisher(js nats.JetStreamContext) *Publisher {
	return &Publisher{js: js}
}

// Publish sends one payload with ack confirmation.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// Close safely drains and closes a NATS connection.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// IsConnected checks whether the connection is active.
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"go.uber.org/zap"
)

// Publisher abstracts the JetStream publish call so tests can use fakes and
// hosts can swap transports.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSSinkConfig configures the NATS event sink.
type NATSSinkConfig struct {
	// SubjectPrefix prefixes every event subject. Events publish to
	// "{prefix}.{runID}.{eventType}". Default "daedalus.events".
	SubjectPrefix string

	// MaxRetries bounds publish retry attempts after the first. Default 3.
	MaxRetries int

	// RetryDelay is the delay between publish attempts. Default 1s.
	RetryDelay time.Duration

	// BreakerThreshold is the consecutive-failure count that trips the
	// sink's circuit breaker. Default 10.
	BreakerThreshold int64

	// BreakerResetTimeout is the open-circuit probe delay. Default 30s.
	BreakerResetTimeout time.Duration
}

// DefaultNATSSinkConfig returns the default sink configuration.
func DefaultNATSSinkConfig() NATSSinkConfig {
	return NATSSinkConfig{
		SubjectPrefix:       "daedalus.events",
		MaxRetries:          3,
		RetryDelay:          time.Second,
		BreakerThreshold:    10,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// NATSSink publishes lifecycle events to a JetStream subject hierarchy with
// validation, bounded retry, and a circuit breaker so a degraded event bus
// never stalls the scheduler. Emit drops events rather than blocking when
// the breaker is open.
type NATSSink struct {
	publisher Publisher
	config    NATSSinkConfig
	breaker   *concurrency.CircuitBreaker
	logger    *zap.Logger
}

// NewNATSSink creates a sink over the given publisher. Publisher and logger
// are required.
func NewNATSSink(publisher Publisher, config NATSSinkConfig, logger *zap.Logger) (*NATSSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultNATSSinkConfig().SubjectPrefix
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultNATSSinkConfig().RetryDelay
	}

	return &NATSSink{
		publisher: publisher,
		config:    config,
		breaker:   concurrency.NewCircuitBreaker(config.BreakerThreshold, config.BreakerResetTimeout),
		logger:    logger,
	}, nil
}

// Emit implements Sink. Publish failures are logged, never propagated; the
// engine's correctness must not depend on the event bus.
func (s *NATSSink) Emit(ctx context.Context, event Event) {
	if err := s.validate(event); err != nil {
		s.logger.Warn("Dropping invalid telemetry event", zap.Error(err))
		return
	}

	if s.breaker.IsOpen() {
		s.logger.Warn("Dropping telemetry event, circuit breaker open",
			zap.String("runId", event.RunID),
			zap.String("type", string(event.Type)))
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to encode telemetry event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s.%s", s.config.SubjectPrefix, event.RunID, event.Type)
	if err := s.publishWithRetry(ctx, subject, data); err != nil {
		s.breaker.RecordFailure()
		s.logger.Error("Failed to publish telemetry event",
			zap.String("subject", subject),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}
	s.breaker.RecordSuccess()
}

// BreakerState exposes the breaker state for health reporting.
func (s *NATSSink) BreakerState() concurrency.CircuitBreakerState {
	return s.breaker.GetState()
}

func (s *NATSSink) validate(event Event) error {
	if event.RunID == "" {
		return fmt.Errorf("event has no run id")
	}
	if event.Type == "" {
		return fmt.Errorf("event has no type")
	}
	if event.Timestamp.IsZero() {
		return fmt.Errorf("event has no timestamp")
	}
	return nil
}

func (s *NATSSink) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("Retrying event publish",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", s.config.MaxRetries+1),
				zap.String("subject", subject))
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(s.config.RetryDelay):
			}
		}

		if err := s.publisher.Publish(ctx, subject, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", s.config.MaxRetries+1, lastErr)
}

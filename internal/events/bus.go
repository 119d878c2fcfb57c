// Package events fans grading lifecycle events out over NATS and Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/middleware"
)

// Event subjects, relative to the configured prefix.
const (
	SubjectCorrectionRecorded = "corrections.recorded"
	SubjectModelActivated     = "models.activated"
)

// ErrNoTransport indicates a subscription was requested without any transport.
var ErrNoTransport = errors.New("no event transport configured")

// CorrectionRecorded is emitted after a correction is appended.
type CorrectionRecorded struct {
	CorrectionID uint      `json:"correction_id"`
	SubmissionID uint      `json:"submission_id"`
	AssignmentID uint      `json:"assignment_id"`
	Total        float64   `json:"total"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ModelActivated is emitted after a retrain swaps the active model.
type ModelActivated struct {
	AssignmentID uint      `json:"assignment_id"`
	ModelID      uint      `json:"model_id"`
	Version      int       `json:"version"`
	CorpusSize   int       `json:"corpus_size"`
	ActivatedAt  time.Time `json:"activated_at"`
}

// Envelope wraps every published payload.
type Envelope struct {
	Source        string          `json:"source"`
	Subject       string          `json:"subject"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Payload       json.RawMessage `json:"payload"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
}

// Bus publishes to every configured transport. A Bus without transports
// silently drops events.
type Bus struct {
	prefix string
	nodeID string
	nats   *nats.Conn
	redis  *redis.Client
	logger zerolog.Logger
}

// NewBus constructs an event bus. Either connection may be nil.
func NewBus(prefix string, natsConn *nats.Conn, redisClient *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		prefix: strings.Trim(prefix, "."),
		nodeID: uuid.NewString(),
		nats:   natsConn,
		redis:  redisClient,
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subject returns the fully qualified subject name.
func (b *Bus) Subject(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

// NodeID identifies this process in published envelopes.
func (b *Bus) NodeID() string {
	return b.nodeID
}

// Publish encodes payload in an envelope and sends it on subject.
func (b *Bus) Publish(ctx context.Context, subject string, payload interface{}) error {
	if b.nats == nil && b.redis == nil {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	full := b.Subject(subject)
	envelope, err := json.Marshal(Envelope{
		Source:        b.nodeID,
		Subject:       full,
		CorrelationID: middleware.CorrelationIDFromContext(ctx),
		SentAt:        time.Now().UTC(),
		Payload:       body,
	})
	if err != nil {
		return fmt.Errorf("encode event envelope: %w", err)
	}

	if b.redis != nil {
		if err := b.redis.Publish(ctx, full, envelope).Err(); err != nil {
			return fmt.Errorf("publish %s to redis: %w", full, err)
		}
	}

	if b.nats != nil {
		if err := b.nats.Publish(full, envelope); err != nil {
			return fmt.Errorf("publish %s to nats: %w", full, err)
		}
	}

	b.logger.Debug().Str("subject", full).Msg("event published")
	return nil
}

// Subscribe delivers envelopes on subject to handler until ctx is done. NATS
// subscriptions join the queue group; without NATS every Redis subscriber
// receives every event.
func (b *Bus) Subscribe(ctx context.Context, subject, queue string, handler func(Envelope)) error {
	full := b.Subject(subject)
	switch {
	case b.nats != nil:
		return b.subscribeNATS(ctx, full, queue, handler)
	case b.redis != nil:
		return b.subscribeRedis(ctx, full, handler)
	default:
		return ErrNoTransport
	}
}

func (b *Bus) subscribeNATS(ctx context.Context, full, queue string, handler func(Envelope)) error {
	sub, err := b.nats.QueueSubscribe(full, queue, func(msg *nats.Msg) {
		b.deliver(full, msg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", full, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			b.logger.Warn().Err(err).Str("subject", full).Msg("failed to drain event subscription")
		}
	}()
	return nil
}

func (b *Bus) subscribeRedis(ctx context.Context, full string, handler func(Envelope)) error {
	pubsub := b.redis.Subscribe(ctx, full)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", full, err)
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Error().Err(err).Str("subject", full).Msg("event subscription closed")
				}
				return
			}
			b.deliver(full, []byte(msg.Payload), handler)
		}
	}()
	return nil
}

func (b *Bus) deliver(full string, data []byte, handler func(Envelope)) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Warn().Err(err).Str("subject", full).Msg("invalid event envelope")
		return
	}
	handler(envelope)
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst interface{}) error {
	return json.Unmarshal(e.Payload, dst)
}

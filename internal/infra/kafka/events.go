package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/core/port"
	"github.com/arklim/workspace-auth/internal/infra/config"
	"github.com/arklim/workspace-auth/internal/infra/logger"
)

const schemaVersion = "1.0"

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, log *zap.Logger) *EventPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventPublisher{producer: producer, appCfg: appCfg, logger: log}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	UserID    string           `json:"user_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

type securityPayload struct {
	Kind      string         `json:"kind"`
	Severity  string         `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	FamilyID  string         `json:"family_id,omitempty"`
	JTI       string         `json:"jti,omitempty"`
	MaskedIP  string         `json:"masked_ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Count     int            `json:"count,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// SecurityEventType returns the event type for a kind, e.g. security.refresh_token_reused.
func SecurityEventType(kind domain.SecurityEventKind) string {
	return "security." + string(kind)
}

// PublishSecurityEvent enqueues the event keyed by user id so one user's events stay ordered.
func (p *EventPublisher) PublishSecurityEvent(ctx context.Context, event domain.SecurityEvent) error {
	payload := securityPayload{
		Kind:      string(event.Kind),
		Severity:  event.Kind.Severity(),
		UserID:    event.UserID,
		FamilyID:  event.FamilyID,
		JTI:       event.JTI,
		MaskedIP:  logger.MaskIP(event.IP),
		UserAgent: event.UserAgent,
		Reason:    event.Reason,
		Count:     event.Count,
		Details:   event.Metadata,
	}
	return p.publish(ctx, event.EventID, SecurityEventType(event.Kind), event.UserID, event.OccurredAt, payload)
}

func (p *EventPublisher) publish(ctx context.Context, eventID, eventType, userID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	bytes, err := json.Marshal(eventEnvelope{
		EventID:   eventID,
		EventType: eventType,
		UserID:    userID,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(eventType),
		Value: sarama.ByteEncoder(bytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(eventType)},
			{Key: []byte("schema_version"), Value: []byte(schemaVersion)},
		},
	}
	if userID != "" {
		message.Key = sarama.StringEncoder(userID)
	}

	select {
	case p.producer.Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ port.EventPublisher = (*EventPublisher)(nil)

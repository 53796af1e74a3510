package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/workspace-auth/internal/core/domain"
	"github.com/arklim/workspace-auth/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func TestPublishSecurityEventEnvelope(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, config.KafkaSettings{TopicPrefix: "auth"}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = producer.Close() })

	publisher := NewEventPublisher(producer, config.AppSettings{Name: "workspace-auth", Env: "test"}, zaptest.NewLogger(t))

	occurredAt := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	event := domain.SecurityEvent{
		EventID:    "event-1",
		Kind:       domain.SecurityEventRefreshTokenReused,
		UserID:     "user-9",
		FamilyID:   "family-3",
		IP:         "203.0.113.50",
		Reason:     string(domain.RevocationReasonSecurityIncident),
		Count:      3,
		OccurredAt: occurredAt,
	}

	if err := publisher.PublishSecurityEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishSecurityEvent returned error: %v", err)
	}

	select {
	case msg := <-asyncProducer.input:
		if msg.Topic != "auth.security.refresh_token_reused" {
			t.Fatalf("unexpected topic: %s", msg.Topic)
		}

		key, err := msg.Key.Encode()
		if err != nil || string(key) != "user-9" {
			t.Fatalf("expected message keyed by user id, got %q (%v)", key, err)
		}

		bytes, err := msg.Value.Encode()
		if err != nil {
			t.Fatalf("Value.Encode returned error: %v", err)
		}

		var envelope map[string]any
		if err := json.Unmarshal(bytes, &envelope); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}

		if got := envelope["event_type"]; got != "security.refresh_token_reused" {
			t.Fatalf("unexpected event_type: %v", got)
		}
		if got := envelope["timestamp"]; got != occurredAt.Format(time.RFC3339Nano) {
			t.Fatalf("unexpected timestamp: %v", got)
		}

		payload, ok := envelope["payload"].(map[string]any)
		if !ok {
			t.Fatalf("payload not a map: %T", envelope["payload"])
		}
		if payload["severity"] != "high" {
			t.Fatalf("unexpected severity: %v", payload["severity"])
		}
		if payload["masked_ip"] != "203.0.*.*" {
			t.Fatalf("ip must be masked, got %v", payload["masked_ip"])
		}
		if payload["family_id"] != "family-3" {
			t.Fatalf("unexpected family id: %v", payload["family_id"])
		}
		if count, _ := payload["count"].(float64); int(count) != 3 {
			t.Fatalf("unexpected count: %v", payload["count"])
		}

		metadata, ok := envelope["metadata"].(map[string]any)
		if !ok {
			t.Fatalf("envelope metadata not a map: %T", envelope["metadata"])
		}
		if metadata["service"] != "workspace-auth" || metadata["environment"] != "test" {
			t.Fatalf("unexpected metadata: %v", metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on async producer input channel")
	}
}

func TestPublishSecurityEventHonoursContext(t *testing.T) {
	asyncProducer := &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage),
		errors: make(chan *sarama.ProducerError),
	}
	producer := newProducer(asyncProducer, config.KafkaSettings{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = producer.Close() })

	publisher := NewEventPublisher(producer, config.AppSettings{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := publisher.PublishSecurityEvent(ctx, domain.SecurityEvent{Kind: domain.SecurityEventAccountLocked})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProducerReportsDeliveryErrors(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, config.KafkaSettings{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = producer.Close() })

	failed := make(chan string, 1)
	producer.OnError(func(topic string) { failed <- topic })

	asyncProducer.errors <- &sarama.ProducerError{
		Msg: &sarama.ProducerMessage{Topic: "auth.security.account_locked"},
		Err: errors.New("broker unavailable"),
	}

	select {
	case topic := <-failed:
		if topic != "auth.security.account_locked" {
			t.Fatalf("unexpected topic %q", topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error callback")
	}
}

func TestTopicName(t *testing.T) {
	producer := &Producer{cfg: config.KafkaSettings{TopicPrefix: "auth"}}
	if got := producer.TopicName("security.password_changed"); got != "auth.security.password_changed" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := producer.TopicName("auth.security.password_changed"); got != "auth.security.password_changed" {
		t.Fatalf("prefix must not be doubled, got %q", got)
	}
}

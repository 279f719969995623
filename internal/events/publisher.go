// Package events publishes audit outcomes to Kafka for downstream
// consumers (QA dashboards, the escalation pipeline). Without brokers
// configured the publisher runs in log-only mode and every publish is a
// cheap no-op, so callers never branch on whether Kafka exists.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"callaudit/internal/domain"
	"callaudit/internal/observability/logging"
	"callaudit/internal/observability/metrics"
)

const (
	EventVerdict        = "verdict"
	EventClassification = "classification"
	EventCorrection     = "correction"
)

// Event is the envelope written to the audit topic. Exactly one of the
// payload fields is set, matching Type.
type Event struct {
	Type           string                      `json:"type"`
	SessionID      string                      `json:"sessionId"`
	TenantID       string                      `json:"tenantId,omitempty"`
	EmittedAt      time.Time                   `json:"emittedAt"`
	Verdict        *domain.FulfillmentVerdict  `json:"verdict,omitempty"`
	Classification *domain.InvestigationResult `json:"classification,omitempty"`
	Correction     *domain.BookingCorrection   `json:"correction,omitempty"`
}

type Publisher struct {
	writer  *kafka.Writer
	topic   string
	enabled bool
	log     zerolog.Logger
}

// NewPublisher builds the audit-topic publisher. Empty brokers or topic
// mean log-only mode.
func NewPublisher(brokers []string, topic string) *Publisher {
	p := &Publisher{
		topic: topic,
		log:   logging.WithComponent("events"),
	}

	if len(brokers) == 0 || topic == "" {
		p.log.Info().Msg("kafka disabled, publishing in log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	p.enabled = true
	p.log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("kafka publisher initialized")
	return p
}

func (p *Publisher) PublishVerdict(ctx context.Context, tenantID string, v domain.FulfillmentVerdict) error {
	return p.publish(ctx, Event{
		Type:      EventVerdict,
		SessionID: v.SessionID,
		TenantID:  tenantID,
		Verdict:   &v,
	})
}

func (p *Publisher) PublishClassification(ctx context.Context, tenantID string, r domain.InvestigationResult) error {
	return p.publish(ctx, Event{
		Type:           EventClassification,
		SessionID:      r.SessionID,
		TenantID:       tenantID,
		Classification: &r,
	})
}

func (p *Publisher) PublishCorrection(ctx context.Context, c domain.BookingCorrection) error {
	return p.publish(ctx, Event{
		Type:       EventCorrection,
		SessionID:  c.SessionID,
		TenantID:   c.TenantID,
		Correction: &c,
	})
}

func (p *Publisher) publish(ctx context.Context, event Event) error {
	event.EmittedAt = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("type", event.Type).Msg("marshaling event failed")
		return err
	}

	p.log.Debug().
		Str("type", event.Type).
		Str("sessionId", event.SessionID).
		RawJSON("payload", payload).
		Msg("publishing event")

	if !p.enabled {
		metrics.DefaultMetrics.RecordPublish(p.topic, event.Type, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("type", event.Type).Str("sessionId", event.SessionID).Msg("kafka write failed")
		metrics.DefaultMetrics.RecordPublish(p.topic, event.Type, err)
		return err
	}

	metrics.DefaultMetrics.RecordPublish(p.topic, event.Type, nil)
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

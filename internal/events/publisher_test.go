package events

import (
	"context"
	"testing"

	"callaudit/internal/domain"
)

func TestNewPublisherLogOnlyWithoutBrokers(t *testing.T) {
	tests := []struct {
		name    string
		brokers []string
		topic   string
	}{
		{name: "no brokers", brokers: nil, topic: "callaudit.audit"},
		{name: "no topic", brokers: []string{"localhost:9092"}, topic: ""},
		{name: "neither", brokers: nil, topic: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(tt.brokers, tt.topic)
			if p.enabled || p.writer != nil {
				t.Fatalf("publisher = %+v, want log-only mode", p)
			}
			if err := p.Close(); err != nil {
				t.Errorf("Close in log-only mode: %v", err)
			}
		})
	}
}

func TestLogOnlyPublishesAreNoOps(t *testing.T) {
	p := NewPublisher(nil, "")
	ctx := context.Background()

	if err := p.PublishVerdict(ctx, "clinic-a", domain.FulfillmentVerdict{SessionID: "sess-1"}); err != nil {
		t.Errorf("PublishVerdict: %v", err)
	}
	if err := p.PublishClassification(ctx, "clinic-a", domain.InvestigationResult{SessionID: "sess-1"}); err != nil {
		t.Errorf("PublishClassification: %v", err)
	}
	if err := p.PublishCorrection(ctx, domain.BookingCorrection{SessionID: "sess-1", TenantID: "clinic-a"}); err != nil {
		t.Errorf("PublishCorrection: %v", err)
	}
}

func TestNewPublisherWithBrokers(t *testing.T) {
	p := NewPublisher([]string{"localhost:9092"}, "callaudit.audit")
	if !p.enabled || p.writer == nil {
		t.Fatalf("publisher = %+v, want kafka mode", p)
	}
	if p.writer.Topic != "callaudit.audit" {
		t.Errorf("topic = %q", p.writer.Topic)
	}
	// The writer dials lazily; closing an unused writer must be clean.
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

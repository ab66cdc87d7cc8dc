//go:build integration

package events

import (
	"context"
	"os"
	"testing"
	"time"
)

func skipWithoutNATS(t *testing.T) string {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping integration test")
	}
	return url
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	url := skipWithoutNATS(t)
	p, err := NewNATSPublisher(url, WithToken(os.Getenv("NATS_TOKEN")), WithSubjectPrefix("omnia.test"))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer p.Close()

	received := make(chan Event, 1)
	sub, err := p.Subscribe(func(ev Event) { received <- ev })
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	// Give subscription time to propagate
	time.Sleep(100 * time.Millisecond)

	ev := Event{Type: TypeEscalationExhausted, DialogueID: "dlg_test", FieldID: "dob"}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.DialogueID != "dlg_test" || got.Type != TypeEscalationExhausted {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

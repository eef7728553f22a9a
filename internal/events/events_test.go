package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/ws"
)

type captureSubscriber struct {
	payloads [][]byte
}

func (c *captureSubscriber) Send(p []byte) error {
	c.payloads = append(c.payloads, p)
	return nil
}

func (c *captureSubscriber) Close() {}

func TestStreamPublishesJSON(t *testing.T) {
	hub := ws.NewHub()
	sub := &captureSubscriber{}
	hub.Register("site", sub)

	stream := New(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	stream.now = func() time.Time { return fixed }

	stream.Publish(domain.DeploymentEvent{Project: "site", Operation: domain.OpCreate, Stage: "building"})

	if len(sub.payloads) != 1 {
		t.Fatalf("expected one payload, got %d", len(sub.payloads))
	}
	var ev domain.DeploymentEvent
	if err := json.Unmarshal(sub.payloads[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Stage != "building" || ev.Operation != domain.OpCreate || !ev.At.Equal(fixed) {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStreamWithoutHub(t *testing.T) {
	stream := New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	stream.Publish(domain.DeploymentEvent{Project: "site", Stage: "failed", Error: "boom"})
}

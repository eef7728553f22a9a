// Package events publishes deployment progress to log and stream subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/0xEthamin/hangar-back/internal/domain"
	"github.com/0xEthamin/hangar-back/internal/ws"
)

// Stream publishes events to a websocket hub.
type Stream struct {
	hub    *ws.Hub
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a Stream. A nil hub only logs.
func New(hub *ws.Hub, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{hub: hub, logger: logger.With("component", "events"), now: time.Now}
}

// Publish stamps and broadcasts ev.
func (s *Stream) Publish(ev domain.DeploymentEvent) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	ev.At = ev.At.UTC()

	attrs := []any{"project", ev.Project, "operation", ev.Operation, "stage", ev.Stage}
	if ev.Error != "" {
		s.logger.Warn("deployment event", append(attrs, "error", ev.Error)...)
	} else {
		s.logger.Debug("deployment event", attrs...)
	}

	if s.hub == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "error", err)
		return
	}
	s.hub.Broadcast(ev.Project, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s *Stream) Hub() *ws.Hub {
	return s.hub
}

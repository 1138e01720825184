package sequence

import (
	"context"
	"sync/atomic"
	"time"

	"studio/server/internal/events"
	"studio/server/internal/model"

	"github.com/google/uuid"
)

// HubNotifier publishes final-sequence notifications on the sequence topic.
type HubNotifier struct {
	hub *events.Hub
	seq atomic.Int64
}

func NewHubNotifier(hub *events.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) SequenceChanged(_ context.Context, fs model.FinalSequence) {
	n.hub.Publish(events.TopicSequence, model.Event{
		EventID: uuid.NewString(),
		Seq:     n.seq.Add(1),
		Topic:   events.TopicSequence,
		Type:    model.EventSequenceChanged,
		TS:      time.Now().UTC(),
		Payload: map[string]any{"sequence": fs},
	})
}

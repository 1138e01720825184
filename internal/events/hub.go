package events

import (
	"sync"

	"studio/server/internal/model"
)

// Topic carrying final-sequence notifications.
const TopicSequence = "sequence"

// Hub fans events out to per-topic subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and catches up from the
// producer's own log or the next snapshot.
//
// Retained topics keep their last event, and every new subscriber receives it
// first. Batch runs keep their own replayable log, so only state-snapshot
// topics such as TopicSequence are retained.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscriber]struct{}
	retained map[string]bool
	last     map[string]model.Event
}

type subscriber struct {
	ch chan model.Event
}

func NewHub(retained ...string) *Hub {
	h := &Hub{
		subs:     map[string]map[*subscriber]struct{}{},
		retained: map[string]bool{},
		last:     map[string]model.Event{},
	}
	for _, topic := range retained {
		h.retained[topic] = true
	}
	return h
}

// Subscribe registers a buffered subscriber on topic. The returned func
// closes the channel and may be called more than once.
func (h *Hub) Subscribe(topic string, buf int) (<-chan model.Event, func()) {
	if buf < 1 {
		buf = 1
	}
	sub := &subscriber{ch: make(chan model.Event, buf)}

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = map[*subscriber]struct{}{}
	}
	h.subs[topic][sub] = struct{}{}
	if evt, ok := h.last[topic]; ok {
		sub.ch <- evt
	}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(topic, sub) }
}

func (h *Hub) remove(topic string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[topic]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subs, topic)
	}
}

func (h *Hub) Publish(topic string, evt model.Event) {
	// Retained topics update last and fan out under one write lock so a
	// concurrent Subscribe sees either the old snapshot plus this event or
	// only this event.
	if h.retained[topic] {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.last[topic] = evt
	} else {
		h.mu.RLock()
		defer h.mu.RUnlock()
	}
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Last returns the retained event of topic, if one was published.
func (h *Hub) Last(topic string) (model.Event, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	evt, ok := h.last[topic]
	return evt, ok
}

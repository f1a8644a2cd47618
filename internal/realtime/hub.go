package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultBuffer is the mailbox size of a subscriber.
const DefaultBuffer = 256

// Subscriber is one consumer of hub events, typically a socket write pump.
type Subscriber struct {
	ID   string
	send chan Event
	done chan struct{}
}

// Events yields delivered events. The channel is closed when the hub drops the subscriber.
func (s *Subscriber) Events() <-chan Event {
	return s.send
}

// Done is closed when the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Hub fans events out per session. All delivery happens under one lock so
// every subscriber observes a session's events in publish order.
type Hub struct {
	mu      sync.Mutex
	topics  map[string]map[*Subscriber]struct{}
	joined  map[*Subscriber]map[string]struct{}
	agents  map[*Subscriber]struct{}
	members map[*Subscriber]struct{}
	buffer  int
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics:  make(map[string]map[*Subscriber]struct{}),
		joined:  make(map[*Subscriber]map[string]struct{}),
		agents:  make(map[*Subscriber]struct{}),
		members: make(map[*Subscriber]struct{}),
		buffer:  buffer,
		log:     logger.Named("hub"),
	}
}

// Subscribe registers a new subscriber that is not yet in any topic.
func (h *Hub) Subscribe(id string) *Subscriber {
	sub := &Subscriber{
		ID:   id,
		send: make(chan Event, h.buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.members[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Join adds sub to a session topic.
func (h *Hub) Join(sessionID string, sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[sub]; !ok {
		return false
	}
	topic, ok := h.topics[sessionID]
	if !ok {
		topic = make(map[*Subscriber]struct{})
		h.topics[sessionID] = topic
	}
	topic[sub] = struct{}{}

	rooms, ok := h.joined[sub]
	if !ok {
		rooms = make(map[string]struct{})
		h.joined[sub] = rooms
	}
	rooms[sessionID] = struct{}{}
	return true
}

// Leave removes sub from a session topic.
func (h *Hub) Leave(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sessionID, sub)
}

// JoinAgents marks sub as an agent console receiving broadcasts.
func (h *Hub) JoinAgents(sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[sub]; !ok {
		return false
	}
	h.agents[sub] = struct{}{}
	return true
}

// Remove drops sub from every topic and closes its mailbox.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Publish delivers ev to every current subscriber of the session, at most once
// each. Slow subscribers whose mailbox is full are dropped.
func (h *Hub) Publish(sessionID string, ev Event) int {
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for sub := range h.topics[sessionID] {
		if h.deliverLocked(sub, ev) {
			delivered++
		}
	}
	return delivered
}

// Broadcast delivers ev to every agent console.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for sub := range h.agents {
		if h.deliverLocked(sub, ev) {
			delivered++
		}
	}
	return delivered
}

// InTopic reports whether sub currently follows the session.
func (h *Hub) InTopic(sessionID string, sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.topics[sessionID][sub]
	return ok
}

// Subscribers reports how many subscribers a session topic has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[sessionID])
}

func (h *Hub) deliverLocked(sub *Subscriber, ev Event) bool {
	select {
	case sub.send <- ev:
		return true
	default:
		h.log.Warn("subscriber mailbox full, dropping",
			zap.String("subscriber", sub.ID),
			zap.String("event", ev.Name))
		h.removeLocked(sub)
		return false
	}
}

func (h *Hub) leaveLocked(sessionID string, sub *Subscriber) {
	if topic, ok := h.topics[sessionID]; ok {
		delete(topic, sub)
		if len(topic) == 0 {
			delete(h.topics, sessionID)
		}
	}
	if rooms, ok := h.joined[sub]; ok {
		delete(rooms, sessionID)
	}
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if _, ok := h.members[sub]; !ok {
		return
	}
	for sessionID := range h.joined[sub] {
		h.leaveLocked(sessionID, sub)
	}
	delete(h.joined, sub)
	delete(h.agents, sub)
	delete(h.members, sub)
	close(sub.send)
	close(sub.done)
}

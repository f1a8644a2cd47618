package messenger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
)

const sendTimeout = 15 * time.Second

// Sender delivers outbound text to a Messenger user.
type Sender interface {
	Send(ctx context.Context, psid, text string) error
}

// Relay mirrors a Facebook session's outbound messages to Messenger. It
// holds one hub subscriber per attached session.
type Relay struct {
	hub    *realtime.Hub
	sender Sender
	log    *zap.Logger

	mu     sync.Mutex
	active map[string]*realtime.Subscriber
	wg     sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc
}

// NewRelay creates a relay over hub.
func NewRelay(hub *realtime.Hub, sender Sender, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Relay{
		hub:    hub,
		sender: sender,
		log:    logger.Named("messenger_relay"),
		active: make(map[string]*realtime.Subscriber),
		base:   base,
		cancel: cancel,
	}
}

// Attach starts forwarding for session. Non-Facebook and closed sessions,
// and sessions already attached, are ignored.
func (r *Relay) Attach(session chat.Session) bool {
	if session.Channel != chat.ChannelFacebook || session.State.Terminal() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base.Err() != nil {
		return false
	}
	if _, ok := r.active[session.ID]; ok {
		return false
	}

	sub := r.hub.Subscribe("messenger:" + session.ID)
	r.hub.Join(session.ID, sub)
	r.active[session.ID] = sub

	r.wg.Add(1)
	go r.forward(session.ID, session.ExternalID, sub)
	return true
}

// Active reports how many sessions are being forwarded.
func (r *Relay) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close detaches every session and waits for forwarders to exit.
func (r *Relay) Close() {
	r.mu.Lock()
	r.cancel()
	subs := make([]*realtime.Subscriber, 0, len(r.active))
	for _, sub := range r.active {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.hub.Remove(sub)
	}
	r.wg.Wait()
}

func (r *Relay) forward(sessionID, psid string, sub *realtime.Subscriber) {
	defer r.wg.Done()
	defer r.detach(sessionID, sub)

	for ev := range sub.Events() {
		switch ev.Name {
		case realtime.EventMessageNew:
			msg, ok := ev.Data.(chat.Message)
			if !ok || msg.Sender == chat.SenderCustomer || msg.Body == "" {
				continue
			}
			r.deliver(sessionID, psid, msg.Body)
		case realtime.EventChatClosed:
			return
		}
	}
}

func (r *Relay) deliver(sessionID, psid, text string) {
	ctx, cancel := context.WithTimeout(r.base, sendTimeout)
	defer cancel()
	if err := r.sender.Send(ctx, psid, text); err != nil {
		r.log.Warn("forward to messenger failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

func (r *Relay) detach(sessionID string, sub *realtime.Subscriber) {
	r.mu.Lock()
	if r.active[sessionID] == sub {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()
	r.hub.Remove(sub)
}

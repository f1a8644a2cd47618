package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/harbour-desk/backend/internal/service/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/handoff"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/retrieval"
)

// Default customer-facing texts.
const (
	DefaultHandoffNotice  = "I am connecting you to a live agent now..."
	DefaultEngineFailure  = "I'm having trouble processing that. Let me connect you to an agent."
	DefaultEngineTimeout  = 30 * time.Second
	DefaultFetchTimeout   = 5 * time.Second
	historyTurns          = 10
	engineFailurePriority = 0
)

// Engine produces a response for a customer message.
type Engine interface {
	Respond(ctx context.Context, req ai.Request) (ai.Result, error)
}

// ContextFetcher supplies grounding passages. It never fails.
type ContextFetcher interface {
	FetchContext(ctx context.Context, query string) retrieval.Context
}

// Publisher is the realtime fan-out surface.
type Publisher interface {
	Publish(sessionID string, ev realtime.Event) int
	Broadcast(ev realtime.Event) int
}

// Config tunes the router.
type Config struct {
	EngineTimeout time.Duration
	// FetchTimeout bounds grounding retrieval; on expiry the engine runs
	// without passages.
	FetchTimeout  time.Duration
	HandoffNotice string
	EngineFailure string
}

// Service routes inbound traffic through the session state machine.
type Service struct {
	sessions *chatservice.Service
	fetcher  ContextFetcher
	engine   Engine
	detector *handoff.Detector
	hub      Publisher
	workers  *Workers
	cfg      Config
	log      *zap.Logger

	base   context.Context
	cancel context.CancelFunc
}

// NewService wires the router.
func NewService(sessions *chatservice.Service, fetcher ContextFetcher, engine Engine, detector *handoff.Detector, hub Publisher, workers *Workers, cfg Config, logger *zap.Logger) *Service {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = DefaultEngineTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.HandoffNotice == "" {
		cfg.HandoffNotice = DefaultHandoffNotice
	}
	if cfg.EngineFailure == "" {
		cfg.EngineFailure = DefaultEngineFailure
	}
	if detector == nil {
		detector = handoff.NewDetector(nil)
	}
	if workers == nil {
		workers = NewWorkers(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		sessions: sessions,
		fetcher:  fetcher,
		engine:   engine,
		detector: detector,
		hub:      hub,
		workers:  workers,
		cfg:      cfg,
		log:      logger.Named("conversation"),
		base:     base,
		cancel:   cancel,
	}
}

// Sessions exposes the underlying state machine.
func (s *Service) Sessions() *chatservice.Service {
	return s.sessions
}

// StartSession finds or creates the session for a channel identity.
func (s *Service) StartSession(ctx context.Context, channel chat.Channel, externalID string, profile chat.Profile) (chat.Session, error) {
	return s.sessions.CreateOrGet(ctx, channel, externalID, profile)
}

// HandleCustomerMessage persists a customer message and returns once it is
// logged. Any automated answer is produced afterwards on the session's worker
// and delivered through the hub.
func (s *Service) HandleCustomerMessage(ctx context.Context, sessionID, text, attachment string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == "" {
		return chat.Message{}, chat.Validationf("message text is required")
	}

	type accepted struct {
		msg chat.Message
		err error
	}
	ack := make(chan accepted, 1)

	err := s.workers.Submit(sessionID, func() {
		msg, state, err := s.logCustomerMessage(sessionID, text, attachment)
		ack <- accepted{msg: msg, err: err}
		if err != nil || state != chat.StateBot || text == "" {
			return
		}
		s.runEngine(sessionID, msg)
	})
	if err != nil {
		return chat.Message{}, err
	}

	select {
	case res := <-ack:
		return res.msg, res.err
	case <-ctx.Done():
		return chat.Message{}, ctx.Err()
	}
}

// AgentMessage relays a message typed by a human agent (or an agent-side
// system note) into the session.
func (s *Service) AgentMessage(ctx context.Context, sessionID, text string, sender chat.Sender) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, chat.Validationf("message text is required")
	}
	if sender == "" {
		sender = chat.SenderAgent
	}
	if sender == chat.SenderCustomer {
		return chat.Message{}, chat.Validationf("agents cannot post as the customer")
	}

	var saved chat.Message
	err := s.workers.Do(ctx, sessionID, func() error {
		session, err := s.sessions.GetSession(s.base, sessionID)
		if err != nil {
			return err
		}
		if session.State.Terminal() {
			return chat.Conflictf("session is closed")
		}
		saved, err = s.sessions.SaveMessage(s.base, chat.Message{SessionID: sessionID, Sender: sender, Body: text})
		if err != nil {
			return err
		}
		s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventMessageNew, sessionID, saved))
		return nil
	})
	return saved, err
}

// RequestAgent escalates on the customer's or an operator's request. It runs
// on the session's worker so the handoff notice is ordered after any message
// already being handled.
func (s *Service) RequestAgent(ctx context.Context, sessionID string, priority int, reason string) (chat.Session, error) {
	if reason == "" {
		reason = "customer requested an agent"
	}
	var session chat.Session
	err := s.workers.Do(ctx, sessionID, func() error {
		var err error
		session, err = s.escalate(s.base, sessionID, priority, reason)
		return err
	})
	return session, err
}

// Accept assigns a queued session to an agent. Losers of a race get
// chat.ErrAlreadyAssigned.
func (s *Service) Accept(ctx context.Context, sessionID, agentID string) (chat.Session, error) {
	session, err := s.sessions.Assign(ctx, sessionID, agentID)
	if err != nil {
		return session, err
	}
	s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventAgentAssigned, sessionID, map[string]string{"agent_id": agentID}))
	s.hub.Broadcast(realtime.NewEvent(realtime.EventUpdateQueue, "", nil))
	return session, nil
}

// Close ends a conversation. Closing twice is a no-op.
func (s *Service) Close(ctx context.Context, sessionID string) (chat.Session, error) {
	session, changed, err := s.sessions.Close(ctx, sessionID)
	if err != nil {
		return session, err
	}
	if changed {
		s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventChatClosed, sessionID, nil))
		s.hub.Broadcast(realtime.NewEvent(realtime.EventUpdateQueue, "", nil))
	}
	return session, nil
}

// Flush waits for work already queued on a session.
func (s *Service) Flush(ctx context.Context, sessionID string) error {
	return s.workers.Flush(ctx, sessionID)
}

// Shutdown drains in-flight work, cancelling engine calls if ctx ends first.
func (s *Service) Shutdown(ctx context.Context) error {
	err := s.workers.Close(ctx)
	s.cancel()
	return err
}

func (s *Service) logCustomerMessage(sessionID, text, attachment string) (chat.Message, chat.State, error) {
	session, err := s.sessions.GetSession(s.base, sessionID)
	if err != nil {
		return chat.Message{}, "", err
	}
	if session.State.Terminal() {
		return chat.Message{}, session.State, chat.Conflictf("session is closed")
	}

	msg, err := s.sessions.SaveMessage(s.base, chat.Message{
		SessionID:  sessionID,
		Sender:     chat.SenderCustomer,
		Body:       text,
		Attachment: attachment,
	})
	if err != nil {
		return chat.Message{}, "", err
	}
	s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventMessageNew, sessionID, msg))

	// Re-read: an agent may have picked the session up meanwhile.
	session, err = s.sessions.GetSession(s.base, sessionID)
	if err != nil {
		return msg, "", err
	}
	return msg, session.State, nil
}

func (s *Service) runEngine(sessionID string, msg chat.Message) {
	history, err := s.history(sessionID, msg)
	if err != nil {
		s.log.Warn("load history", zap.String("session_id", sessionID), zap.Error(err))
	}

	grounding := s.fetch(msg.Body)

	var result ai.Result
	if s.engine == nil {
		err = chat.ErrUpstream
	} else {
		result, err = s.respond(ai.Request{
			SessionID: sessionID,
			Query:     msg.Body,
			History:   history,
			Context:   grounding,
		})
	}
	if err != nil {
		s.engineFailed(sessionID, err)
		return
	}

	decision := s.detector.Classify(result)
	if decision.Action == handoff.ActionHandoff {
		s.log.Info("handoff detected",
			zap.String("session_id", sessionID),
			zap.String("source", string(decision.Source)),
			zap.String("reason", decision.Reason))
		if _, err := s.escalate(s.base, sessionID, 0, decision.Reason); err != nil {
			s.log.Warn("escalate", zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}

	reply, err := s.sessions.SaveMessageIfState(s.base, chat.Message{
		SessionID: sessionID,
		Sender:    chat.SenderBot,
		Body:      decision.Text,
	}, chat.StateBot)
	if errors.Is(err, chat.ErrConflict) {
		s.log.Info("discarding stale engine result", zap.String("session_id", sessionID))
		return
	}
	if err != nil {
		s.log.Error("save bot reply", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventMessageNew, sessionID, reply))
}

// fetch retrieves grounding under FetchTimeout. A fetcher that overruns is
// abandoned and the engine gets no passages.
func (s *Service) fetch(query string) retrieval.Context {
	if s.fetcher == nil {
		return retrieval.Context{}
	}
	ctx, cancel := context.WithTimeout(s.base, s.cfg.FetchTimeout)
	defer cancel()

	done := make(chan retrieval.Context, 1)
	go func() { done <- s.fetcher.FetchContext(ctx, query) }()
	select {
	case grounding := <-done:
		return grounding
	case <-ctx.Done():
		s.log.Warn("retrieval timed out", zap.Duration("timeout", s.cfg.FetchTimeout))
		return retrieval.Context{}
	}
}

// respond calls the engine under EngineTimeout. The deadline holds even for
// an engine that ignores ctx; its late result is dropped.
func (s *Service) respond(req ai.Request) (ai.Result, error) {
	ctx, cancel := context.WithTimeout(s.base, s.cfg.EngineTimeout)
	defer cancel()

	type outcome struct {
		result ai.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.engine.Respond(ctx, req)
		done <- outcome{result: result, err: err}
	}()
	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return ai.Result{}, fmt.Errorf("%w: engine gave no answer within %s", chat.ErrTimeout, s.cfg.EngineTimeout)
	}
}

// history returns up to historyTurns messages before msg.
func (s *Service) history(sessionID string, msg chat.Message) ([]chat.Message, error) {
	recent, err := s.sessions.RecentMessages(s.base, sessionID, historyTurns+1)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(recent))
	for _, m := range recent {
		if m.Seq < msg.Seq {
			out = append(out, m)
		}
	}
	if len(out) > historyTurns {
		out = out[len(out)-historyTurns:]
	}
	return out, nil
}

func (s *Service) engineFailed(sessionID string, cause error) {
	s.log.Warn("engine failed, escalating",
		zap.String("session_id", sessionID),
		zap.Bool("timeout", errors.Is(cause, chat.ErrTimeout)),
		zap.Error(cause))

	apology, err := s.sessions.SaveMessageIfState(s.base, chat.Message{
		SessionID: sessionID,
		Sender:    chat.SenderBot,
		Body:      s.cfg.EngineFailure,
	}, chat.StateBot)
	if errors.Is(err, chat.ErrConflict) {
		return
	}
	if err != nil {
		s.log.Error("save apology", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventMessageNew, sessionID, apology))

	_, changed, err := s.sessions.RequestHandoff(s.base, sessionID, engineFailurePriority)
	if err != nil {
		s.log.Error("force queue", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if changed {
		s.hub.Broadcast(realtime.NewEvent(realtime.EventUpdateQueue, "", nil))
	}
}

// escalate queues the session and, only on an actual transition, logs the
// notice and notifies both sides.
func (s *Service) escalate(ctx context.Context, sessionID string, priority int, reason string) (chat.Session, error) {
	session, changed, err := s.sessions.RequestHandoff(ctx, sessionID, priority)
	if err != nil || !changed {
		return session, err
	}

	notice, err := s.sessions.SaveMessage(ctx, chat.Message{
		SessionID: sessionID,
		Sender:    chat.SenderSystem,
		Body:      s.cfg.HandoffNotice,
	})
	if err != nil {
		s.log.Error("save handoff notice", zap.String("session_id", sessionID), zap.Error(err))
	} else {
		s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventAgentHandoff, sessionID, map[string]string{"message": s.cfg.HandoffNotice}))
		s.hub.Publish(sessionID, realtime.NewEvent(realtime.EventMessageNew, sessionID, notice))
	}
	s.hub.Broadcast(realtime.NewEvent(realtime.EventUpdateQueue, "", nil))

	s.log.Info("session escalated",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return session, nil
}

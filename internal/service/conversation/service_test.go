package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/harbour-desk/backend/internal/service/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/handoff"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/queue"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/retrieval"
	"github.com/zhouzirui/harbour-desk/backend/internal/store"
)

type engineFunc func(ctx context.Context, req ai.Request) (ai.Result, error)

func (f engineFunc) Respond(ctx context.Context, req ai.Request) (ai.Result, error) {
	return f(ctx, req)
}

type staticFetcher struct{ passages []string }

func (f staticFetcher) FetchContext(context.Context, string) retrieval.Context {
	return retrieval.Context{Passages: f.passages}
}

// offTopicModel refuses anything it has no context for by requesting a handoff.
type offTopicModel struct{ calls atomic.Int32 }

func (m *offTopicModel) Complete(_ context.Context, _ []*schema.Message, _ []*schema.ToolInfo) (*schema.Message, error) {
	m.calls.Add(1)
	return schema.AssistantMessage("I apologize, but I do not have information about that.", []schema.ToolCall{{
		ID:       "call-1",
		Function: schema.FunctionCall{Name: ai.CapRequestHandoff, Arguments: `{"reason":"general knowledge question"}`},
	}}), nil
}

type harness struct {
	t        *testing.T
	svc      *Service
	sessions *chatservice.Service
	hub      *realtime.Hub
	customer *realtime.Subscriber
	console  *realtime.Subscriber
	session  chat.Session
}

func newHarness(t *testing.T, engine Engine, cfg Config) *harness {
	t.Helper()
	sessions := chatservice.NewService(store.NewMemoryStore(), zap.NewNop())
	hub := realtime.NewHub(256, zap.NewNop())
	svc := NewService(sessions, staticFetcher{}, engine, handoff.NewDetector(nil), hub, NewWorkers(0), cfg, zap.NewNop())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	session, err := svc.StartSession(context.Background(), chat.ChannelWeb, "visitor-"+t.Name(), chat.Profile{})
	require.NoError(t, err)

	customer := hub.Subscribe("customer")
	hub.Join(session.ID, customer)
	console := hub.Subscribe("console")
	hub.JoinAgents(console)

	return &harness{t: t, svc: svc, sessions: sessions, hub: hub, customer: customer, console: console, session: session}
}

func (h *harness) say(text string) {
	h.t.Helper()
	_, err := h.svc.HandleCustomerMessage(context.Background(), h.session.ID, text, "")
	require.NoError(h.t, err)
	require.NoError(h.t, h.svc.Flush(context.Background(), h.session.ID))
}

func (h *harness) state() chat.State {
	h.t.Helper()
	session, err := h.sessions.GetSession(context.Background(), h.session.ID)
	require.NoError(h.t, err)
	return session.State
}

func (h *harness) transcript() []chat.Message {
	h.t.Helper()
	msgs, err := h.sessions.LoadTranscript(context.Background(), h.session.ID)
	require.NoError(h.t, err)
	return msgs
}

// published returns the messages delivered to sub as message.new events.
func published(sub *realtime.Subscriber) []chat.Message {
	var out []chat.Message
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			if msg, isMsg := ev.Data.(chat.Message); isMsg && ev.Name == realtime.EventMessageNew {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func names(sub *realtime.Subscriber) []string {
	var out []string
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev.Name)
		default:
			return out
		}
	}
}

func TestOffTopicQuestionIsHandedOffAndAssignedOnce(t *testing.T) {
	model := &offTopicModel{}
	engine := ai.NewService(model, nil, nil)
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	require.Equal(t, chat.StateBot, h.state())
	h.say("What is the capital of France?")

	assert.Equal(t, chat.StateQueued, h.state())
	msgs := h.transcript()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.SenderCustomer, msgs[0].Sender)
	assert.Equal(t, chat.SenderSystem, msgs[1].Sender)
	assert.Equal(t, DefaultHandoffNotice, msgs[1].Body)

	assert.Equal(t, []string{realtime.EventMessageNew, realtime.EventAgentHandoff, realtime.EventMessageNew}, names(h.customer))
	assert.Equal(t, []string{realtime.EventUpdateQueue}, names(h.console))

	waiting, err := queue.NewService(h.sessions).List(ctx, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, h.session.ID, waiting[0].ID)

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i, agent := range []string{"agent-a", "agent-b"} {
		wg.Add(1)
		go func(i int, agent string) {
			defer wg.Done()
			_, results[i] = h.svc.Accept(ctx, h.session.ID, agent)
		}(i, agent)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, chat.ErrConflict))
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, chat.StateAssigned, h.state())
	assert.Equal(t, int32(1), model.calls.Load())
}

func TestQueuedSessionNeverReinvokesEngine(t *testing.T) {
	var calls atomic.Int32
	engine := engineFunc(func(context.Context, ai.Request) (ai.Result, error) {
		calls.Add(1)
		return ai.Handoff("needs a person"), nil
	})
	h := newHarness(t, engine, Config{})

	h.say("my order never arrived")
	h.say("hello?")
	h.say("anyone there?")

	assert.Equal(t, int32(1), calls.Load())
	notices := 0
	for _, m := range h.transcript() {
		if m.Sender == chat.SenderSystem {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
	assert.Equal(t, []string{realtime.EventUpdateQueue}, names(h.console))
}

func TestReplyIsLoggedAndPublished(t *testing.T) {
	var seen ai.Request
	engine := engineFunc(func(_ context.Context, req ai.Request) (ai.Result, error) {
		seen = req
		return ai.Reply("We deliver in 3 days."), nil
	})
	h := newHarness(t, engine, Config{})

	h.say("first")
	h.say("how long does delivery take?")

	assert.Equal(t, chat.StateBot, h.state())
	msgs := h.transcript()
	require.Len(t, msgs, 4)
	assert.Equal(t, chat.SenderBot, msgs[3].Sender)
	assert.Equal(t, "We deliver in 3 days.", msgs[3].Body)

	assert.Equal(t, "how long does delivery take?", seen.Query)
	require.Len(t, seen.History, 2, "history excludes the message being answered")
	assert.Equal(t, "first", seen.History[0].Body)
	assert.Len(t, names(h.customer), 4)
}

func TestEngineTimeoutApologisesAndQueues(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, _ ai.Request) (ai.Result, error) {
		<-ctx.Done()
		return ai.Result{}, chat.ErrTimeout
	})
	h := newHarness(t, engine, Config{EngineTimeout: 20 * time.Millisecond})

	h.say("where is my sofa?")

	assert.Equal(t, chat.StateQueued, h.state())
	msgs := h.transcript()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.SenderBot, msgs[1].Sender)
	assert.Equal(t, DefaultEngineFailure, msgs[1].Body)
	assert.Equal(t, []string{realtime.EventUpdateQueue}, names(h.console))
}

func TestEngineDeadlineHoldsWhenEngineIgnoresContext(t *testing.T) {
	engine := engineFunc(func(context.Context, ai.Request) (ai.Result, error) {
		time.Sleep(300 * time.Millisecond)
		return ai.Reply("late"), nil
	})
	h := newHarness(t, engine, Config{EngineTimeout: 20 * time.Millisecond})

	start := time.Now()
	h.say("where is my sofa?")
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	assert.Equal(t, chat.StateQueued, h.state())
	assert.Equal(t, []string{realtime.EventUpdateQueue}, names(h.console))

	time.Sleep(400 * time.Millisecond)
	msgs := h.transcript()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.SenderBot, msgs[1].Sender)
	assert.Equal(t, DefaultEngineFailure, msgs[1].Body)
}

type slowFetcher struct{ delay time.Duration }

func (f slowFetcher) FetchContext(context.Context, string) retrieval.Context {
	time.Sleep(f.delay)
	return retrieval.Context{Passages: []string{"too late"}}
}

func TestSlowRetrievalDoesNotStallReply(t *testing.T) {
	var seen ai.Request
	engine := engineFunc(func(_ context.Context, req ai.Request) (ai.Result, error) {
		seen = req
		return ai.Reply("We open at 9."), nil
	})
	h := newHarness(t, engine, Config{FetchTimeout: 20 * time.Millisecond})
	h.svc.fetcher = slowFetcher{delay: time.Second}

	start := time.Now()
	h.say("when do you open?")
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Empty(t, seen.Context.Passages)
	msgs := h.transcript()
	require.Len(t, msgs, 2)
	assert.Equal(t, "We open at 9.", msgs[1].Body)
	assert.Equal(t, chat.StateBot, h.state())
}

func TestRequestAgentWaitsForMessageInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	engine := engineFunc(func(context.Context, ai.Request) (ai.Result, error) {
		close(started)
		<-release
		return ai.Reply("Your parcel left the depot."), nil
	})
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	_, err := h.svc.HandleCustomerMessage(ctx, h.session.ID, "where is my parcel?", "")
	require.NoError(t, err)
	<-started

	escalated := make(chan error, 1)
	go func() {
		_, err := h.svc.RequestAgent(ctx, h.session.ID, 2, "")
		escalated <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-escalated)
	require.NoError(t, h.svc.Flush(ctx, h.session.ID))

	msgs := h.transcript()
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.SenderCustomer, msgs[0].Sender)
	assert.Equal(t, "Your parcel left the depot.", msgs[1].Body)
	assert.Equal(t, chat.SenderSystem, msgs[2].Sender)
	assert.Equal(t, chat.StateQueued, h.state())

	delivered := published(h.customer)
	require.Len(t, delivered, len(msgs))
	for i := range msgs {
		assert.Equal(t, msgs[i].Seq, delivered[i].Seq)
	}
}

func TestStaleEngineResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	engine := engineFunc(func(context.Context, ai.Request) (ai.Result, error) {
		close(started)
		<-release
		return ai.Reply("late answer"), nil
	})
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	_, err := h.svc.HandleCustomerMessage(ctx, h.session.ID, "question", "")
	require.NoError(t, err)
	<-started

	_, _, err = h.sessions.RequestHandoff(ctx, h.session.ID, 1)
	require.NoError(t, err)
	close(release)
	require.NoError(t, h.svc.Flush(ctx, h.session.ID))

	for _, m := range h.transcript() {
		assert.NotEqual(t, "late answer", m.Body)
	}
	assert.Equal(t, chat.StateQueued, h.state())
}

func TestCloseIsIdempotentAndRejectsInput(t *testing.T) {
	h := newHarness(t, engineFunc(func(context.Context, ai.Request) (ai.Result, error) {
		return ai.Reply("ok"), nil
	}), Config{})
	ctx := context.Background()

	first, err := h.svc.Close(ctx, h.session.ID)
	require.NoError(t, err)
	second, err := h.svc.Close(ctx, h.session.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StateClosed, second.State)
	assert.True(t, first.ClosedAt.Equal(*second.ClosedAt))
	assert.Equal(t, []string{realtime.EventChatClosed}, names(h.customer))

	_, err = h.svc.HandleCustomerMessage(ctx, h.session.ID, "hello?", "")
	assert.True(t, errors.Is(err, chat.ErrConflict))
	_, err = h.svc.AgentMessage(ctx, h.session.ID, "hi", chat.SenderAgent)
	assert.True(t, errors.Is(err, chat.ErrConflict))
}

func TestAgentMessageDoesNotInvokeEngine(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, engineFunc(func(context.Context, ai.Request) (ai.Result, error) {
		calls.Add(1)
		return ai.Reply("bot"), nil
	}), Config{})
	ctx := context.Background()

	_, err := h.svc.RequestAgent(ctx, h.session.ID, 0, "")
	require.NoError(t, err)
	_, err = h.svc.Accept(ctx, h.session.ID, "agent-1")
	require.NoError(t, err)

	msg, err := h.svc.AgentMessage(ctx, h.session.ID, "Hi, I'm Sam from support.", "")
	require.NoError(t, err)
	assert.Equal(t, chat.SenderAgent, msg.Sender)

	h.say("thanks Sam")
	assert.Equal(t, int32(0), calls.Load())

	_, err = h.svc.AgentMessage(ctx, h.session.ID, "x", chat.SenderCustomer)
	assert.True(t, errors.Is(err, chat.ErrValidation))
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/harbour-desk/backend/internal/service/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/conversation"
	"github.com/zhouzirui/harbour-desk/backend/internal/store"
)

type echoEngine struct{}

func (echoEngine) Respond(_ context.Context, req ai.Request) (ai.Result, error) {
	return ai.Reply("echo: " + req.Query), nil
}

type frame struct {
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

func setupServer(t *testing.T) (*httptest.Server, *conversation.Service) {
	t.Helper()
	sessions := chatservice.NewService(store.NewMemoryStore(), zap.NewNop())
	hub := realtime.NewHub(64, zap.NewNop())
	conv := conversation.NewService(sessions, nil, echoEngine{}, nil, hub, nil, conversation.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = conv.Shutdown(context.Background()) })

	r := chi.NewRouter()
	NewHandler(conv, hub, zap.NewNop()).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, conv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// waitFor reads frames until one matches or the deadline passes.
func waitFor(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

// barrier returns once every frame sent before it has been handled.
func barrier(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, "barrier", nil)
	waitFor(t, conn, func(f frame) bool { return f.Event == realtime.EventError })
}

func messageFrom(sender chat.Sender) func(frame) bool {
	return func(f frame) bool {
		if f.Event != realtime.EventMessageNew {
			return false
		}
		var msg chat.Message
		_ = json.Unmarshal(f.Data, &msg)
		return msg.Sender == sender
	}
}

func TestCustomerReceivesBotReply(t *testing.T) {
	srv, conv := setupServer(t)
	session, err := conv.StartSession(context.Background(), chat.ChannelWeb, "visitor-1", chat.Profile{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	conn := dial(t, srv)
	send(t, conn, EventJoinCustomer, map[string]string{"session_id": session.ID})
	send(t, conn, EventMessageCustomer, map[string]string{"session_id": session.ID, "text": "hello"})

	waitFor(t, conn, messageFrom(chat.SenderCustomer))
	f := waitFor(t, conn, messageFrom(chat.SenderBot))

	var msg chat.Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Body != "echo: hello" || f.SessionID != session.ID {
		t.Fatalf("unexpected bot frame: %+v body=%q", f, msg.Body)
	}
}

func TestAgentAcceptFlow(t *testing.T) {
	srv, conv := setupServer(t)
	ctx := context.Background()
	session, _ := conv.StartSession(ctx, chat.ChannelWeb, "visitor-2", chat.Profile{})
	if _, err := conv.RequestAgent(ctx, session.ID, 1, "test"); err != nil {
		t.Fatalf("RequestAgent: %v", err)
	}

	customer := dial(t, srv)
	send(t, customer, EventJoinCustomer, map[string]string{"session_id": session.ID})
	barrier(t, customer)

	agent := dial(t, srv)
	send(t, agent, EventJoinAgent, nil)
	send(t, agent, EventAgentAccept, map[string]string{"session_id": session.ID, "agent_id": "agent-9"})

	waitFor(t, agent, func(f frame) bool { return f.Event == realtime.EventAgentAssigned && f.SessionID == session.ID })
	waitFor(t, customer, func(f frame) bool { return f.Event == realtime.EventAgentAssigned })

	send(t, agent, EventMessageAgent, map[string]string{"session_id": session.ID, "text": "Hi, I am here", "sender": "agent"})
	waitFor(t, customer, messageFrom(chat.SenderAgent))

	send(t, customer, EventMessageCustomer, map[string]string{"session_id": session.ID, "text": "thanks"})
	waitFor(t, agent, messageFrom(chat.SenderCustomer))

	send(t, agent, EventChatClose, map[string]string{"session_id": session.ID})
	waitFor(t, customer, func(f frame) bool { return f.Event == realtime.EventChatClosed })

	got, _ := conv.Sessions().GetSession(ctx, session.ID)
	if got.State != chat.StateClosed || got.AgentID != "agent-9" {
		t.Fatalf("unexpected final session: %+v", got)
	}
}

func TestProtocolErrors(t *testing.T) {
	srv, _ := setupServer(t)
	conn := dial(t, srv)

	send(t, conn, "dance", nil)
	f := waitFor(t, conn, func(f frame) bool { return f.Event == realtime.EventError })
	if !strings.Contains(string(f.Data), "unknown event") {
		t.Fatalf("unexpected error frame: %s", f.Data)
	}

	send(t, conn, EventJoinCustomer, map[string]string{"session_id": "missing"})
	f = waitFor(t, conn, func(f frame) bool { return f.Event == realtime.EventError })
	if !strings.Contains(string(f.Data), "not found") {
		t.Fatalf("expected not found, got %s", f.Data)
	}
}

func TestRejectedAcceptDoesNotFollowSession(t *testing.T) {
	srv, conv := setupServer(t)
	ctx := context.Background()
	session, _ := conv.StartSession(ctx, chat.ChannelWeb, "visitor-3", chat.Profile{})

	agent := dial(t, srv)
	send(t, agent, EventJoinAgent, nil)
	send(t, agent, EventAgentAccept, map[string]string{"session_id": session.ID, "agent_id": "agent-9"})
	waitFor(t, agent, func(f frame) bool { return f.Event == realtime.EventError })

	if _, err := conv.AgentMessage(ctx, session.ID, "internal note", chat.SenderSystem); err != nil {
		t.Fatalf("AgentMessage: %v", err)
	}
	send(t, agent, "barrier", nil)
	waitFor(t, agent, func(f frame) bool {
		if f.Event == realtime.EventMessageNew {
			t.Fatalf("agent received a message for a session it never accepted: %s", f.Data)
		}
		return f.Event == realtime.EventError
	})
}

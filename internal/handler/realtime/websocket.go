package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/conversation"
)

// Inbound event names.
const (
	EventJoinCustomer    = "join.customer"
	EventMessageCustomer = "message.customer"
	EventJoinAgent       = "join.agent"
	EventJoinChat        = "join.chat"
	EventAgentAccept     = "agent.accept"
	EventMessageAgent    = "message.agent"
	EventChatClose       = "chat.close"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 64 << 10
)

// Handler serves the realtime socket protocol.
type Handler struct {
	conv     *conversation.Service
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates the socket handler.
func NewHandler(conv *conversation.Service, hub *realtime.Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		conv: conv,
		hub:  hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logger.Named("websocket"),
	}
}

// RegisterRoutes mounts the socket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type frameData struct {
	SessionID  string `json:"session_id"`
	AgentID    string `json:"agent_id"`
	Text       string `json:"text"`
	Attachment string `json:"attachment"`
	Sender     string `json:"sender"`
}

type connection struct {
	id     string
	conn   *websocket.Conn
	sub    *realtime.Subscriber
	direct chan realtime.Event
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	c := &connection{
		id:     id,
		conn:   conn,
		sub:    h.hub.Subscribe(id),
		direct: make(chan realtime.Event, 16),
	}
	defer h.hub.Remove(c.sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.log.Debug("connection opened", zap.String("conn_id", id))
	go h.writePump(ctx, cancel, c)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("read error", zap.String("conn_id", id), zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := h.dispatch(ctx, c, frame); err != nil {
			h.sendError(c, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, c *connection, frame inboundFrame) error {
	var data frameData
	if len(frame.Data) > 0 && string(frame.Data) != "null" {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return chat.Validationf("invalid data for %s", frame.Event)
		}
	}

	switch frame.Event {
	case EventJoinCustomer, EventJoinChat:
		if _, err := h.conv.Sessions().GetSession(ctx, data.SessionID); err != nil {
			return err
		}
		h.hub.Join(data.SessionID, c.sub)
		return nil

	case EventJoinAgent:
		h.hub.JoinAgents(c.sub)
		return nil

	case EventMessageCustomer:
		_, err := h.conv.HandleCustomerMessage(ctx, data.SessionID, data.Text, data.Attachment)
		return err

	case EventAgentAccept:
		// Join first so the accepting agent sees agent.assigned and every
		// message published after it.
		following := h.hub.InTopic(data.SessionID, c.sub)
		h.hub.Join(data.SessionID, c.sub)
		if _, err := h.conv.Accept(ctx, data.SessionID, data.AgentID); err != nil {
			if !following {
				h.hub.Leave(data.SessionID, c.sub)
			}
			return err
		}
		return nil

	case EventMessageAgent:
		_, err := h.conv.AgentMessage(ctx, data.SessionID, data.Text, chat.Sender(data.Sender))
		return err

	case EventChatClose:
		_, err := h.conv.Close(ctx, data.SessionID)
		return err
	}

	return chat.Validationf("unknown event %q", frame.Event)
}

// writePump is the only goroutine writing to the socket.
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case ev, ok := <-c.sub.Events():
			if !ok {
				h.log.Info("subscriber dropped, closing connection", zap.String("conn_id", c.id))
				return
			}
			if err := h.write(c, ev); err != nil {
				return
			}
		case ev := <-c.direct:
			if err := h.write(c, ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(c *connection, ev realtime.Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		h.log.Debug("write failed", zap.String("conn_id", c.id), zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) sendError(c *connection, err error) {
	message := err.Error()
	if !isClientError(err) {
		h.log.Error("socket request failed", zap.String("conn_id", c.id), zap.Error(err))
		message = "internal error"
	}
	select {
	case c.direct <- realtime.Event{Name: realtime.EventError, Data: map[string]string{"message": message}}:
	default:
		h.log.Warn("error frame dropped", zap.String("conn_id", c.id))
	}
}

func isClientError(err error) bool {
	for _, target := range []error{chat.ErrValidation, chat.ErrNotFound, chat.ErrConflict, chat.ErrTimeout, chat.ErrUpstream} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

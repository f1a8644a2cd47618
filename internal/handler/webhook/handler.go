package webhook

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/pkg/utils"
)

// Router is the conversation surface the webhook feeds.
type Router interface {
	StartSession(ctx context.Context, channel chat.Channel, externalID string, profile chat.Profile) (chat.Session, error)
	HandleCustomerMessage(ctx context.Context, sessionID, text, attachment string) (chat.Message, error)
}

// Attacher starts mirroring a session's replies back to Messenger.
type Attacher interface {
	Attach(session chat.Session) bool
}

// Handler receives Messenger platform callbacks.
type Handler struct {
	conv        Router
	relay       Attacher
	verifyToken string
	log         *zap.Logger
}

// New creates the webhook handler. relay may be nil when outbound delivery
// is not configured.
func New(conv Router, relay Attacher, verifyToken string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{conv: conv, relay: relay, verifyToken: verifyToken, log: logger.Named("webhook")}
}

// RegisterRoutes mounts the webhook endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/webhook", h.handleVerify)
	r.Post("/webhook", h.handleEvent)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "" || token == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if mode != "subscribe" || h.verifyToken == "" || token != h.verifyToken {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	h.log.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

type eventPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string           `json:"id"`
	Messaging []messagingEvent `json:"messaging"`
}

type messagingEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var payload eventPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Object != "page" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	for _, e := range payload.Entry {
		for _, ev := range e.Messaging {
			h.handleMessaging(r.Context(), ev)
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}

// handleMessaging never fails the callback: the platform retries non-200
// responses, which would duplicate messages.
func (h *Handler) handleMessaging(ctx context.Context, ev messagingEvent) {
	psid := ev.Sender.ID
	if psid == "" || ev.Message == nil {
		return
	}
	text := ev.Message.Text
	attachment := ""
	if len(ev.Message.Attachments) > 0 {
		attachment = ev.Message.Attachments[0].Payload.URL
	}
	if text == "" && attachment == "" {
		return
	}

	session, err := h.conv.StartSession(ctx, chat.ChannelFacebook, psid, chat.Profile{})
	if err != nil {
		h.log.Error("resolve messenger session", zap.String("psid", psid), zap.Error(err))
		return
	}
	if h.relay != nil {
		h.relay.Attach(session)
	}

	if _, err := h.conv.HandleCustomerMessage(ctx, session.ID, text, attachment); err != nil {
		h.log.Warn("messenger message rejected",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

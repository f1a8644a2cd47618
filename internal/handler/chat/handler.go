package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/conversation"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/queue"
	"github.com/zhouzirui/harbour-desk/backend/pkg/utils"
)

// Handler serves the chat and queue REST API.
type Handler struct {
	conv  *conversation.Service
	queue *queue.Service
}

// New creates the chat handler.
func New(conv *conversation.Service, queueSvc *queue.Service) *Handler {
	return &Handler{conv: conv, queue: queueSvc}
}

// RegisterRoutes mounts the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/start", h.handleStart)
	r.Get("/queue", h.handleQueue)
	r.Get("/agent/{agentID}/assigned", h.handleAssigned)

	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/request-agent", h.handleRequestAgent)
		r.Post("/assign", h.handleAssign)
		r.Post("/close", h.handleClose)
		r.Get("/messages", h.handleMessages)
		r.Post("/messages", h.handlePostMessage)
		r.Post("/read", h.handleMarkRead)
		r.Post("/rate", h.handleRate)
		r.Post("/upgrade", h.handleUpgrade)
	})
}

type sessionView struct {
	chat.Session
	QueuePosition int `json:"queuePosition,omitempty"`
}

func (h *Handler) view(ctx context.Context, session chat.Session) sessionView {
	v := sessionView{Session: session}
	if session.State == chat.StateQueued && h.queue != nil {
		if pos, err := h.queue.Position(ctx, session.ID); err == nil {
			v.QueuePosition = pos
		}
	}
	return v
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Channel         string `json:"channel"`
		ExternalID      string `json:"externalId"`
		UserType        string `json:"userType"`
		CustomerName    string `json:"customerName"`
		CustomerContact string `json:"customerContact"`
	}
	if err := decode(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	channel, ok := chat.ParseChannel(payload.Channel)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	externalID := strings.TrimSpace(payload.ExternalID)
	if externalID == "" && channel == chat.ChannelWeb {
		// Anonymous widget visitors get a fresh identity.
		externalID = uuid.NewString()
	}

	userType := chat.UserType(strings.ToLower(strings.TrimSpace(payload.UserType)))
	if userType != "" && userType != chat.UserGuest && userType != chat.UserRegistered {
		utils.RespondError(w, http.StatusBadRequest, "unknown userType")
		return
	}

	session, err := h.conv.StartSession(r.Context(), channel, externalID, chat.Profile{
		UserType:        userType,
		CustomerName:    strings.TrimSpace(payload.CustomerName),
		CustomerContact: strings.TrimSpace(payload.CustomerContact),
	})
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	session, err := h.conv.Sessions().GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(r.Context(), session))
}

func (h *Handler) handleRequestAgent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Priority int    `json:"priority"`
		Reason   string `json:"reason"`
	}
	if err := decode(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.conv.RequestAgent(r.Context(), chi.URLParam(r, "sessionID"), payload.Priority, payload.Reason)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.view(r.Context(), session))
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := queue.Filter{}

	if raw := query.Get("channel"); raw != "" {
		channel, ok := chat.ParseChannel(raw)
		if !ok {
			utils.RespondError(w, http.StatusBadRequest, "unknown channel")
			return
		}
		filter.Channel = channel
	}
	var err error
	if raw := query.Get("minPriority"); raw != "" {
		floor, err := intParam(raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "minPriority must be an integer")
			return
		}
		filter.MinPriority = &floor
	}
	if filter.Limit, err = intParam(query.Get("limit")); err != nil || filter.Limit < 0 {
		utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	sessions, err := h.queue.List(r.Context(), filter)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AgentID string `json:"agentId"`
	}
	if err := decode(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.conv.Accept(r.Context(), chi.URLParam(r, "sessionID"), payload.AgentID)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	session, err := h.conv.Close(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		utils.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	var messages []chat.Message
	if limit > 0 {
		messages, err = h.conv.Sessions().RecentMessages(r.Context(), sessionID, limit)
	} else {
		messages, err = h.conv.Sessions().LoadTranscript(r.Context(), sessionID)
	}
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text       string `json:"text"`
		Attachment string `json:"attachment"`
		Sender     string `json:"sender"`
	}
	if err := decode(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sender := chat.Sender(strings.ToLower(strings.TrimSpace(payload.Sender)))
	if sender == "" {
		sender = chat.SenderCustomer
	}
	if !sender.Valid() {
		utils.RespondError(w, http.StatusBadRequest, "unknown sender")
		return
	}

	var (
		msg chat.Message
		err error
	)
	if sender == chat.SenderCustomer {
		msg, err = h.conv.HandleCustomerMessage(r.Context(), sessionID, payload.Text, payload.Attachment)
	} else {
		msg, err = h.conv.AgentMessage(r.Context(), sessionID, payload.Text, sender)
	}
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, msg)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Seq int64 `json:"seq"`
	}
	if err := decode(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	marked, err := h.conv.Sessions().MarkRead(r.Context(), chi.URLParam(r, "sessionID"), payload.Seq)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]int{"marked": marked})
}

func (h *Handler) handleAssigned(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.conv.Sessions().AssignedTo(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessions)
}

func (h *Handler) handleRate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Rating  int    `json:"rating"`
		Message string `json:"message"`
	}
	if err := decode(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.conv.Sessions().Rate(r.Context(), chi.URLParam(r, "sessionID"), payload.Rating, payload.Message)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name    string `json:"name"`
		Contact string `json:"contact"`
	}
	if err := decode(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.conv.Sessions().UpdateProfile(r.Context(), chi.URLParam(r, "sessionID"), payload.Name, payload.Contact)
	if err != nil {
		utils.RespondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// decode tolerates an empty body so endpoints with optional payloads accept bare POSTs.
func decode(r *http.Request, into any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(into)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func intParam(raw string) (int, error) {
	if raw = strings.TrimSpace(raw); raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

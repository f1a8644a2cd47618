package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
	chatservice "github.com/zhouzirui/harbour-desk/backend/internal/service/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/conversation"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/queue"
	"github.com/zhouzirui/harbour-desk/backend/internal/store"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	sessions := chatservice.NewService(store.NewMemoryStore(), zap.NewNop())
	hub := realtime.NewHub(16, zap.NewNop())
	conv := conversation.NewService(sessions, nil, nil, nil, hub, nil, conversation.Config{}, zap.NewNop())
	t.Cleanup(func() { _ = conv.Shutdown(context.Background()) })

	return NewRouter(Deps{
		Conversation:   conv,
		Queue:          queue.NewService(sessions),
		Hub:            hub,
		VerifyToken:    "token",
		AllowedOrigins: []string{"https://desk.example"},
	})
}

func TestRouterMountsSurfaces(t *testing.T) {
	r := newTestRouter(t)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodPost, "/api/chat/start", `{"channel":"web"}`, http.StatusCreated},
		{http.MethodGet, "/api/chat/queue", "", http.StatusOK},
		{http.MethodGet, "/api/chat/webhook?hub.mode=subscribe&hub.verify_token=token&hub.challenge=ok", "", http.StatusOK},
		{http.MethodGet, "/api/chat/missing", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, tc.want, resp.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRouterAppliesCORS(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/queue", nil)
	req.Header.Set("Origin", "https://desk.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "https://desk.example", resp.Header().Get("Access-Control-Allow-Origin"))
}

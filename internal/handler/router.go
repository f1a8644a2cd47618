package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/harbour-desk/backend/internal/handler/chat"
	realtimeHandler "github.com/zhouzirui/harbour-desk/backend/internal/handler/realtime"
	"github.com/zhouzirui/harbour-desk/backend/internal/handler/webhook"
	middlewarePkg "github.com/zhouzirui/harbour-desk/backend/internal/middleware"
	"github.com/zhouzirui/harbour-desk/backend/internal/realtime"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/conversation"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/queue"
	"github.com/zhouzirui/harbour-desk/backend/pkg/utils"
)

// Deps are the services the HTTP surface is wired to.
type Deps struct {
	Conversation   *conversation.Service
	Queue          *queue.Service
	Hub            *realtime.Hub
	Relay          webhook.Attacher
	VerifyToken    string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	chatHandler := chat.New(deps.Conversation, deps.Queue)
	webhookHandler := webhook.New(deps.Conversation, deps.Relay, deps.VerifyToken, logger)
	socketHandler := realtimeHandler.NewHandler(deps.Conversation, deps.Hub, logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Route("/chat", func(cr chi.Router) {
			// Static webhook routes take precedence over /{sessionID}.
			webhookHandler.RegisterRoutes(cr)
			chatHandler.RegisterRoutes(cr)
		})

		socketHandler.RegisterRoutes(api)
	})

	return r
}

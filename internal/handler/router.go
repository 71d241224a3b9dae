package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-tavern/personabot/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/handler/persona"
	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	personaModel "github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/pkg/utils"
)

// Deps 汇总路由依赖的核心服务。
type Deps struct {
	Personas  personaModel.Store
	Sessions  chat.Sessions
	Histories chat.Histories
	// Backends 返回当前可用的模型后端，用于健康检查。
	Backends func() []string
	Logger   *slog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := logging.Or(deps.Logger, logging.CompHTTP)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(logger.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	personaHandler := persona.New(deps.Personas)
	chatHandler := chat.New(deps.Sessions, deps.Histories, logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		var backends []string
		if deps.Backends != nil {
			backends = deps.Backends()
		}
		state := "ok"
		if len(backends) == 0 {
			state = "degraded"
		}
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   state,
			"sessions": len(deps.Sessions.Sessions()),
			"backends": backends,
		})
	})

	r.Route("/api", func(api chi.Router) {
		personaHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
	})

	return r
}

package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/personabot/internal/logging"
	"github.com/zhouzirui/z-tavern/personabot/internal/model/chat"
	"github.com/zhouzirui/z-tavern/personabot/internal/platform"
	"github.com/zhouzirui/z-tavern/personabot/internal/service/session"
	"github.com/zhouzirui/z-tavern/personabot/pkg/utils"
)

// CallerHeader 标识发起召唤/解散请求的用户。
const CallerHeader = "X-Caller-ID"

// Sessions 是会话注册表对 HTTP 层暴露的能力。
type Sessions interface {
	Toggle(ctx context.Context, channelID, personaID, caller string) (session.Action, error)
	Sessions() []chat.SessionInfo
}

// Histories 是历史存储对 HTTP 层暴露的能力。
type Histories interface {
	Load(ctx context.Context, channelID, personaID string) (chat.History, error)
	Reset(ctx context.Context, channelID, personaID string) error
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	sessions  Sessions
	histories Histories
	logger    *slog.Logger
}

// New 创建聊天处理器
func New(sessions Sessions, histories Histories, logger *slog.Logger) *Handler {
	return &Handler{
		sessions:  sessions,
		histories: histories,
		logger:    logging.Or(logger, logging.CompHTTP),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Route("/channels/{channelID}/personas/{personaID}", func(r chi.Router) {
		r.Post("/toggle", h.handleToggle)
		r.Get("/history", h.handleGetHistory)
		r.Delete("/history", h.handleResetHistory)
	})
}

// handleToggle 召唤或解散 persona
func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	personaID := chi.URLParam(r, "personaID")
	caller := r.Header.Get(CallerHeader)
	if caller == "" {
		caller = "http"
	}

	action, err := h.sessions.Toggle(r.Context(), channelID, personaID, caller)
	if err != nil {
		status, message := toggleStatus(err)
		h.logger.Warn("toggle request failed", "channel", channelID, "persona", personaID, "status", status, "error", err)
		utils.RespondError(w, status, message)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"action":    string(action),
		"channelId": channelID,
		"personaId": personaID,
	})
}

func toggleStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrPersonaNotFound):
		return http.StatusNotFound, "persona not found"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, session.ErrProxyInUse):
		return http.StatusConflict, "another persona with the same name is active in this channel"
	case errors.Is(err, platform.ErrPermissionDenied):
		return http.StatusForbidden, "missing permission to manage webhooks in this channel"
	case errors.Is(err, platform.ErrRateLimited):
		return http.StatusTooManyRequests, "rate limited by platform, try again later"
	default:
		return http.StatusBadGateway, "could not create persona proxy"
	}
}

// handleListSessions 列出活跃会话
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.sessions.Sessions())
}

// handleGetHistory 查询历史
func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	personaID := chi.URLParam(r, "personaID")

	turns, err := h.histories.Load(r.Context(), channelID, personaID)
	if err != nil {
		h.logger.Error("history load failed", "channel", channelID, "persona", personaID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"channelId": channelID,
		"personaId": personaID,
		"turns":     turns,
	})
}

// handleResetHistory 清空历史
func (h *Handler) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	personaID := chi.URLParam(r, "personaID")

	if err := h.histories.Reset(r.Context(), channelID, personaID); err != nil {
		h.logger.Error("history reset failed", "channel", channelID, "persona", personaID, "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "history reset failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

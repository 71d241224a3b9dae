package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/personabot/internal/model/persona"
	"github.com/zhouzirui/z-tavern/personabot/pkg/utils"
)

// Handler persona服务的HTTP处理器
type Handler struct {
	personas persona.Store
}

// New 创建persona处理器
func New(personas persona.Store) *Handler {
	return &Handler{
		personas: personas,
	}
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
	r.Get("/personas/{personaID}", h.handleGetPersona)
}

// summary 是对外暴露的 persona 信息，不包含系统指令。
type summary struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"displayName"`
	Title              string `json:"title,omitempty"`
	AvatarURL          string `json:"avatarUrl,omitempty"`
	NameRecognition    bool   `json:"nameRecognitionEnabled"`
	RespondToOtherBots bool   `json:"respondToOtherBots"`
	ReplyDelayMs       int    `json:"replyDelayMs"`
}

func toSummary(p persona.Profile) summary {
	return summary{
		ID:                 p.ID,
		DisplayName:        p.DisplayName,
		Title:              p.Title,
		AvatarURL:          p.AvatarURL,
		NameRecognition:    p.NameRecognition,
		RespondToOtherBots: p.RespondToOtherBots,
		ReplyDelayMs:       p.ReplyDelayMs,
	}
}

// handleListPersonas 列出所有persona
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	personas := h.personas.List()
	out := make([]summary, 0, len(personas))
	for _, p := range personas {
		out = append(out, toSummary(p))
	}
	utils.RespondJSON(w, http.StatusOK, out)
}

// handleGetPersona 查询单个persona
func (h *Handler) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, ok := h.personas.FindByID(chi.URLParam(r, "personaID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "persona not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, toSummary(p))
}

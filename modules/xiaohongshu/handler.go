package xiaohongshu

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/response"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/provider"
)

type Handler struct {
	service  *Service
	registry *provider.Registry
}

func NewHandler(service *Service, registry *provider.Registry) *Handler {
	return &Handler{service: service, registry: registry}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/xiaohongshu/copy", h.HandleCopy).Methods("POST")
	r.HandleFunc("/api/xiaohongshu/cover", h.HandleCover).Methods("POST")
	log.Println("✅ Xiaohongshu routes registered: /api/xiaohongshu/copy, /api/xiaohongshu/cover")
}

// HandleCopy - POST /api/xiaohongshu/copy
func (h *Handler) HandleCopy(w http.ResponseWriter, r *http.Request) {
	var req CopyRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		response.BadRequest(w, "请输入笔记主题", "Topic is required")
		return
	}

	p, err := provider.FromRequest(r, h.registry)
	if err != nil {
		generate.RespondError(w, err)
		return
	}

	c, err := h.service.GenerateCopy(r.Context(), p, req)
	if err != nil {
		generate.RespondError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"title":   c.Title,
		"content": c.Content,
		"tags":    c.Tags,
	})
}

// HandleCover - POST /api/xiaohongshu/cover
func (h *Handler) HandleCover(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req CoverRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		response.BadRequest(w, "请输入封面标题", "Title is required")
		return
	}

	p, err := provider.FromRequest(r, h.registry)
	if err != nil {
		generate.RespondError(w, err)
		return
	}

	outcome, err := h.service.GenerateCover(r.Context(), user.ID, p, req)
	if err != nil {
		generate.RespondError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, generate.GenerateResponse{
		Success:        true,
		ImageURL:       outcome.ImageURL,
		Model:          outcome.Model,
		RemainingQuota: outcome.Remaining,
	})
}

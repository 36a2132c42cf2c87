package edit

import (
	"errors"
	"log"
	"net/http"

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
	return &Handler{
		service:  service,
		registry: registry,
	}
}

// RegisterRoutes - 인증 필요 라우트
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/edit", h.HandleEdit).Methods("POST")
	log.Println("✅ Edit routes registered: /api/edit")
}

// RegisterPublicRoutes - 공개 라우트
func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/api/edit/tools", h.HandleListTools).Methods("GET")
}

// HandleListTools - GET /api/edit/tools
func (h *Handler) HandleListTools(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tools":   Tools(),
	})
}

// HandleEdit - POST /api/edit
func (h *Handler) HandleEdit(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req EditRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}

	p, err := provider.FromRequest(r, h.registry)
	if err != nil {
		generate.RespondError(w, err)
		return
	}

	outcome, err := h.service.Edit(r.Context(), user.ID, p, req)
	if err != nil {
		respondEditError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, EditResponse{
		Success:        true,
		Tool:           req.Tool,
		ImageURL:       outcome.ImageURL,
		Model:          outcome.Model,
		RemainingQuota: outcome.Remaining,
	})
}

func respondEditError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownTool):
		response.Error(w, http.StatusBadRequest, "unknown_tool", "不支持的工具", "Unknown tool")
	case errors.Is(err, ErrImageRequired):
		response.Error(w, http.StatusBadRequest, "image_required", "请上传图片", "Please upload an image")
	case errors.Is(err, ErrMaskRequired):
		response.Error(w, http.StatusBadRequest, "mask_required", "请先涂抹需要修改的区域", "Please paint the area to edit")
	case errors.Is(err, ErrPromptRequired):
		response.Error(w, http.StatusBadRequest, "prompt_required", "请输入描述", "Please enter a description")
	case errors.Is(err, ErrInvalidOption):
		response.Error(w, http.StatusBadRequest, "invalid_option", "参数无效", err.Error())
	default:
		generate.RespondError(w, err)
	}
}

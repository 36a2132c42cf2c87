package flowchart

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"imagine-engine-server/modules/common/response"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/flowchart/render", h.HandleRender).Methods("POST")
	log.Println("✅ Flowchart routes registered: /api/flowchart/render")
}

// HandleRender - POST /api/flowchart/render → image/svg+xml 또는 image/png
func (h *Handler) HandleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}

	if err := req.Normalize(); err != nil {
		if errors.Is(err, ErrInvalidChart) {
			response.Error(w, http.StatusBadRequest, "invalid_flowchart", "流程图数据无效", err.Error())
			return
		}
		response.Internal(w)
		return
	}

	var (
		body        []byte
		contentType string
	)
	switch req.Format {
	case FormatPNG:
		data, err := RenderPNG(&req)
		if err != nil {
			log.Printf("❌ [Flowchart] PNG render failed: %v", err)
			response.Internal(w)
			return
		}
		body, contentType = data, "image/png"
	default:
		body, contentType = RenderSVG(&req), "image/svg+xml"
	}

	log.Printf("📊 [Flowchart] Rendered %d nodes, %d edges as %s (%d bytes)", len(req.Nodes), len(req.Edges), req.Format, len(body))

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Content-Disposition", `inline; filename="flowchart.`+req.Format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

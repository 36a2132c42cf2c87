package realtime

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/response"
)

// Handler - /ws, /metrics
type Handler struct {
	hub      *Hub
	verifier auth.Verifier
	upgrader websocket.Upgrader
}

// NewHandler - allowedOrigins가 비어 있거나 "*"이면 모든 origin 허용
func NewHandler(hub *Hub, verifier auth.Verifier, allowedOrigins string) *Handler {
	origins := make(map[string]bool)
	for _, origin := range strings.Split(allowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins[origin] = true
		}
	}

	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || origins["*"] || origins[origin]
			},
		},
	}
}

// RegisterPublicRoutes - 토큰은 쿼리(?token=)로 받으므로 인증 서브라우터 밖에 등록
func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.Handle("/ws", auth.Middleware(h.verifier)(http.HandlerFunc(h.HandleWebSocket))).Methods("GET")
	r.HandleFunc("/metrics", h.HandleMetrics).Methods("GET")
	log.Println("✅ Realtime routes registered: /ws, /metrics")
}

// HandleWebSocket - GET /ws?token=...
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		response.Unauthorized(w)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ [Realtime] WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.newClient(conn, user.ID)
	h.hub.Register(client)
	h.hub.deliver(client, Message{Type: TypeConnected, UserID: user.ID})

	go client.writePump()
	go client.readPump()
}

// HandleMetrics - GET /metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, clients, users := h.hub.Snapshot()

	response.JSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]interface{}{
			"uptime":           time.Since(metrics.StartTime).String(),
			"startTime":        metrics.StartTime,
			"totalConnections": metrics.TotalConnections,
			"droppedClients":   metrics.DroppedClients,
			"currentClients":   clients,
			"activeUsers":      users,
		},
	})
}

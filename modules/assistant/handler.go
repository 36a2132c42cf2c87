package assistant

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/response"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

// MaxHistory - 모델에 전달하는 최근 메시지 수
const MaxHistory = 20

// SSE events
const (
	EventDelta = "delta"
	EventError = "error"
	EventDone  = "done"
)

const systemPrompt = `You are the creative assistant of Imagine Engine, an AI image studio.
Help users write and refine image prompts, pick an editing tool (remove-bg, upscale, style-transfer, id-photo, enhance, inpaint, icon), and plan social media visuals.
Keep answers concise. When you suggest a prompt, put it on its own line so it can be copied.
Reply in the language the user writes in.`

// Chatter - 채팅 백엔드
type Chatter interface {
	Chat(ctx context.Context, p provider.Provider, messages []imageapi.ChatMessage, model string) (string, error)
	ChatStream(ctx context.Context, p provider.Provider, messages []imageapi.ChatMessage, model string, onDelta func(string) error) (string, error)
}

type ChatRequest struct {
	Messages []imageapi.ChatMessage `json:"messages"`
	Model    string                 `json:"model"`
	Stream   bool                   `json:"stream"`
}

type ChatResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

type DeltaEvent struct {
	Content string `json:"content"`
}

type DoneEvent struct {
	Content string `json:"content"`
}

type Handler struct {
	chat     Chatter
	registry *provider.Registry
}

func NewHandler(chat Chatter, registry *provider.Registry) *Handler {
	return &Handler{chat: chat, registry: registry}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/assistant/chat", h.HandleChat).Methods("POST")
	log.Println("✅ Assistant routes registered: /api/assistant/chat")
}

// HandleChat - POST /api/assistant/chat (이미지 쿼터 차감 없음)
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req ChatRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}

	history := BuildHistory(req.Messages)
	if len(history) == 0 || history[len(history)-1].Role != imageapi.RoleUser {
		response.BadRequest(w, "请输入消息", "A user message is required")
		return
	}

	p, err := provider.FromRequest(r, h.registry)
	if err != nil {
		generate.RespondError(w, err)
		return
	}

	messages := append([]imageapi.ChatMessage{{Role: imageapi.RoleSystem, Content: systemPrompt}}, history...)
	log.Printf("💬 [Assistant] User %s: %d messages, stream=%v", user.ID, len(history), req.Stream)

	if !req.Stream {
		content, err := h.chat.Chat(r.Context(), p, messages, req.Model)
		if err != nil {
			log.Printf("❌ [Assistant] Chat failed for user %s: %v", user.ID, err)
			response.Error(w, http.StatusBadGateway, "upstream_failed", "助手暂时不可用，请稍后再试", "Assistant is unavailable, please try again")
			return
		}
		response.JSON(w, http.StatusOK, ChatResponse{Success: true, Content: content})
		return
	}

	sse, err := response.NewSSE(w)
	if err != nil {
		response.Internal(w)
		return
	}

	content, err := h.chat.ChatStream(r.Context(), p, messages, req.Model, func(delta string) error {
		return sse.Send(EventDelta, DeltaEvent{Content: delta})
	})
	if err != nil {
		log.Printf("❌ [Assistant] Stream failed for user %s: %v", user.ID, err)
		if r.Context().Err() == nil {
			_ = sse.Send(EventError, response.ErrorBody{
				Code:      "upstream_failed",
				Message:   "Assistant is unavailable, please try again",
				MessageZh: "助手暂时不可用，请稍后再试",
			})
		}
		return
	}
	_ = sse.Send(EventDone, DoneEvent{Content: content})
}

// BuildHistory - 빈 메시지와 클라이언트 system 메시지 제거 후 최근 MaxHistory개만 유지
func BuildHistory(messages []imageapi.ChatMessage) []imageapi.ChatMessage {
	history := make([]imageapi.ChatMessage, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Role {
		case imageapi.RoleUser, imageapi.RoleAssistant:
			history = append(history, imageapi.ChatMessage{Role: m.Role, Content: content})
		}
	}
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	return history
}

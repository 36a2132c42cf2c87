package response

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorBody - 에러 응답의 error 필드
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	MessageZh string `json:"message_zh"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// JSON - JSON 응답 작성
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️  Failed to encode response: %v", err)
	}
}

// Error - 중/영 메시지를 포함한 에러 응답
func Error(w http.ResponseWriter, status int, code, zh, en string) {
	JSON(w, status, errorEnvelope{
		Success: false,
		Error: ErrorBody{
			Code:      code,
			Message:   en,
			MessageZh: zh,
		},
	})
}

// Common errors
func BadRequest(w http.ResponseWriter, zh, en string) {
	Error(w, http.StatusBadRequest, "bad_request", zh, en)
}

func InvalidBody(w http.ResponseWriter) {
	Error(w, http.StatusBadRequest, "invalid_body", "请求格式错误", "Invalid request format")
}

func Unauthorized(w http.ResponseWriter) {
	Error(w, http.StatusUnauthorized, "unauthorized", "请先登录", "Please sign in first")
}

func QuotaExceeded(w http.ResponseWriter) {
	Error(w, http.StatusPaymentRequired, "quota_exceeded", "额度不足，请升级套餐", "Quota exceeded, please upgrade your plan")
}

func RateLimited(w http.ResponseWriter) {
	Error(w, http.StatusTooManyRequests, "rate_limited", "请求过于频繁，请稍后再试", "Too many requests, please try again later")
}

func Internal(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, "internal_error", "服务器内部错误", "Internal server error")
}

func UpstreamFailed(w http.ResponseWriter) {
	Error(w, http.StatusBadGateway, "generation_failed", "图片生成失败，请重试", "Image generation failed, please retry")
}

// MaxBodyBytes - JSON 요청 본문 최대 크기 (base64 이미지 포함)
const MaxBodyBytes = 32 << 20

// ReadJSON - 요청 본문 파싱, 실패 시 400 응답 후 false
func ReadJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		log.Printf("❌ Invalid request body for %s: %v", r.URL.Path, err)
		InvalidBody(w)
		return false
	}
	return true
}

package generate

import (
	"context"
	"errors"
	"log"
	"net/http"

	"imagine-engine-server/modules/common/database"
	"imagine-engine-server/modules/common/response"
	"imagine-engine-server/modules/provider"
)

// Classify - 에러를 HTTP 상태와 중/영 메시지로 변환
func Classify(err error) (int, response.ErrorBody) {
	switch {
	case errors.Is(err, database.ErrQuotaExceeded):
		return http.StatusPaymentRequired, response.ErrorBody{
			Code: "quota_exceeded", MessageZh: "额度不足，请升级套餐", Message: "Quota exceeded, please upgrade your plan",
		}
	case errors.Is(err, database.ErrQuotaConflict):
		return http.StatusConflict, response.ErrorBody{
			Code: "quota_conflict", MessageZh: "请求冲突，请重试", Message: "Concurrent quota update, please retry",
		}
	case errors.Is(err, ErrInvalidImage):
		return http.StatusBadRequest, response.ErrorBody{
			Code: "invalid_image", MessageZh: "图片无效或无法读取", Message: "Image is invalid or unreadable",
		}
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest, response.ErrorBody{
			Code: "unknown_provider", MessageZh: "未知的服务商", Message: "Unknown provider",
		}
	case errors.Is(err, provider.ErrOverrideNeedsKey):
		return http.StatusBadRequest, response.ErrorBody{
			Code: "provider_key_required", MessageZh: "自定义接口地址需要同时提供 API Key", Message: "A custom base URL requires an API key",
		}
	case errors.Is(err, ErrGenerationFailed):
		return http.StatusBadGateway, response.ErrorBody{
			Code: "generation_failed", MessageZh: "图片生成失败，请重试", Message: "Image generation failed, please retry",
		}
	case errors.Is(err, context.Canceled):
		return 499, response.ErrorBody{
			Code: "cancelled", MessageZh: "请求已取消", Message: "Request cancelled",
		}
	default:
		return http.StatusInternalServerError, response.ErrorBody{
			Code: "internal_error", MessageZh: "服务器内部错误", Message: "Internal server error",
		}
	}
}

// RespondError - Classify 결과로 에러 응답 작성
func RespondError(w http.ResponseWriter, err error) {
	status, body := Classify(err)
	if status >= http.StatusInternalServerError {
		log.Printf("❌ Request failed: %v", err)
	}
	response.Error(w, status, body.Code, body.MessageZh, body.Message)
}

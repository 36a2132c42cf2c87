package generate

import "imagine-engine-server/modules/common/response"

// GenerateRequest - POST /api/generate
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Images      []string `json:"images"`
	Model       string   `json:"model"`
	AspectRatio string   `json:"aspectRatio"`
	Persist     *bool    `json:"persist"`
}

// ShouldPersist - persist 미지정 시 갤러리에 저장
func (r GenerateRequest) ShouldPersist() bool {
	return r.Persist == nil || *r.Persist
}

// GenerateResponse - 단일 생성 응답
type GenerateResponse struct {
	Success        bool   `json:"success"`
	ImageURL       string `json:"imageUrl"`
	Model          string `json:"model"`
	RemainingQuota int    `json:"remainingQuota"`
}

// BatchRequest - POST /api/generate/batch
type BatchRequest struct {
	Prompt      string   `json:"prompt"`
	Count       int      `json:"count"`
	Images      []string `json:"images"`
	Model       string   `json:"model"`
	AspectRatio string   `json:"aspectRatio"`
	Persist     *bool    `json:"persist"`
}

// Batch SSE events
const (
	EventStart = "start"
	EventImage = "image"
	EventError = "error"
	EventDone  = "done"
)

type StartEvent struct {
	BatchID string `json:"batchId"`
	Total   int    `json:"total"`
}

type ImageEvent struct {
	Index          int    `json:"index"`
	ImageURL       string `json:"imageUrl"`
	RemainingQuota int    `json:"remainingQuota"`
}

type ErrorEvent struct {
	Index int `json:"index"`
	response.ErrorBody
}

type DoneEvent struct {
	BatchID   string `json:"batchId"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

// CompareRequest - POST /api/playground/compare
type CompareRequest struct {
	Prompt      string   `json:"prompt"`
	Models      []string `json:"models"`
	Images      []string `json:"images"`
	AspectRatio string   `json:"aspectRatio"`
}

// CompareResult - 모델별 결과 (성공 시 imageUrl, 실패 시 error)
type CompareResult struct {
	Model    string              `json:"model"`
	ImageURL string              `json:"imageUrl,omitempty"`
	Error    *response.ErrorBody `json:"error,omitempty"`
}

type CompareResponse struct {
	Success        bool            `json:"success"`
	Results        []CompareResult `json:"results"`
	RemainingQuota *int            `json:"remainingQuota,omitempty"`
}

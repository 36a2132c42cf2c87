package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/fallback"
	"imagine-engine-server/modules/common/model"
	redisutil "imagine-engine-server/modules/common/redis"
	"imagine-engine-server/modules/common/response"
	"imagine-engine-server/modules/edit"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/provider"
)

// JobStore - 작업 상태/큐/취소 플래그/이벤트
type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	LoadJob(ctx context.Context, jobID string) (*model.Job, error)
	SetJobCancelled(ctx context.Context, jobID string) error
	IsJobCancelled(ctx context.Context, jobID string) bool
	Enqueue(ctx context.Context, jobID string) (int64, error)
	PublishEvent(ctx context.Context, userID string, event model.Event) error
}

// EnqueueRequest - POST /api/jobs
type EnqueueRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EnqueueResponse - Enqueue 응답
type EnqueueResponse struct {
	Success       bool   `json:"success"`
	JobID         string `json:"jobId"`
	Status        string `json:"status"`
	QueuePosition int64  `json:"queuePosition"`
}

// Handler - 비동기 작업 API
type Handler struct {
	jobs           JobStore
	generator      *generate.Service
	registry       *provider.Registry
	batchMaxImages int
}

func NewHandler(jobs JobStore, generator *generate.Service, registry *provider.Registry, batchMaxImages int) *Handler {
	return &Handler{
		jobs:           jobs,
		generator:      generator,
		registry:       registry,
		batchMaxImages: batchMaxImages,
	}
}

// RegisterRoutes - 라우트 등록
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/jobs", h.HandleEnqueue).Methods("POST")
	r.HandleFunc("/api/jobs/{jobId}", h.HandleGetJob).Methods("GET")
	r.HandleFunc("/api/jobs/{jobId}/cancel", h.HandleCancel).Methods("POST")
	log.Println("✅ Job routes registered: /api/jobs, /api/jobs/{jobId}, /api/jobs/{jobId}/cancel")
}

// HandleEnqueue - POST /api/jobs
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req EnqueueRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}

	// 비동기 작업은 사용자 키를 Redis에 남기지 않도록 이름 있는 프로바이더만 허용
	if r.Header.Get(provider.HeaderAPIKey) != "" || r.Header.Get(provider.HeaderBaseURL) != "" {
		response.Error(w, http.StatusBadRequest, "override_not_supported",
			"异步任务不支持自定义 API Key", "Custom API keys are not supported for queued jobs")
		return
	}
	p, err := h.registry.Resolve(strings.TrimSpace(r.Header.Get(provider.HeaderProvider)))
	if err != nil {
		generate.RespondError(w, err)
		return
	}
	modelOverride := strings.TrimSpace(r.Header.Get(provider.HeaderModel))

	job := &model.Job{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Kind:      req.Kind,
		Provider:  p.Name,
		Status:    model.StatusPending,
		ImageURLs: []string{},
		CreatedAt: time.Now().UTC(),
	}

	var payload interface{}
	switch req.Kind {
	case model.JobKindGenerate:
		var gen generate.BatchRequest
		if err := json.Unmarshal(req.Payload, &gen); err != nil {
			response.InvalidBody(w)
			return
		}
		gen.Prompt = strings.TrimSpace(gen.Prompt)
		if gen.Prompt == "" {
			response.BadRequest(w, "请输入提示词", "Prompt is required")
			return
		}
		if gen.Model == "" {
			gen.Model = modelOverride
		}
		gen.Count = fallback.ClampQuantity(gen.Count, h.batchMaxImages)
		gen.AspectRatio = fallback.SafeAspectRatio(gen.AspectRatio)

		// 큐에는 압축된 data URL만 저장
		gen.Images, err = h.generator.PrepareImages(r.Context(), gen.Images)
		if err != nil {
			generate.RespondError(w, err)
			return
		}
		job.Total = gen.Count
		payload = gen

	case model.JobKindEdit:
		var ed edit.EditRequest
		if err := json.Unmarshal(req.Payload, &ed); err != nil {
			response.InvalidBody(w)
			return
		}
		if _, err := edit.LookupTool(ed.Tool); err != nil {
			response.Error(w, http.StatusBadRequest, "unknown_tool", "不支持的工具", "Unknown tool")
			return
		}
		if ed.Model == "" {
			ed.Model = modelOverride
		}
		job.Total = 1
		payload = ed

	default:
		response.Error(w, http.StatusBadRequest, "unknown_kind", "不支持的任务类型", "kind must be generate or edit")
		return
	}

	job.Request, err = toMap(payload)
	if err != nil {
		response.Internal(w)
		return
	}

	if err := h.jobs.SaveJob(r.Context(), job); err != nil {
		log.Printf("❌ [Enqueue] Failed to save job %s: %v", job.ID, err)
		response.Internal(w)
		return
	}

	position, err := h.jobs.Enqueue(r.Context(), job.ID)
	if err != nil {
		log.Printf("❌ [Enqueue] Redis LPUSH failed for %s: %v", job.ID, err)
		response.Internal(w)
		return
	}

	log.Printf("📥 [Enqueue] Job %s (%s, %d images) enqueued for user %s (position: %d)", job.ID, job.Kind, job.Total, user.ID, position)
	publish(r.Context(), h.jobs, job, model.Event{Type: EventQueued, Status: job.Status})

	response.JSON(w, http.StatusAccepted, EnqueueResponse{
		Success:       true,
		JobID:         job.ID,
		Status:        job.Status,
		QueuePosition: position,
	})
}

// HandleGetJob - GET /api/jobs/{jobId}
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	// 입력(이미지 data URL 포함)은 응답에서 제외
	job.Request = nil
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job":     job,
	})
}

// ownedJob - 작업 조회, 없거나 다른 사용자의 작업이면 404
func (h *Handler) ownedJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	user, _ := auth.UserFromContext(r.Context())
	jobID := mux.Vars(r)["jobId"]

	job, err := h.jobs.LoadJob(r.Context(), jobID)
	if errors.Is(err, redisutil.ErrJobNotFound) || (err == nil && job.UserID != user.ID) {
		response.Error(w, http.StatusNotFound, "not_found", "任务不存在", "Job not found")
		return nil, false
	}
	if err != nil {
		log.Printf("❌ [Jobs] Failed to load job %s: %v", jobID, err)
		response.Internal(w)
		return nil, false
	}
	return job, true
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

package generate

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/config"
	"imagine-engine-server/modules/common/fallback"
	"imagine-engine-server/modules/common/model"
	redisutil "imagine-engine-server/modules/common/redis"
	"imagine-engine-server/modules/common/response"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

const maxCompareModels = 4

// JobStore - 배치 상태 및 취소 플래그
type JobStore interface {
	SaveJob(ctx context.Context, job *model.Job) error
	LoadJob(ctx context.Context, jobID string) (*model.Job, error)
	SetJobCancelled(ctx context.Context, jobID string) error
	IsJobCancelled(ctx context.Context, jobID string) bool
}

type Handler struct {
	service          *Service
	jobs             JobStore
	registry         *provider.Registry
	batchMaxImages   int
	batchConcurrency int
}

func NewHandler(service *Service, jobs JobStore, registry *provider.Registry, cfg *config.Config) *Handler {
	return &Handler{
		service:          service,
		jobs:             jobs,
		registry:         registry,
		batchMaxImages:   cfg.BatchMaxImages,
		batchConcurrency: cfg.BatchConcurrency,
	}
}

// RegisterRoutes - 라우트 등록 (인증된 서브라우터)
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/generate", h.HandleGenerate).Methods("POST")
	r.HandleFunc("/api/generate/batch", h.HandleBatch).Methods("POST")
	r.HandleFunc("/api/generate/batch/{batchId}/cancel", h.HandleCancelBatch).Methods("POST")
	r.HandleFunc("/api/playground/compare", h.HandleCompare).Methods("POST")
	log.Println("✅ Generate routes registered: /api/generate, /api/generate/batch, /api/playground/compare")
}

// HandleGenerate - POST /api/generate
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req GenerateRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		response.BadRequest(w, "请输入提示词", "Prompt is required")
		return
	}

	p, err := provider.FromRequest(r, h.registry)
	if err != nil {
		RespondError(w, err)
		return
	}

	images, err := h.service.PrepareImages(r.Context(), req.Images)
	if err != nil {
		RespondError(w, err)
		return
	}

	log.Printf("🎨 [Generate] User %s: %q (model %s, %d images)", user.ID, fallback.Truncate(req.Prompt, 80), p.ModelOr(req.Model), len(images))

	outcome, err := h.service.Run(r.Context(), user.ID, p, imageapi.GenerateInput{
		Prompt:      req.Prompt,
		Images:      images,
		Model:       req.Model,
		AspectRatio: fallback.SafeAspectRatio(req.AspectRatio),
	}, RunOptions{Action: model.ActionGenerate, Persist: req.ShouldPersist()})
	if err != nil {
		RespondError(w, err)
		return
	}

	response.JSON(w, http.StatusOK, GenerateResponse{
		Success:        true,
		ImageURL:       outcome.ImageURL,
		Model:          outcome.Model,
		RemainingQuota: outcome.Remaining,
	})
}

// HandleBatch - POST /api/generate/batch (SSE)
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req BatchRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		response.BadRequest(w, "请输入提示词", "Prompt is required")
		return
	}

	p, err := provider.FromRequest(r, h.registry)
	if err != nil {
		RespondError(w, err)
		return
	}

	images, err := h.service.PrepareImages(r.Context(), req.Images)
	if err != nil {
		RespondError(w, err)
		return
	}

	count := fallback.ClampQuantity(req.Count, h.batchMaxImages)
	batchID := uuid.New().String()

	job := &model.Job{
		ID:        batchID,
		UserID:    user.ID,
		Kind:      model.JobKindBatch,
		Status:    model.StatusProcessing,
		Total:     count,
		ImageURLs: []string{},
		CreatedAt: time.Now().UTC(),
	}
	if err := h.jobs.SaveJob(r.Context(), job); err != nil {
		log.Printf("⚠️  [Batch] Failed to save batch %s: %v", batchID, err)
	}

	sse, err := response.NewSSE(w)
	if err != nil {
		response.Internal(w)
		return
	}

	_ = sse.Send(EventStart, StartEvent{BatchID: batchID, Total: count})

	var mu sync.Mutex
	emit := func(event string, data interface{}) {
		if ev, ok := data.(ImageEvent); ok {
			mu.Lock()
			job.ImageURLs = append(job.ImageURLs, ev.ImageURL)
			mu.Unlock()
		}
		if err := sse.Send(event, data); err != nil {
			log.Printf("⚠️  [Batch] %s: client gone: %v", batchID, err)
		}
	}

	done := h.service.RunBatch(r.Context(), BatchJob{
		ID:       batchID,
		UserID:   user.ID,
		Provider: p,
		Input: imageapi.GenerateInput{
			Prompt:      req.Prompt,
			Images:      images,
			Model:       req.Model,
			AspectRatio: fallback.SafeAspectRatio(req.AspectRatio),
		},
		Count:       count,
		Concurrency: h.batchConcurrency,
		Persist:     req.Persist == nil || *req.Persist,
	}, h.jobs, emit)

	job.Status = done.Status
	job.Completed = done.Completed
	job.Failed = done.Failed
	if err := h.jobs.SaveJob(context.WithoutCancel(r.Context()), job); err != nil {
		log.Printf("⚠️  [Batch] Failed to save final state for %s: %v", batchID, err)
	}

	_ = sse.Send(EventDone, done)
}

// HandleCancelBatch - POST /api/generate/batch/{batchId}/cancel
func (h *Handler) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	batchID := mux.Vars(r)["batchId"]

	job, err := h.jobs.LoadJob(r.Context(), batchID)
	if errors.Is(err, redisutil.ErrJobNotFound) || (err == nil && job.UserID != user.ID) {
		response.Error(w, http.StatusNotFound, "not_found", "任务不存在", "Batch not found")
		return
	}
	if err != nil {
		RespondError(w, err)
		return
	}

	if model.IsTerminal(job.Status) {
		response.JSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"batchId": batchID,
			"status":  job.Status,
		})
		return
	}

	if err := h.jobs.SetJobCancelled(r.Context(), batchID); err != nil {
		RespondError(w, err)
		return
	}

	log.Printf("🛑 [Batch] Cancel requested for %s by user %s", batchID, user.ID)
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"batchId": batchID,
		"message": "Cancel request sent. Batch will stop after current images.",
	})
}

// HandleCompare - POST /api/playground/compare (모델들을 동시에 실행)
func (h *Handler) HandleCompare(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req CompareRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		response.BadRequest(w, "请输入提示词", "Prompt is required")
		return
	}
	if len(req.Models) < 2 || len(req.Models) > maxCompareModels {
		response.BadRequest(w, "请选择 2 到 4 个模型进行对比", "Choose between 2 and 4 models to compare")
		return
	}

	p, err := provider.FromRequest(r, h.registry)
	if err != nil {
		RespondError(w, err)
		return
	}

	images, err := h.service.PrepareImages(r.Context(), req.Images)
	if err != nil {
		RespondError(w, err)
		return
	}

	results := make([]CompareResult, len(req.Models))
	remaining := make([]int, len(req.Models))

	var g errgroup.Group
	for i, modelName := range req.Models {
		g.Go(func() error {
			results[i].Model = p.ModelOr(modelName)
			remaining[i] = -1

			outcome, err := h.service.Run(r.Context(), user.ID, p, imageapi.GenerateInput{
				Prompt:      req.Prompt,
				Images:      images,
				Model:       modelName,
				AspectRatio: fallback.SafeAspectRatio(req.AspectRatio),
			}, RunOptions{Action: model.ActionCompare, Persist: true})
			if err != nil {
				_, body := Classify(err)
				results[i].Error = &body
				return nil
			}

			results[i].ImageURL = outcome.ImageURL
			remaining[i] = outcome.Remaining
			return nil
		})
	}
	_ = g.Wait()

	resp := CompareResponse{Results: results}
	for _, rem := range remaining {
		if rem < 0 {
			continue
		}
		resp.Success = true
		if resp.RemainingQuota == nil || rem < *resp.RemainingQuota {
			v := rem
			resp.RemainingQuota = &v
		}
	}

	response.JSON(w, http.StatusOK, resp)
}

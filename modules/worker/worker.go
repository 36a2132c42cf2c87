package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"imagine-engine-server/modules/common/fallback"
	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/edit"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

// Job progress events (user:{id}:events)
const (
	EventQueued  = "job_queued"
	EventStarted = "job_started"
	EventImage   = "job_image"
	EventError   = "job_error"
	EventDone    = "job_done"
)

const (
	pollTimeout = 2 * time.Second
	retryDelay  = 5 * time.Second
)

// Queue - BRPOP 대기가 가능한 JobStore
type Queue interface {
	JobStore
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
}

// Worker - Redis 큐 소비자
type Worker struct {
	queue            Queue
	generator        *generate.Service
	editor           *edit.Service
	registry         *provider.Registry
	slots            *semaphore.Weighted
	batchConcurrency int
}

func NewWorker(queue Queue, generator *generate.Service, editor *edit.Service, registry *provider.Registry, maxJobs, batchConcurrency int) *Worker {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Worker{
		queue:            queue,
		generator:        generator,
		editor:           editor,
		registry:         registry,
		slots:            semaphore.NewWeighted(int64(maxJobs)),
		batchConcurrency: batchConcurrency,
	}
}

// StartWorker - ctx가 끝날 때까지 큐 감시, 작업마다 goroutine (동시 실행 수 제한)
func (w *Worker) StartWorker(ctx context.Context) {
	log.Printf("👀 [Worker] Watching queue")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		// 빈 슬롯이 있을 때만 꺼냄
		if err := w.slots.Acquire(ctx, 1); err != nil {
			log.Println("🛑 [Worker] Stopping")
			return
		}

		jobID, err := w.queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			w.slots.Release(1)
			if ctx.Err() != nil {
				log.Println("🛑 [Worker] Stopping")
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			log.Printf("❌ [Worker] Redis BRPOP error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}

		log.Printf("🎯 [Worker] Received new job: %s", jobID)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.slots.Release(1)
			w.processJob(ctx, jobID)
		}()
	}
}

// processJob - kind에 따라 generate/edit 서비스로 실행하고 상태와 이벤트 갱신
func (w *Worker) processJob(ctx context.Context, jobID string) {
	job, err := w.queue.LoadJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		log.Printf("❌ [Worker] Failed to load job %s: %v", jobID, err)
		return
	}

	if model.IsTerminal(job.Status) {
		log.Printf("⏭️  [Worker] Job %s already %s, skipping", jobID, job.Status)
		return
	}
	// 시작 전에 종료 중이면 큐에 되돌림 (차감 전이므로 다음 기동 때 그대로 실행)
	if ctx.Err() != nil {
		w.requeue(ctx, job)
		return
	}
	if w.queue.IsJobCancelled(ctx, jobID) {
		w.finish(ctx, job, model.StatusUserCancelled, "")
		return
	}

	p, err := w.registry.Resolve(job.Provider)
	if err != nil {
		w.finish(ctx, job, model.StatusFailed, err.Error())
		return
	}

	job.Status = model.StatusProcessing
	w.save(ctx, job)
	publish(ctx, w.queue, job, model.Event{Type: EventStarted, Status: job.Status})

	log.Printf("🚀 [Worker] Processing job %s (%s) for user %s", job.ID, job.Kind, job.UserID)

	switch job.Kind {
	case model.JobKindGenerate:
		w.runGenerate(ctx, job, p)
	case model.JobKindEdit:
		w.runEdit(ctx, job, p)
	default:
		w.finish(ctx, job, model.StatusFailed, fmt.Sprintf("unknown job kind: %s", job.Kind))
	}
}

func (w *Worker) runGenerate(ctx context.Context, job *model.Job, p provider.Provider) {
	var req generate.BatchRequest
	if err := fromMap(job.Request, &req); err != nil {
		w.finish(ctx, job, model.StatusFailed, "invalid job payload")
		return
	}

	var mu sync.Mutex
	emit := func(event string, data interface{}) {
		switch ev := data.(type) {
		case generate.ImageEvent:
			mu.Lock()
			job.ImageURLs = append(job.ImageURLs, ev.ImageURL)
			mu.Unlock()
			publish(ctx, w.queue, job, model.Event{Type: EventImage, Index: ev.Index, ImageURL: ev.ImageURL})
		case generate.ErrorEvent:
			publish(ctx, w.queue, job, model.Event{Type: EventError, Index: ev.Index, Message: ev.Message})
		}
	}

	done := w.generator.RunBatch(ctx, generate.BatchJob{
		ID:       job.ID,
		UserID:   job.UserID,
		Provider: p,
		Input: imageapi.GenerateInput{
			Prompt:      req.Prompt,
			Images:      req.Images,
			Model:       req.Model,
			AspectRatio: fallback.SafeAspectRatio(req.AspectRatio),
		},
		Count:       job.Total,
		Concurrency: w.batchConcurrency,
		Persist:     req.Persist == nil || *req.Persist,
	}, w.queue, emit)

	job.Completed = done.Completed
	job.Failed = done.Failed
	if w.interrupted(ctx, job) && done.Status == model.StatusUserCancelled {
		w.finish(ctx, job, model.StatusInterrupted, "server shutting down")
		return
	}
	w.finish(ctx, job, done.Status, "")
}

func (w *Worker) runEdit(ctx context.Context, job *model.Job, p provider.Provider) {
	var req edit.EditRequest
	if err := fromMap(job.Request, &req); err != nil {
		w.finish(ctx, job, model.StatusFailed, "invalid job payload")
		return
	}

	outcome, err := w.editor.Edit(ctx, job.UserID, p, req)
	if err != nil && w.interrupted(ctx, job) {
		w.finish(ctx, job, model.StatusInterrupted, "server shutting down")
		return
	}
	if err != nil {
		log.Printf("❌ [Worker] Edit job %s failed: %v", job.ID, err)
		job.Failed = 1
		publish(ctx, w.queue, job, model.Event{Type: EventError, Message: err.Error()})
		w.finish(ctx, job, model.StatusFailed, err.Error())
		return
	}

	job.Completed = 1
	job.ImageURLs = append(job.ImageURLs, outcome.ImageURL)
	publish(ctx, w.queue, job, model.Event{Type: EventImage, ImageURL: outcome.ImageURL})
	w.finish(ctx, job, model.StatusCompleted, "")
}

// interrupted - 워커 컨텍스트 종료(서버 종료)로 끝났고 사용자 취소 플래그는 없음
func (w *Worker) interrupted(ctx context.Context, job *model.Job) bool {
	return ctx.Err() != nil && !w.queue.IsJobCancelled(context.WithoutCancel(ctx), job.ID)
}

// requeue - 시작하지 않은 작업을 큐에 되돌림
func (w *Worker) requeue(ctx context.Context, job *model.Job) {
	if _, err := w.queue.Enqueue(context.WithoutCancel(ctx), job.ID); err != nil {
		log.Printf("❌ [Worker] Failed to requeue job %s on shutdown: %v", job.ID, err)
		w.finish(ctx, job, model.StatusInterrupted, "server shutting down")
		return
	}
	log.Printf("↩️  [Worker] Job %s returned to queue on shutdown", job.ID)
}

// finish - 최종 상태 저장 및 완료 이벤트
func (w *Worker) finish(ctx context.Context, job *model.Job, status, message string) {
	job.Status = status
	job.Error = message
	w.save(ctx, job)
	publish(ctx, w.queue, job, model.Event{Type: EventDone, Status: status, Message: message})
	log.Printf("✅ [Worker] Job %s finished: %s (%d/%d)", job.ID, status, job.Completed, job.Total)
}

func (w *Worker) save(ctx context.Context, job *model.Job) {
	if err := w.queue.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("⚠️  [Worker] Failed to save job %s: %v", job.ID, err)
	}
}

// publish - 실시간 이벤트 발행 (실패는 기록만)
func publish(ctx context.Context, jobs JobStore, job *model.Job, event model.Event) {
	event.JobID = job.ID
	if err := jobs.PublishEvent(context.WithoutCancel(ctx), job.UserID, event); err != nil {
		log.Printf("⚠️  [Worker] Failed to publish %s for job %s: %v", event.Type, job.ID, err)
	}
}

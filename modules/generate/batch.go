package generate

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"imagine-engine-server/modules/common/cancel"
	"imagine-engine-server/modules/common/database"
	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

// Emitter - 배치 진행 이벤트 전달 (SSE 등)
type Emitter func(event string, data interface{})

// BatchJob - 배치 실행 파라미터
type BatchJob struct {
	ID          string
	UserID      string
	Provider    provider.Provider
	Input       imageapi.GenerateInput
	Count       int
	Concurrency int
	Persist     bool
}

// RunBatch - 최대 Concurrency개씩 병렬 생성
// 이미지마다 생성 직전에 쿼터를 차감하고, 쿼터 부족이면 이후 이미지는 시작하지 않음
func (s *Service) RunBatch(ctx context.Context, job BatchJob, checker cancel.Checker, emit Emitter) DoneEvent {
	var completed, failed atomic.Int32
	var quotaStopped atomic.Bool

	concurrency := job.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	log.Printf("🚀 [Batch] %s: %d images (concurrency %d) for user %s", job.ID, job.Count, concurrency, job.UserID)

	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	for i := 0; i < job.Count; i++ {
		// 슬롯이 빌 때까지 Go가 블록되므로 중단 조건은 매번 다시 확인
		if quotaStopped.Load() || cancel.Cancelled(ctx, checker, job.ID) {
			log.Printf("🛑 [Batch] %s: stopping before image %d", job.ID, i+1)
			break
		}

		index := i
		g.Go(func() error {
			if quotaStopped.Load() || cancel.BeforeGeneration(ctx, checker, job.ID, index) {
				return nil
			}

			remaining, err := s.Charge(ctx, job.UserID)
			if err != nil {
				if errors.Is(err, database.ErrQuotaExceeded) {
					quotaStopped.Store(true)
				} else {
					failed.Add(1)
				}
				emitError(emit, index, err)
				return nil
			}

			result, err := s.Generate(ctx, job.UserID, job.Provider, job.Input)
			if err != nil {
				failed.Add(1)
				emitError(emit, index, err)
				return nil
			}

			// 생성 후 취소되었으면 결과를 버리고 환불
			if cancel.AfterGeneration(ctx, checker, job.ID, index) {
				s.Refund(ctx, job.UserID)
				return nil
			}

			imageURL := s.Finish(ctx, job.UserID, job.Input, result, RunOptions{
				Action:  model.ActionBatch,
				Persist: job.Persist,
			})
			completed.Add(1)

			emit(EventImage, ImageEvent{Index: index, ImageURL: imageURL, RemainingQuota: remaining})
			return nil
		})
	}
	_ = g.Wait()

	done := DoneEvent{
		BatchID:   job.ID,
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
	}
	done.Status = cancel.FinalStatus(ctx, checker, job.ID, done.Completed, job.Count)
	done.Cancelled = done.Status == model.StatusUserCancelled

	log.Printf("✅ [Batch] %s finished: %d completed, %d failed, status %s", job.ID, done.Completed, done.Failed, done.Status)
	return done
}

func emitError(emit Emitter, index int, err error) {
	_, body := Classify(err)
	emit(EventError, ErrorEvent{Index: index, ErrorBody: body})
}

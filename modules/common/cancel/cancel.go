package cancel

import (
	"context"
	"log"

	"imagine-engine-server/modules/common/model"
)

// Checker - 취소 플래그 조회 인터페이스
type Checker interface {
	IsJobCancelled(ctx context.Context, jobID string) bool
}

// Cancelled - 컨텍스트 종료(클라이언트 연결 끊김) 또는 취소 플래그
func Cancelled(ctx context.Context, checker Checker, jobID string) bool {
	if ctx.Err() != nil {
		return true
	}
	return checker != nil && checker.IsJobCancelled(ctx, jobID)
}

// BeforeGeneration - 이미지 생성 전 취소 체크
func BeforeGeneration(ctx context.Context, checker Checker, jobID string, index int) bool {
	if !Cancelled(ctx, checker, jobID) {
		return false
	}
	log.Printf("🛑 Job %s cancelled, skipping image %d", jobID, index+1)
	return true
}

// AfterGeneration - 이미지 생성 후 취소 체크 (저장/차감 전)
// 취소됐으면 생성된 이미지는 버리고 과금하지 않음
func AfterGeneration(ctx context.Context, checker Checker, jobID string, index int) bool {
	if !Cancelled(ctx, checker, jobID) {
		return false
	}
	log.Printf("🛑 Job %s cancelled after generation, discarding image %d", jobID, index+1)
	return true
}

// FinalStatus - 최종 상태 결정 (취소된 경우 completed로 덮어쓰지 않음)
func FinalStatus(ctx context.Context, checker Checker, jobID string, completed, total int) string {
	// 최종 판정은 요청 컨텍스트와 무관하게 플래그로만 확인
	if checker != nil && checker.IsJobCancelled(context.WithoutCancel(ctx), jobID) {
		log.Printf("🛑 Job %s was cancelled, keeping user_cancelled status (%d/%d images)", jobID, completed, total)
		return model.StatusUserCancelled
	}
	if ctx.Err() != nil && completed < total {
		return model.StatusUserCancelled
	}
	if completed == 0 && total > 0 {
		return model.StatusFailed
	}
	return model.StatusCompleted
}

package worker

import (
	"log"
	"net/http"

	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/common/response"
)

// HandleCancel - POST /api/jobs/{jobId}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := h.ownedJob(w, r)
	if !ok {
		return
	}

	log.Printf("🛑 [CancelHandler] Cancel requested for job: %s", job.ID)

	if model.IsTerminal(job.Status) {
		response.JSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"jobId":   job.ID,
			"status":  job.Status,
		})
		return
	}

	// 1. Redis에 취소 플래그 설정
	if err := h.jobs.SetJobCancelled(r.Context(), job.ID); err != nil {
		log.Printf("❌ [CancelHandler] Failed to set cancel flag: %v", err)
		response.Internal(w)
		return
	}

	// 2. 아직 시작하지 않은 작업은 바로 user_cancelled로 전환 (워커는 건너뜀)
	if job.Status == model.StatusPending {
		job.Status = model.StatusUserCancelled
		if err := h.jobs.SaveJob(r.Context(), job); err != nil {
			log.Printf("⚠️  [CancelHandler] Failed to update job %s: %v", job.ID, err)
		}
		publish(r.Context(), h.jobs, job, model.Event{Type: EventDone, Status: job.Status})
	}

	log.Printf("✅ [CancelHandler] Job %s cancel flag set (status: %s)", job.ID, job.Status)
	response.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobId":   job.ID,
		"status":  job.Status,
		"message": "Cancel request sent. Job will stop after current images.",
	})
}

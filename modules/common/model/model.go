package model

import "time"

// Profile - profiles 테이블 구조
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName *string   `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url"`
	Locale      string    `json:"locale"`
	CreatedAt   time.Time `json:"created_at"`
}

// Subscription - subscriptions 테이블 구조
type Subscription struct {
	ID                   int64      `json:"id,omitempty"`
	UserID               string     `json:"user_id"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	QuotaTotal           int        `json:"quota_total"`
	QuotaRemaining       int        `json:"quota_remaining"`
	StripeCustomerID     *string    `json:"stripe_customer_id"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	UpdatedAt            *time.Time `json:"updated_at,omitempty"`
}

// UsageLog - usage_logs 테이블 구조 (image_url이 있으면 갤러리 작품)
type UsageLog struct {
	ID        int64      `json:"id,omitempty"`
	UserID    string     `json:"user_id"`
	Action    string     `json:"action"`
	Tool      *string    `json:"tool"`
	Model     string     `json:"model"`
	Prompt    string     `json:"prompt"`
	ImageURL  *string    `json:"image_url"`
	Cost      int        `json:"cost"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Job - Redis에 저장되는 비동기 작업 상태
type Job struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Kind      string                 `json:"kind"`
	Provider  string                 `json:"provider,omitempty"`
	Status    string                 `json:"status"`
	Request   map[string]interface{} `json:"request"`
	Total     int                    `json:"total"`
	Completed int                    `json:"completed"`
	Failed    int                    `json:"failed"`
	ImageURLs []string               `json:"image_urls"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Event - 사용자 채널로 발행되는 진행 이벤트
type Event struct {
	Type     string `json:"type"`
	JobID    string `json:"jobId,omitempty"`
	Index    int    `json:"index"`
	ImageURL string `json:"imageUrl,omitempty"`
	Message  string `json:"message,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Usage actions
const (
	ActionGenerate = "generate"
	ActionEdit     = "edit"
	ActionBatch    = "batch"
	ActionCompare  = "compare"
	ActionCover    = "xiaohongshu_cover"
)

// Job kinds
const (
	JobKindGenerate = "generate"
	JobKindEdit     = "edit"
	JobKindBatch    = "batch"
)

const (
	StatusPending       = "pending"
	StatusProcessing    = "processing"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusUserCancelled = "user_cancelled"
	// StatusInterrupted - 서버 종료로 중단 (사용자 취소 아님)
	StatusInterrupted   = "interrupted"
)

// Subscription statuses
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// Plans
const (
	PlanFree     = "free"
	PlanPro      = "pro"
	PlanBusiness = "business"
)

// PlanQuota - 플랜별 월간 이미지 쿼터
var PlanQuota = map[string]int{
	PlanFree:     10,
	PlanPro:      500,
	PlanBusiness: 3000,
}

// IsPaidPlan - 결제가 필요한 플랜인지
func IsPaidPlan(plan string) bool {
	return plan == PlanPro || plan == PlanBusiness
}

// IsTerminal - 더 이상 진행되지 않는 작업 상태인지
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusUserCancelled, StatusInterrupted:
		return true
	}
	return false
}

// StringPtr helper
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

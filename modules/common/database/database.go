package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"imagine-engine-server/modules/common/model"
)

const (
	tableProfiles      = "profiles"
	tableSubscriptions = "subscriptions"
	tableUsageLogs     = "usage_logs"

	maxQuotaAttempts = 3
)

var (
	// ErrNotFound - 조회 결과 없음
	ErrNotFound = errors.New("record not found")
	// ErrQuotaExceeded - 남은 쿼터 부족
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrQuotaConflict - 동시 업데이트로 쿼터 차감 재시도 실패
	ErrQuotaConflict = errors.New("quota update conflict")
)

type Client struct {
	supabase  *supabase.Client
	freeQuota int
}

// NewClient - Database 클라이언트 생성
func NewClient(supabaseURL, serviceKey string, freeQuota int) (*Client, error) {
	supabaseClient, err := supabase.NewClient(supabaseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &Client{
		supabase:  supabaseClient,
		freeQuota: freeQuota,
	}, nil
}

// Supabase - 내부 Supabase 클라이언트 (auth 검증용)
func (c *Client) Supabase() *supabase.Client {
	return c.supabase
}

// FetchProfile - profiles 조회
func (c *Client) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	var profiles []model.Profile

	data, _, err := c.supabase.From(tableProfiles).
		Select("*", "", false).
		Eq("id", userID).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}

	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}

	if len(profiles) == 0 {
		return nil, ErrNotFound
	}
	return &profiles[0], nil
}

// UpsertProfile - 로그인 시 profiles 행 생성/갱신
func (c *Client) UpsertProfile(ctx context.Context, profile *model.Profile) error {
	row := map[string]interface{}{
		"id":    profile.ID,
		"email": profile.Email,
	}
	if profile.Locale != "" {
		row["locale"] = profile.Locale
	}

	_, _, err := c.supabase.From(tableProfiles).
		Insert(row, true, "id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// FetchSubscription - subscriptions 조회
func (c *Client) FetchSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	var subs []model.Subscription

	data, _, err := c.supabase.From(tableSubscriptions).
		Select("*", "", false).
		Eq("user_id", userID).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}

	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to parse subscription response: %w", err)
	}

	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return &subs[0], nil
}

// EnsureSubscription - 구독 행이 없으면 free 플랜 행 생성
func (c *Client) EnsureSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, err := c.FetchSubscription(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	log.Printf("🆕 [Database] Creating free subscription for user %s (quota: %d)", userID, c.freeQuota)

	row := map[string]interface{}{
		"user_id":         userID,
		"plan":            model.PlanFree,
		"status":          model.SubscriptionActive,
		"quota_total":     c.freeQuota,
		"quota_remaining": c.freeQuota,
		"updated_at":      now(),
	}

	// upsert 대신 일반 insert: 동시 생성 시 먼저 만든 행(차감 반영)을 덮어쓰지 않음
	var created []model.Subscription
	data, _, err := c.supabase.From(tableSubscriptions).
		Insert(row, false, "", "representation", "").
		Execute()
	if err != nil {
		if existing, fetchErr := c.FetchSubscription(ctx, userID); fetchErr == nil {
			log.Printf("🔁 [Database] Subscription for user %s created concurrently, using existing row", userID)
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if err := json.Unmarshal(data, &created); err != nil {
		return nil, fmt.Errorf("failed to parse created subscription: %w", err)
	}
	if len(created) == 0 {
		return nil, fmt.Errorf("no subscription row returned for user %s", userID)
	}
	return &created[0], nil
}

// ConsumeQuota - 쿼터 차감 (quota_remaining 값을 조건으로 하는 낙관적 업데이트)
func (c *Client) ConsumeQuota(ctx context.Context, userID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid quota amount: %d", amount)
	}

	for attempt := 1; attempt <= maxQuotaAttempts; attempt++ {
		sub, err := c.EnsureSubscription(ctx, userID)
		if err != nil {
			return 0, err
		}

		if sub.QuotaRemaining < amount {
			log.Printf("⛔ [Database] Quota exceeded for user %s: remaining=%d, required=%d", userID, sub.QuotaRemaining, amount)
			return sub.QuotaRemaining, ErrQuotaExceeded
		}

		newRemaining := sub.QuotaRemaining - amount
		ok, err := c.compareAndSetQuota(sub, newRemaining)
		if err != nil {
			return 0, err
		}
		if ok {
			log.Printf("💰 [Database] Quota consumed: user=%s, %d → %d (-%d)", userID, sub.QuotaRemaining, newRemaining, amount)
			return newRemaining, nil
		}

		log.Printf("🔁 [Database] Quota changed concurrently for user %s, retry %d/%d", userID, attempt, maxQuotaAttempts)
	}

	return 0, ErrQuotaConflict
}

// RefundQuota - 생성 실패 시 쿼터 반환 (quota_total 초과 불가)
func (c *Client) RefundQuota(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return nil
	}

	for attempt := 1; attempt <= maxQuotaAttempts; attempt++ {
		sub, err := c.FetchSubscription(ctx, userID)
		if err != nil {
			return err
		}

		newRemaining := sub.QuotaRemaining + amount
		if newRemaining > sub.QuotaTotal {
			newRemaining = sub.QuotaTotal
		}
		if newRemaining == sub.QuotaRemaining {
			return nil
		}

		ok, err := c.compareAndSetQuota(sub, newRemaining)
		if err != nil {
			return err
		}
		if ok {
			log.Printf("↩️  [Database] Quota refunded: user=%s, %d → %d", userID, sub.QuotaRemaining, newRemaining)
			return nil
		}
	}

	return ErrQuotaConflict
}

func (c *Client) compareAndSetQuota(sub *model.Subscription, newRemaining int) (bool, error) {
	var updated []model.Subscription

	data, _, err := c.supabase.From(tableSubscriptions).
		Update(map[string]interface{}{
			"quota_remaining": newRemaining,
			"updated_at":      now(),
		}, "representation", "").
		Eq("user_id", sub.UserID).
		Eq("quota_remaining", strconv.Itoa(sub.QuotaRemaining)).
		Execute()
	if err != nil {
		return false, fmt.Errorf("failed to update quota: %w", err)
	}

	if err := json.Unmarshal(data, &updated); err != nil {
		return false, fmt.Errorf("failed to parse quota update: %w", err)
	}
	return len(updated) > 0, nil
}

// ApplyPlan - 결제 완료 후 플랜 적용 (쿼터 리셋)
func (c *Client) ApplyPlan(ctx context.Context, userID, plan, customerID, subscriptionID string, periodEnd *time.Time) error {
	quota, ok := model.PlanQuota[plan]
	if !ok {
		return fmt.Errorf("unknown plan: %s", plan)
	}

	row := map[string]interface{}{
		"user_id":                userID,
		"plan":                   plan,
		"status":                 model.SubscriptionActive,
		"quota_total":            quota,
		"quota_remaining":        quota,
		"stripe_customer_id":     model.StringPtr(customerID),
		"stripe_subscription_id": model.StringPtr(subscriptionID),
		"updated_at":             now(),
	}
	if periodEnd != nil {
		row["current_period_end"] = periodEnd.UTC().Format(time.RFC3339)
	}

	_, _, err := c.supabase.From(tableSubscriptions).
		Insert(row, true, "user_id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to apply plan: %w", err)
	}

	log.Printf("✅ [Database] Plan %s applied to user %s (quota: %d)", plan, userID, quota)
	return nil
}

// CancelSubscription - Stripe 구독 해지 반영 (free 플랜으로 전환, 남은 쿼터는 free 한도로 제한)
func (c *Client) CancelSubscription(ctx context.Context, stripeSubscriptionID string) error {
	for attempt := 1; attempt <= maxQuotaAttempts; attempt++ {
		sub, err := c.fetchByStripeSubscription(stripeSubscriptionID)
		if err != nil {
			return err
		}

		remaining := min(sub.QuotaRemaining, c.freeQuota)

		var updated []model.Subscription
		data, _, err := c.supabase.From(tableSubscriptions).
			Update(map[string]interface{}{
				"plan":            model.PlanFree,
				"status":          model.SubscriptionCanceled,
				"quota_total":     c.freeQuota,
				"quota_remaining": remaining,
				"updated_at":      now(),
			}, "representation", "").
			Eq("stripe_subscription_id", stripeSubscriptionID).
			Eq("quota_remaining", strconv.Itoa(sub.QuotaRemaining)).
			Execute()
		if err != nil {
			return fmt.Errorf("failed to cancel subscription: %w", err)
		}

		if err := json.Unmarshal(data, &updated); err != nil {
			return fmt.Errorf("failed to parse cancel response: %w", err)
		}
		if len(updated) > 0 {
			log.Printf("🛑 [Database] Subscription %s cancelled (quota: %d → %d)", stripeSubscriptionID, sub.QuotaRemaining, remaining)
			return nil
		}

		log.Printf("🔁 [Database] Quota changed during cancel of %s, retry %d/%d", stripeSubscriptionID, attempt, maxQuotaAttempts)
	}

	return ErrQuotaConflict
}

func (c *Client) fetchByStripeSubscription(stripeSubscriptionID string) (*model.Subscription, error) {
	var subs []model.Subscription

	data, _, err := c.supabase.From(tableSubscriptions).
		Select("*", "", false).
		Eq("stripe_subscription_id", stripeSubscriptionID).
		Limit(1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}

	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("failed to parse subscription response: %w", err)
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return &subs[0], nil
}

// InsertUsageLog - usage_logs 기록
func (c *Client) InsertUsageLog(ctx context.Context, entry *model.UsageLog) error {
	row := map[string]interface{}{
		"user_id":   entry.UserID,
		"action":    entry.Action,
		"tool":      entry.Tool,
		"model":     entry.Model,
		"prompt":    entry.Prompt,
		"image_url": entry.ImageURL,
		"cost":      entry.Cost,
	}

	_, _, err := c.supabase.From(tableUsageLogs).
		Insert(row, false, "", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to insert usage log: %w", err)
	}
	return nil
}

// ListUsageLogs - 최신순 사용 기록 조회 (withImages=true면 갤러리 작품만)
func (c *Client) ListUsageLogs(ctx context.Context, userID string, limit, offset int, withImages bool) ([]model.UsageLog, error) {
	logs := []model.UsageLog{}

	query := c.supabase.From(tableUsageLogs).
		Select("*", "", false).
		Eq("user_id", userID)
	if withImages {
		query = query.Not("image_url", "is", "null")
	}

	data, _, err := query.
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Range(offset, offset+limit-1, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}

	if err := json.Unmarshal(data, &logs); err != nil {
		return nil, fmt.Errorf("failed to parse usage logs: %w", err)
	}
	return logs, nil
}

// DeleteUsageLog - 소유자 본인의 기록만 삭제
func (c *Client) DeleteUsageLog(ctx context.Context, userID string, id int64) error {
	var deleted []model.UsageLog

	data, _, err := c.supabase.From(tableUsageLogs).
		Delete("representation", "").
		Eq("id", strconv.FormatInt(id, 10)).
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to delete usage log: %w", err)
	}

	if err := json.Unmarshal(data, &deleted); err != nil {
		return fmt.Errorf("failed to parse delete response: %w", err)
	}
	if len(deleted) == 0 {
		return ErrNotFound
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

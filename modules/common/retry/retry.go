package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/openai/openai-go"
)

const MaxAttemptsPerKey = 3

// Wait - 429 재시도 사이 대기 시간 (테스트에서 조정)
var Wait = 2 * time.Second

// ErrNoKeys - 시도할 API 키가 없음
var ErrNoKeys = errors.New("no API keys provided")

// WithKeys - 429 에러 시 여러 API 키로 재시도
// 각 키당 최대 3번, 429가 아닌 에러는 즉시 반환
func WithKeys[T any](ctx context.Context, keys []string, fn func(ctx context.Context, key string) (T, error)) (T, error) {
	var zero T
	if len(keys) == 0 {
		return zero, ErrNoKeys
	}

	var lastErr error

	for keyIndex, key := range keys {
		for attempt := 1; attempt <= MaxAttemptsPerKey; attempt++ {
			if attempt > 1 {
				log.Printf("   🔄 Retry attempt %d/%d for key #%d", attempt, MaxAttemptsPerKey, keyIndex+1)
			}

			result, err := fn(ctx, key)
			if err == nil {
				if keyIndex > 0 || attempt > 1 {
					log.Printf("✅ [Retry] Success with API key #%d (attempt %d/%d)", keyIndex+1, attempt, MaxAttemptsPerKey)
				}
				return result, nil
			}
			lastErr = err

			if !IsRateLimited(err) {
				return zero, err
			}

			log.Printf("⚠️  [Retry] Key #%d hit rate limit on attempt %d/%d", keyIndex+1, attempt, MaxAttemptsPerKey)

			if attempt < MaxAttemptsPerKey {
				select {
				case <-ctx.Done():
					return zero, ctx.Err()
				case <-time.After(Wait):
				}
			}
		}

		log.Printf("⚠️  [Retry] Key #%d exhausted all %d attempts, trying next key...", keyIndex+1, MaxAttemptsPerKey)
	}

	return zero, fmt.Errorf("all %d API keys exhausted (%d attempts each), last error: %w", len(keys), MaxAttemptsPerKey, lastErr)
}

// IsRateLimited - 429 Rate Limit 에러인지 확인
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "quota")
}

package auth

import (
	"context"
	"log"
	"net/http"

	"imagine-engine-server/modules/common/response"
)

// Limiter - 키별 분당 요청 제한
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// RateLimit - 인증된 사용자별 분당 요청 제한 (Middleware 뒤에 연결)
// Redis 장애 시에는 요청을 통과시킴
func RateLimit(limiter Limiter, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok || r.Method == http.MethodOptions || perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), user.ID, perMinute)
			if err != nil {
				log.Printf("⚠️  [RateLimit] Limiter unavailable, allowing request: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				log.Printf("🚫 [RateLimit] User %s exceeded %d requests/min", user.ID, perMinute)
				response.RateLimited(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

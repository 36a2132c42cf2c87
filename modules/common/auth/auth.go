package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/supabase-community/supabase-go"

	"imagine-engine-server/modules/common/response"
)

type contextKey string

const userKey contextKey = "user"

// ErrInvalidToken - 검증 실패한 토큰
var ErrInvalidToken = errors.New("invalid access token")

// User - 인증된 사용자
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Verifier - access token 검증 인터페이스
type Verifier interface {
	Verify(ctx context.Context, token string) (*User, error)
}

// SupabaseVerifier - Supabase Auth API로 토큰 검증
type SupabaseVerifier struct {
	client *supabase.Client
}

func NewSupabaseVerifier(client *supabase.Client) *SupabaseVerifier {
	return &SupabaseVerifier{client: client}
}

// Verify - GET /auth/v1/user 로 토큰의 사용자 조회
func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (*User, error) {
	resp, err := v.client.Auth.WithToken(token).GetUser()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &User{
		ID:    resp.ID.String(),
		Email: resp.Email,
	}, nil
}

// Middleware - "Authorization: Bearer <token>" 검증 후 사용자 정보를 context에 저장
func Middleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token := TokenFromRequest(r)
			if token == "" {
				response.Unauthorized(w)
				return
			}

			user, err := verifier.Verify(r.Context(), token)
			if err != nil {
				log.Printf("⚠️  [Auth] Token rejected for %s %s: %v", r.Method, r.URL.Path, err)
				response.Unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// TokenFromRequest - Authorization 헤더, 없으면 token 쿼리 파라미터 (WebSocket용)
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// WithUser - context에 사용자 저장
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext - context의 사용자 조회
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey).(*User)
	return user, ok && user != nil
}

package quota

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/database"
	"imagine-engine-server/modules/common/fallback"
	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/common/response"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Store - 구독/프로필/사용 기록 조회
type Store interface {
	EnsureSubscription(ctx context.Context, userID string) (*model.Subscription, error)
	FetchProfile(ctx context.Context, userID string) (*model.Profile, error)
	UpsertProfile(ctx context.Context, profile *model.Profile) error
	ListUsageLogs(ctx context.Context, userID string, limit, offset int, withImages bool) ([]model.UsageLog, error)
	DeleteUsageLog(ctx context.Context, userID string, id int64) error
}

// CheckResponse - GET /api/quota/check
type CheckResponse struct {
	Success   bool   `json:"success"`
	Allowed   bool   `json:"allowed"`
	Required  int    `json:"required"`
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
	Plan      string `json:"plan"`
}

// ProfileResponse - GET /api/profile
type ProfileResponse struct {
	Success      bool                `json:"success"`
	User         *auth.User          `json:"user"`
	Profile      *model.Profile      `json:"profile"`
	Subscription *model.Subscription `json:"subscription"`
}

type ListResponse struct {
	Success bool             `json:"success"`
	Items   []model.UsageLog `json:"items"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

type Handler struct {
	store     Store
	imageCost int
}

func NewHandler(store Store, imageCost int) *Handler {
	return &Handler{
		store:     store,
		imageCost: imageCost,
	}
}

func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/quota/check", h.HandleCheck).Methods("GET")
	r.HandleFunc("/api/profile", h.HandleProfile).Methods("GET")
	r.HandleFunc("/api/usage", h.HandleUsage).Methods("GET")
	r.HandleFunc("/api/gallery", h.HandleGallery).Methods("GET")
	r.HandleFunc("/api/gallery/{id}", h.HandleDeleteGalleryItem).Methods("DELETE")
	log.Println("✅ Quota routes registered: /api/quota/check, /api/profile, /api/usage, /api/gallery")
}

// HandleCheck - GET /api/quota/check?amount=n (기본: 이미지 1장 비용)
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	amount := h.imageCost
	if raw := r.URL.Query().Get("amount"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(w, "amount 参数无效", "amount must be a positive integer")
			return
		}
		amount = n
	}

	sub, err := h.store.EnsureSubscription(r.Context(), user.ID)
	if err != nil {
		log.Printf("❌ [Quota] Failed to load subscription for user %s: %v", user.ID, err)
		response.Internal(w)
		return
	}

	response.JSON(w, http.StatusOK, CheckResponse{
		Success:   true,
		Allowed:   sub.QuotaRemaining >= amount,
		Required:  amount,
		Remaining: sub.QuotaRemaining,
		Total:     sub.QuotaTotal,
		Plan:      sub.Plan,
	})
}

// HandleProfile - GET /api/profile (프로필 행이 없으면 인증된 사용자 정보로 생성)
func (h *Handler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	profile, err := h.store.FetchProfile(r.Context(), user.ID)
	if errors.Is(err, database.ErrNotFound) {
		profile, err = h.createProfile(r.Context(), user)
	}
	if err != nil {
		log.Printf("❌ [Quota] Failed to load profile for user %s: %v", user.ID, err)
		response.Internal(w)
		return
	}

	sub, err := h.store.EnsureSubscription(r.Context(), user.ID)
	if err != nil {
		log.Printf("❌ [Quota] Failed to load subscription for user %s: %v", user.ID, err)
		response.Internal(w)
		return
	}

	response.JSON(w, http.StatusOK, ProfileResponse{
		Success:      true,
		User:         user,
		Profile:      profile,
		Subscription: sub,
	})
}

// createProfile - 첫 조회 시 profiles 행 생성, 실패하면 profile=null로 응답
func (h *Handler) createProfile(ctx context.Context, user *auth.User) (*model.Profile, error) {
	if err := h.store.UpsertProfile(ctx, &model.Profile{ID: user.ID, Email: user.Email}); err != nil {
		log.Printf("⚠️  [Quota] Failed to create profile for user %s: %v", user.ID, err)
		return nil, nil
	}
	log.Printf("🆕 [Quota] Profile created for user %s", user.ID)

	profile, err := h.store.FetchProfile(ctx, user.ID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	return profile, err
}

// HandleUsage - GET /api/usage?limit&offset
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, false)
}

// HandleGallery - GET /api/gallery (이미지가 있는 기록만)
func (h *Handler) HandleGallery(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, true)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request, withImages bool) {
	user, _ := auth.UserFromContext(r.Context())
	limit, offset := Page(r)

	items, err := h.store.ListUsageLogs(r.Context(), user.ID, limit, offset, withImages)
	if err != nil {
		log.Printf("❌ [Quota] Failed to list usage logs for user %s: %v", user.ID, err)
		response.Internal(w)
		return
	}
	if items == nil {
		items = []model.UsageLog{}
	}

	response.JSON(w, http.StatusOK, ListResponse{
		Success: true,
		Items:   items,
		Limit:   limit,
		Offset:  offset,
	})
}

// HandleDeleteGalleryItem - DELETE /api/gallery/{id}
func (h *Handler) HandleDeleteGalleryItem(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		response.BadRequest(w, "作品 ID 无效", "Invalid gallery item id")
		return
	}

	if err := h.store.DeleteUsageLog(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "not_found", "作品不存在", "Gallery item not found")
			return
		}
		log.Printf("❌ [Quota] Failed to delete usage log %d for user %s: %v", id, user.ID, err)
		response.Internal(w)
		return
	}

	log.Printf("🗑️  [Quota] User %s deleted gallery item %d", user.ID, id)
	response.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// Page - limit(기본 20, 최대 100)과 offset 파싱
func Page(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit = fallback.ClampQuantity(fallback.SafeInt(q.Get("limit"), defaultPageSize), maxPageSize)
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

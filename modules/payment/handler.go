package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/config"
	"imagine-engine-server/modules/common/database"
	"imagine-engine-server/modules/common/model"
	"imagine-engine-server/modules/common/response"
)

const (
	metadataUserID = "user_id"
	metadataPlan   = "plan"

	maxWebhookBytes = 64 << 10

	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// PlanStore - 구독 상태 반영
type PlanStore interface {
	ApplyPlan(ctx context.Context, userID, plan, customerID, subscriptionID string, periodEnd *time.Time) error
	CancelSubscription(ctx context.Context, stripeSubscriptionID string) error
}

type CheckoutRequest struct {
	Plan string `json:"plan"`
}

type CheckoutResponse struct {
	Success   bool   `json:"success"`
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

type Handler struct {
	checkout      CheckoutCreator
	store         PlanStore
	webhookSecret string
	prices        map[string]string
	successURL    string
	cancelURL     string
}

// NewHandler - checkout이 nil이면 결제 비활성화 (503)
func NewHandler(checkout CheckoutCreator, store PlanStore, cfg *config.Config) *Handler {
	return &Handler{
		checkout:      checkout,
		store:         store,
		webhookSecret: cfg.StripeWebhookSecret,
		prices: map[string]string{
			model.PlanPro:      cfg.StripePricePro,
			model.PlanBusiness: cfg.StripePriceBusiness,
		},
		successURL: cfg.CheckoutSuccessURL,
		cancelURL:  cfg.CheckoutCancelURL,
	}
}

// RegisterRoutes - 인증 필요 라우트
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/payment/stripe/create-checkout", h.HandleCreateCheckout).Methods("POST")
	log.Println("✅ Payment routes registered: /api/payment/stripe/create-checkout")
}

// RegisterPublicRoutes - Stripe 서명으로 검증하는 웹훅
func (h *Handler) RegisterPublicRoutes(r *mux.Router) {
	r.HandleFunc("/api/payment/stripe/webhook", h.HandleWebhook).Methods("POST")
	log.Println("✅ Payment webhook registered: /api/payment/stripe/webhook")
}

func billingUnavailable(w http.ResponseWriter) {
	response.Error(w, http.StatusServiceUnavailable, "billing_unavailable", "支付功能暂未开放", "Billing is not configured")
}

// HandleCreateCheckout - POST /api/payment/stripe/create-checkout
func (h *Handler) HandleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req CheckoutRequest
	if !response.ReadJSON(w, r, &req) {
		return
	}

	if !model.IsPaidPlan(req.Plan) {
		response.Error(w, http.StatusBadRequest, "invalid_plan", "无效的套餐", "Unknown or free plan")
		return
	}
	if h.checkout == nil || h.prices[req.Plan] == "" {
		billingUnavailable(w)
		return
	}

	session, err := h.checkout.CreateCheckout(r.Context(), CheckoutParams{
		UserID:     user.ID,
		Email:      user.Email,
		Plan:       req.Plan,
		PriceID:    h.prices[req.Plan],
		SuccessURL: h.successURL,
		CancelURL:  h.cancelURL,
	})
	if err != nil {
		log.Printf("❌ [Payment] Checkout creation failed for user %s: %v", user.ID, err)
		response.Error(w, http.StatusBadGateway, "checkout_failed", "创建支付失败，请重试", "Failed to create checkout session")
		return
	}

	log.Printf("💳 [Payment] Checkout session %s created for user %s (plan: %s)", session.ID, user.ID, req.Plan)
	response.JSON(w, http.StatusOK, CheckoutResponse{
		Success:   true,
		URL:       session.URL,
		SessionID: session.ID,
	})
}

// HandleWebhook - POST /api/payment/stripe/webhook
// 처리 실패 시 500 (Stripe 재전송 대상)
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		billingUnavailable(w)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		response.InvalidBody(w)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Printf("⚠️  [Payment] Webhook signature verification failed: %v", err)
		response.Error(w, http.StatusBadRequest, "invalid_signature", "签名验证失败", "Invalid webhook signature")
		return
	}

	log.Printf("📨 [Payment] Webhook event %s (%s)", event.ID, event.Type)

	switch string(event.Type) {
	case eventCheckoutCompleted:
		err = h.handleCheckoutCompleted(r.Context(), event)
	case eventSubscriptionDeleted:
		err = h.handleSubscriptionDeleted(r.Context(), event)
	}
	if err != nil {
		log.Printf("❌ [Payment] Failed to handle %s: %v", event.Type, err)
		response.Internal(w)
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{"received": true})
}

func (h *Handler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return err
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata[metadataUserID]
	}
	plan := session.Metadata[metadataPlan]
	if userID == "" || !model.IsPaidPlan(plan) {
		log.Printf("⚠️  [Payment] Checkout session %s missing user or plan (user=%q, plan=%q)", session.ID, userID, plan)
		return nil
	}

	var customerID, subscriptionID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	var periodEnd *time.Time
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
		if session.Subscription.CurrentPeriodEnd > 0 {
			t := time.Unix(session.Subscription.CurrentPeriodEnd, 0).UTC()
			periodEnd = &t
		}
	}

	return h.store.ApplyPlan(ctx, userID, plan, customerID, subscriptionID, periodEnd)
}

func (h *Handler) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return err
	}

	err := h.store.CancelSubscription(ctx, sub.ID)
	if errors.Is(err, database.ErrNotFound) {
		log.Printf("⚠️  [Payment] No local subscription for %s", sub.ID)
		return nil
	}
	return err
}

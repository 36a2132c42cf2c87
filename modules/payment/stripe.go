package payment

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// CheckoutParams - 결제 세션 생성 입력
type CheckoutParams struct {
	UserID     string
	Email      string
	Plan       string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession - 생성된 결제 세션
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutCreator - 결제 세션 생성기
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
}

// StripeCheckout - Stripe Checkout 구독 세션
type StripeCheckout struct {
	api *client.API
}

func NewStripeCheckout(secretKey string) *StripeCheckout {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeCheckout{api: api}
}

// CreateCheckout - 구독 모드 세션 생성 (client_reference_id와 metadata에 사용자/플랜 기록)
func (s *StripeCheckout) CreateCheckout(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}
	params.AddMetadata(metadataUserID, p.UserID)
	params.AddMetadata(metadataPlan, p.Plan)
	params.Context = ctx

	session, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/trip-dispatch/internal/models"
)

// Gateway holds, captures and releases card funds for a trip.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, idempotencyKey string, metadata map[string]string) (string, error)
	Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) error
	Cancel(ctx context.Context, intentID, idempotencyKey string) error
}

// StripeGateway drives PaymentIntents with capture_method=manual.
type StripeGateway struct{}

func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) Hold(ctx context.Context, amount int64, currency, idempotencyKey string, metadata map[string]string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", models.Unavailable("payments", err)
	}
	return pi.ID, nil
}

func (s *StripeGateway) Capture(ctx context.Context, intentID string, amount int64, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := paymentintent.Capture(intentID, params); err != nil {
		return models.Unavailable("payments", err)
	}
	return nil
}

func (s *StripeGateway) Cancel(ctx context.Context, intentID, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := paymentintent.Cancel(intentID, params); err != nil {
		return models.Unavailable("payments", err)
	}
	return nil
}

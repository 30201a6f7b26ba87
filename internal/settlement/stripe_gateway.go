package settlement

import (
	"context"
	"os"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
)

// StripeGateway implements Gateway against Stripe: funds are held as a
// manual-capture PaymentIntent opened at acceptance and resolved by a
// capture. A refund never touches captured money; it shrinks the
// capture and lets Stripe release the uncaptured remainder. Transfers
// move provider net to their connected account.
type StripeGateway struct {
	Currency string

	mu      sync.Mutex
	intents map[string]heldIntent // request id -> open hold
}

type heldIntent struct {
	id     string
	amount int64
}

// NewStripeGateway initializes the stripe client with the
// STRIPE_API_KEY env var.
func NewStripeGateway(currency string) *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGateway{Currency: currency, intents: make(map[string]heldIntent)}
}

// Hold creates a manual-capture PaymentIntent for the estimated fare
// so the funds are reserved before the fulfillment starts.
func (s *StripeGateway) Hold(ctx context.Context, requestID, customerID string, amount int64) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(s.Currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return apperrors.Upstream("stripe hold", err)
	}
	s.mu.Lock()
	s.intents[requestID] = heldIntent{id: pi.ID, amount: amount}
	s.mu.Unlock()
	return nil
}

func (s *StripeGateway) Release(ctx context.Context, requestID, providerID, reason string, amount int64) error {
	h, ok := s.take(requestID)
	if ok {
		if _, err := paymentintent.Capture(h.id, nil); err != nil {
			return apperrors.Upstream("stripe capture", err)
		}
	}
	_, err := transfer.New(&stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(s.Currency),
		Destination: stripe.String(providerID),
	})
	if err != nil {
		return apperrors.Upstream("stripe transfer", err)
	}
	return nil
}

// Refund settles an open hold for a cancellation: the requester gets
// the refunded part back and forfeits the rest. The intent is never
// captured before this point, so the forfeit is taken as a (possibly
// partial) capture and Stripe releases the uncaptured remainder; a
// full refund drops the hold outright.
func (s *StripeGateway) Refund(ctx context.Context, requestID, requesterID, reason string, amount int64) error {
	h, ok := s.take(requestID)
	if !ok {
		return apperrors.Upstream("stripe refund", apperrors.NotFound("no payment intent for request"))
	}
	forfeit := forfeitAmount(h.amount, amount)
	if forfeit == 0 {
		if _, err := paymentintent.Cancel(h.id, nil); err != nil {
			return apperrors.Upstream("stripe cancel", err)
		}
		return nil
	}
	params := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(forfeit)}
	if _, err := paymentintent.Capture(h.id, params); err != nil {
		return apperrors.Upstream("stripe capture", err)
	}
	return nil
}

// forfeitAmount is how much of a hold the platform keeps when refunding
// refunded out of held. Zero means the whole hold goes back.
func forfeitAmount(held, refunded int64) int64 {
	if refunded <= 0 {
		return held
	}
	if refunded >= held {
		return 0
	}
	return held - refunded
}

func (s *StripeGateway) RequestPayout(ctx context.Context, providerID, bankDetails string, amount int64) error {
	_, err := transfer.New(&stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(s.Currency),
		Destination: stripe.String(providerID),
	})
	if err != nil {
		return apperrors.Upstream("stripe payout", err)
	}
	return nil
}

// take removes and returns the open hold for a request; capture and
// cancel are both one-shot on a manual-capture intent.
func (s *StripeGateway) take(requestID string) (heldIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.intents[requestID]
	if ok {
		delete(s.intents, requestID)
	}
	return h, ok
}

package settlement

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/fulfillment-dispatch/internal/models"
	"github.com/example/fulfillment-dispatch/internal/observability"
)

// Gateway is the external escrow/fund-movement collaborator. The
// implementations are black boxes: a structured result or an error.
type Gateway interface {
	Release(ctx context.Context, requestID, providerID, reason string, amount int64) error
	Refund(ctx context.Context, requestID, requesterID, reason string, amount int64) error
	RequestPayout(ctx context.Context, providerID, bankDetails string, amount int64) error
}

// EarningsWriter is the slice of the store the calculator needs.
type EarningsWriter interface {
	SaveEarnings(ctx context.Context, rec models.EarningsRecord) error
}

// Split divides a gross fare into platform commission and provider
// net. Amounts are minor currency units, so commission + net == gross
// exactly.
func Split(gross int64, rate float64) (commission, net int64) {
	commission = int64(math.Round(float64(gross) * rate))
	return commission, gross - commission
}

// Calculator settles a completed fulfillment: it writes the immutable
// earnings record and asks the gateway to release the provider's net.
// A gateway failure leaves the record persisted with a pending payout
// status; release is retried out-of-band by the escrow system, never
// here.
type Calculator struct {
	CommissionRate float64
	Store          EarningsWriter
	Gateway        Gateway
	Logger         *slog.Logger
}

func (c *Calculator) Settle(ctx context.Context, assignmentID, providerID string, gross int64) (models.EarningsRecord, error) {
	commission, net := Split(gross, c.CommissionRate)
	rec := models.EarningsRecord{
		AssignmentID: assignmentID,
		Gross:        gross,
		Commission:   commission,
		Net:          net,
		PayoutStatus: models.PayoutReleased,
		CreatedAt:    time.Now(),
	}
	if err := c.Gateway.Release(ctx, assignmentID, providerID, "fulfillment completed", net); err != nil {
		c.Logger.Error("fund release failed, payout left pending",
			"assignment_id", assignmentID, "provider_id", providerID, "net", net, "error", err)
		rec.PayoutStatus = models.PayoutPending
	}
	// Return the computed split even when persistence fails, so callers
	// can report it alongside the error instead of an all-zero record.
	if err := c.Store.SaveEarnings(ctx, rec); err != nil {
		return rec, err
	}
	observability.SettlementsTotal.Inc()
	return rec, nil
}

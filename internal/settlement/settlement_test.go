package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/fulfillment-dispatch/internal/models"
)

func TestSplitExact(t *testing.T) {
	commission, net := Split(1600, 0.20)
	if commission != 320 || net != 1280 {
		t.Fatalf("expected 320/1280, got %d/%d", commission, net)
	}
}

func TestSplitNeverDrifts(t *testing.T) {
	for gross := int64(0); gross < 10000; gross += 37 {
		for _, rate := range []float64{0, 0.1, 0.15, 0.2, 0.25, 0.33} {
			commission, net := Split(gross, rate)
			if commission+net != gross {
				t.Fatalf("drift at gross=%d rate=%f: %d+%d", gross, rate, commission, net)
			}
		}
	}
}

type recGateway struct {
	err      error
	released []int64
}

func (g *recGateway) Release(_ context.Context, _, _, _ string, amount int64) error {
	if g.err != nil {
		return g.err
	}
	g.released = append(g.released, amount)
	return nil
}

func (g *recGateway) Refund(_ context.Context, _, _, _ string, _ int64) error     { return nil }
func (g *recGateway) RequestPayout(_ context.Context, _, _ string, _ int64) error { return nil }

type recWriter struct {
	err   error
	saved []models.EarningsRecord
}

func (w *recWriter) SaveEarnings(_ context.Context, rec models.EarningsRecord) error {
	if w.err != nil {
		return w.err
	}
	w.saved = append(w.saved, rec)
	return nil
}

func TestSettleReleasesNet(t *testing.T) {
	gw := &recGateway{}
	w := &recWriter{}
	c := &Calculator{CommissionRate: 0.20, Store: w, Gateway: gw, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	rec, err := c.Settle(context.Background(), "a1", "p1", 1600)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.PayoutStatus != models.PayoutReleased {
		t.Fatalf("expected released, got %s", rec.PayoutStatus)
	}
	if len(gw.released) != 1 || gw.released[0] != 1280 {
		t.Fatalf("expected one release of 1280, got %v", gw.released)
	}
	if len(w.saved) != 1 {
		t.Fatalf("expected one earnings record, got %d", len(w.saved))
	}
}

func TestSettlePersistsPendingOnGatewayFailure(t *testing.T) {
	gw := &recGateway{err: errors.New("escrow down")}
	w := &recWriter{}
	c := &Calculator{CommissionRate: 0.20, Store: w, Gateway: gw, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	rec, err := c.Settle(context.Background(), "a1", "p1", 1600)
	if err != nil {
		t.Fatalf("settle must not fail on gateway error: %v", err)
	}
	if rec.PayoutStatus != models.PayoutPending {
		t.Fatalf("expected pending, got %s", rec.PayoutStatus)
	}
	if len(w.saved) != 1 || w.saved[0].PayoutStatus != models.PayoutPending {
		t.Fatalf("pending record must persist, got %+v", w.saved)
	}
}

func TestSettleReturnsSplitWhenPersistFails(t *testing.T) {
	w := &recWriter{err: errors.New("db down")}
	c := &Calculator{CommissionRate: 0.20, Store: w, Gateway: &recGateway{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	rec, err := c.Settle(context.Background(), "a1", "p1", 1600)
	if err == nil {
		t.Fatal("expected persist error")
	}
	if rec.Gross != 1600 || rec.Commission != 320 || rec.Net != 1280 {
		t.Fatalf("the computed split must come back with the error, got %+v", rec)
	}
}

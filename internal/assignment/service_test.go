package assignment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
	"github.com/example/fulfillment-dispatch/internal/config"
	"github.com/example/fulfillment-dispatch/internal/models"
	"github.com/example/fulfillment-dispatch/internal/pricing"
	"github.com/example/fulfillment-dispatch/internal/settlement"
	"github.com/example/fulfillment-dispatch/internal/storage"
)

type fakeGateway struct {
	mu          sync.Mutex
	releaseErr  error
	releases    []int64
	refunds     []int64
	refundCalls int
}

func (f *fakeGateway) Release(_ context.Context, _, _, _ string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	f.releases = append(f.releases, amount)
	return nil
}

func (f *fakeGateway) Refund(_ context.Context, _, _, _ string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	f.refunds = append(f.refunds, amount)
	return nil
}

func (f *fakeGateway) RequestPayout(_ context.Context, _, _ string, _ int64) error { return nil }

func newTestService(gw *fakeGateway) (*Service, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := pricing.NewEngine(config.PricingConfig{
		BaseFare: 500, PerKm: 100, PerMinute: 20, MinFare: 500, RoundTo: 50, AvgSpeedKmh: 30,
		ClassMultipliers: map[string]float64{"standard": 1.0},
	}, nil)
	svc := &Service{
		Store:   store,
		Pricing: engine,
		Settler: &settlement.Calculator{
			CommissionRate: 0.20,
			Store:          store,
			Gateway:        gw,
			Logger:         logger,
		},
		Gateway:       gw,
		Logger:        logger,
		FullRefundAge: 48 * time.Hour,
		HalfRefundAge: 24 * time.Hour,
	}
	return svc, store
}

func createTestRequest(t *testing.T, svc *Service, id string, scheduledAt *time.Time) {
	t.Helper()
	_, err := svc.CreateRequest(context.Background(), CreateInput{
		ID:          id,
		RequesterID: "req-1",
		Pickup:      models.Location{Lat: 6.5244, Lng: 3.3792},
		Dropoff:     &models.Location{Lat: 6.4541, Lng: 3.3947},
		Class:       models.ClassStandard,
		Priority:    3,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWinner(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	createTestRequest(t, svc, "r1", nil)

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Accept(context.Background(), "r1", providerID(i))
		}(i)
	}
	wg.Wait()

	winners, conflicts := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, apperrors.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if winners != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d/%d", n-1, winners, conflicts)
	}
}

func providerID(i int) string { return string(rune('a'+i)) + "-prov" }

func TestFullLifecycleSettlesExactly(t *testing.T) {
	gw := &fakeGateway{}
	svc, store := newTestService(gw)
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, "r1", "prov-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := svc.Start(ctx, "r1", "prov-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, rec, err := svc.Complete(ctx, "r1", "prov-1", 8.0, 16.0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if a.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", a.Status)
	}
	// 500 + 800 + 320 = 1620 -> rounded 1600; 20% commission.
	if rec.Gross != 1600 || rec.Commission != 320 || rec.Net != 1280 {
		t.Fatalf("wrong split: %+v", rec)
	}
	if rec.Commission+rec.Net != rec.Gross {
		t.Fatalf("split drift: %+v", rec)
	}
	if rec.PayoutStatus != models.PayoutReleased {
		t.Fatalf("expected released payout, got %s", rec.PayoutStatus)
	}
	if _, ok := store.Earnings("r1"); !ok {
		t.Fatal("earnings record not persisted")
	}
	req, _ := store.GetRequest(ctx, "r1")
	if req.FinalFare != 1600 {
		t.Fatalf("final fare not recorded, got %d", req.FinalFare)
	}
}

func TestCompleteSurvivesGatewayFailure(t *testing.T) {
	gw := &fakeGateway{releaseErr: errors.New("escrow down")}
	svc, store := newTestService(gw)
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()

	_, _ = svc.Accept(ctx, "r1", "prov-1")
	_, _ = svc.Start(ctx, "r1", "prov-1")
	a, rec, err := svc.Complete(ctx, "r1", "prov-1", 8.0, 16.0)
	if err != nil {
		t.Fatalf("completion must not depend on payout: %v", err)
	}
	if a.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", a.Status)
	}
	if rec.PayoutStatus != models.PayoutPending {
		t.Fatalf("expected pending payout, got %s", rec.PayoutStatus)
	}
	if got, ok := store.Earnings("r1"); !ok || got.PayoutStatus != models.PayoutPending {
		t.Fatalf("pending record must still persist, got %+v ok=%v", got, ok)
	}
}

func TestStartRejectsWrongProvider(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()
	_, _ = svc.Accept(ctx, "r1", "prov-1")

	_, err := svc.Start(ctx, "r1", "prov-2")
	if apperrors.KindOf(err) != apperrors.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestStartRequiresAcceptedState(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	createTestRequest(t, svc, "r1", nil)
	// No provider yet; the recorded provider is "".
	_, err := svc.Start(context.Background(), "r1", "")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict from requested state, got %v", err)
	}
}

func TestCancelBeforeAcceptIsFree(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newTestService(gw)
	createTestRequest(t, svc, "r1", nil)

	a, refund, err := svc.Cancel(context.Background(), "r1", "req-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", a.Status)
	}
	if refund != 0 {
		t.Fatalf("pre-accept cancel moves no funds, got refund %d", refund)
	}
	if gw.refundCalls != 0 {
		t.Fatal("nothing was held pre-accept; no gateway refund expected")
	}
}

// interceptStore injects a concurrent writer between Cancel's status
// read and its conditional transition.
type interceptStore struct {
	storage.Store
	beforeCancel func()
}

func (s *interceptStore) TransitionAssignment(ctx context.Context, requestID string, from []models.Status, to models.Status, patch storage.TransitionPatch) (*models.Assignment, error) {
	if to == models.StatusCancelled && s.beforeCancel != nil {
		s.beforeCancel()
	}
	return s.Store.TransitionAssignment(ctx, requestID, from, to, patch)
}

func TestCancelLosesToInterleavedAccept(t *testing.T) {
	gw := &fakeGateway{}
	svc, store := newTestService(gw)
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()

	pid := "prov-1"
	svc.Store = &interceptStore{Store: store, beforeCancel: func() {
		if _, err := store.TransitionAssignment(ctx, "r1",
			[]models.Status{models.StatusRequested, models.StatusOffered},
			models.StatusAccepted, storage.TransitionPatch{ProviderID: &pid}); err != nil {
			t.Fatalf("interleaved accept: %v", err)
		}
	}}

	_, _, err := svc.Cancel(ctx, "r1", "req-1")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("cancel must lose to the interleaved accept, got %v", err)
	}
	if gw.refundCalls != 0 {
		t.Fatalf("a losing cancel must not move funds, calls=%d", gw.refundCalls)
	}
	a, err := store.GetAssignment(ctx, "r1")
	if err != nil || a.Status != models.StatusAccepted {
		t.Fatalf("the claim must survive, got %+v err=%v", a, err)
	}
}

func TestCancelAfterCompletionConflicts(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()
	_, _ = svc.Accept(ctx, "r1", "prov-1")
	_, _ = svc.Start(ctx, "r1", "prov-1")
	if _, _, err := svc.Complete(ctx, "r1", "prov-1", 8.0, 16.0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	_, _, err := svc.Cancel(ctx, "r1", "req-1")
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("cancelling a terminal assignment must conflict, got %v", err)
	}
}

func TestCancelRefundTiers(t *testing.T) {
	cases := []struct {
		name string
		lead time.Duration
		want int64
	}{
		{"50h before service", 50 * time.Hour, 1600},
		{"30h before service", 30 * time.Hour, 800},
		{"2h before service", 2 * time.Hour, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{}
			svc, _ := newTestService(gw)
			now := time.Now()
			svc.now = func() time.Time { return now }
			scheduled := now.Add(tc.lead)
			createTestRequest(t, svc, "r1", &scheduled)
			ctx := context.Background()
			if _, err := svc.Accept(ctx, "r1", "prov-1"); err != nil {
				t.Fatalf("accept: %v", err)
			}
			_, refund, err := svc.Cancel(ctx, "r1", "req-1")
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if refund != tc.want {
				t.Fatalf("expected refund %d, got %d", tc.want, refund)
			}
			if gw.refundCalls != 1 || gw.refunds[0] != tc.want {
				t.Fatalf("gateway refund mismatch: calls=%d refunds=%v", gw.refundCalls, gw.refunds)
			}
		})
	}
}

func TestCancelUnscheduledPostAcceptForfeitsHold(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newTestService(gw)
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()
	_, _ = svc.Accept(ctx, "r1", "prov-1")

	_, refund, err := svc.Cancel(ctx, "r1", "req-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if refund != 0 {
		t.Fatalf("immediate post-accept cancel refunds nothing, got %d", refund)
	}
}

func TestCancelByStrangerForbidden(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	createTestRequest(t, svc, "r1", nil)
	_, _, err := svc.Cancel(context.Background(), "r1", "someone-else")
	if apperrors.KindOf(err) != apperrors.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestCancelRacesWithAccept(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var acceptErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = svc.Accept(ctx, "r1", "prov-1")
	}()
	go func() {
		defer wg.Done()
		_, _, cancelErr = svc.Cancel(ctx, "r1", "req-1")
	}()
	wg.Wait()

	// Whichever conditional update landed first wins; the loser must
	// see a conflict, never corruption.
	if acceptErr == nil && cancelErr == nil {
		a, _ := svc.Store.GetAssignment(ctx, "r1")
		// Cancel can legitimately follow a successful accept when it
		// observed the accepted state before its own transition.
		if a.Status != models.StatusCancelled {
			t.Fatalf("both won but state is %s", a.Status)
		}
		return
	}
	for _, err := range []error{acceptErr, cancelErr} {
		if err != nil && !errors.Is(err, apperrors.ErrConflict) {
			t.Fatalf("loser must see conflict, got %v", err)
		}
	}
}

func TestFailOnlyTouchesNonTerminal(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()

	a, err := svc.Fail(ctx, "r1", "automatic timeout")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if a.Status != models.StatusFailed || a.FailureReason != "automatic timeout" {
		t.Fatalf("wrong failure record: %+v", a)
	}
	if _, err := svc.Fail(ctx, "r1", "again"); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("failing a terminal assignment must conflict, got %v", err)
	}
}

func TestFailAfterAcceptRefundsHold(t *testing.T) {
	gw := &fakeGateway{}
	svc, _ := newTestService(gw)
	createTestRequest(t, svc, "r1", nil)
	ctx := context.Background()
	if _, err := svc.Accept(ctx, "r1", "prov-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := svc.Fail(ctx, "r1", "automatic timeout"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if gw.refundCalls != 1 || gw.refunds[0] != 1600 {
		t.Fatalf("failure after accept must return the full hold: calls=%d refunds=%v", gw.refundCalls, gw.refunds)
	}
}

func TestRefundFractionTiers(t *testing.T) {
	now := time.Now()
	full, half := 48*time.Hour, 24*time.Hour
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	if got := RefundFraction(full, half, at(49*time.Hour), now); got != 1.0 {
		t.Fatalf("49h lead: expected 1.0, got %f", got)
	}
	if got := RefundFraction(full, half, at(48*time.Hour), now); got != 1.0 {
		t.Fatalf("exactly 48h: expected 1.0, got %f", got)
	}
	if got := RefundFraction(full, half, at(25*time.Hour), now); got != 0.5 {
		t.Fatalf("25h lead: expected 0.5, got %f", got)
	}
	if got := RefundFraction(full, half, at(1*time.Hour), now); got != 0 {
		t.Fatalf("1h lead: expected 0, got %f", got)
	}
	if got := RefundFraction(full, half, nil, now); got != 0 {
		t.Fatalf("unscheduled: expected 0, got %f", got)
	}
}

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
	"github.com/example/fulfillment-dispatch/internal/models"
)

func newRequest(id, requester string) *models.FulfillmentRequest {
	return &models.FulfillmentRequest{
		ID:          id,
		RequesterID: requester,
		Pickup:      models.Location{Lat: 6.5, Lng: 3.3},
		Class:       models.ClassStandard,
		Priority:    3,
	}
}

func TestCreateRequestCreatesEmptyAssignment(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateRequest(ctx, newRequest("r1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	a, err := m.GetAssignment(ctx, "r1")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if a.Status != models.StatusRequested || a.ProviderID != "" {
		t.Fatalf("expected empty requested assignment, got %+v", a)
	}
}

func TestTransitionConflictVsNotFound(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.CreateRequest(ctx, newRequest("r1", "u1"))

	p := "prov1"
	if _, err := m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusRequested}, models.StatusAccepted, TransitionPatch{ProviderID: &p}); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	// Same expected-status transition again loses the race.
	_, err := m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusRequested}, models.StatusAccepted, TransitionPatch{ProviderID: &p})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Unknown id is a distinct outcome.
	_, err = m.TransitionAssignment(ctx, "nope", []models.Status{models.StatusRequested}, models.StatusAccepted, TransitionPatch{})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTerminalStateNeverReopens(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.CreateRequest(ctx, newRequest("r1", "u1"))
	reason := "test"
	if _, err := m.TransitionAssignment(ctx, "r1", models.NonTerminalStatuses(), models.StatusCancelled, TransitionPatch{FailureReason: &reason}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := m.TransitionAssignment(ctx, "r1", models.NonTerminalStatuses(), models.StatusFailed, TransitionPatch{})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("terminal assignment must not transition, got %v", err)
	}
}

func TestProviderSingleActiveAssignment(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.CreateRequest(ctx, newRequest("r1", "u1"))
	_ = m.CreateRequest(ctx, newRequest("r2", "u2"))

	p := "prov1"
	if _, err := m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusRequested}, models.StatusAccepted, TransitionPatch{ProviderID: &p}); err != nil {
		t.Fatalf("accept r1: %v", err)
	}
	_, err := m.TransitionAssignment(ctx, "r2", []models.Status{models.StatusRequested}, models.StatusAccepted, TransitionPatch{ProviderID: &p})
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("provider already busy, expected conflict, got %v", err)
	}
	// After r1 completes, the provider can claim again.
	if _, err := m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusAccepted}, models.StatusStarted, TransitionPatch{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	fare := int64(900)
	if _, err := m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusStarted}, models.StatusCompleted, TransitionPatch{FinalFare: &fare}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := m.TransitionAssignment(ctx, "r2", []models.Status{models.StatusRequested}, models.StatusAccepted, TransitionPatch{ProviderID: &p}); err != nil {
		t.Fatalf("accept r2 after r1 terminal: %v", err)
	}
}

func TestFinalFarePatchAppliedToRequest(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.CreateRequest(ctx, newRequest("r1", "u1"))
	p := "prov1"
	_, _ = m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusRequested}, models.StatusAccepted, TransitionPatch{ProviderID: &p})
	_, _ = m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusAccepted}, models.StatusStarted, TransitionPatch{})
	fare := int64(1600)
	if _, err := m.TransitionAssignment(ctx, "r1", []models.Status{models.StatusStarted}, models.StatusCompleted, TransitionPatch{FinalFare: &fare}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	req, err := m.GetRequest(ctx, "r1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.FinalFare != 1600 || req.Status != models.StatusCompleted {
		t.Fatalf("expected final fare 1600 completed, got %+v", req)
	}
}

func TestSaveEarningsIsInsertOnce(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	rec := models.EarningsRecord{AssignmentID: "a1", Gross: 1600, Commission: 320, Net: 1280, PayoutStatus: models.PayoutReleased, CreatedAt: time.Now()}
	if err := m.SaveEarnings(ctx, rec); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := m.SaveEarnings(ctx, rec); !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("second save must conflict, got %v", err)
	}
}

func TestDeleteExpiredTrackingOnlyTerminal(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.CreateRequest(ctx, newRequest("live", "u1"))
	_ = m.CreateRequest(ctx, newRequest("done", "u2"))
	reason := "test"
	_, _ = m.TransitionAssignment(ctx, "done", models.NonTerminalStatuses(), models.StatusCancelled, TransitionPatch{FailureReason: &reason})

	old := time.Now().Add(-100 * time.Hour)
	_ = m.AppendTracking(ctx, models.TrackingEvent{AssignmentID: "live", At: old})
	_ = m.AppendTracking(ctx, models.TrackingEvent{AssignmentID: "done", At: old})
	_ = m.AppendTracking(ctx, models.TrackingEvent{AssignmentID: "done", At: time.Now()})

	deleted, err := m.DeleteExpiredTracking(ctx, time.Now().Add(-72*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted (terminal+old), got %d", deleted)
	}
	if m.TrackingCount() != 2 {
		t.Fatalf("expected 2 retained, got %d", m.TrackingCount())
	}
}

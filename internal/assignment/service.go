package assignment

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
	"github.com/example/fulfillment-dispatch/internal/models"
	"github.com/example/fulfillment-dispatch/internal/observability"
	"github.com/example/fulfillment-dispatch/internal/pricing"
	"github.com/example/fulfillment-dispatch/internal/settlement"
	"github.com/example/fulfillment-dispatch/internal/storage"
)

// Notifier enqueues a templated multi-channel notification.
// Fire-and-forget: failures are the notification system's problem.
type Notifier interface {
	Notify(ctx context.Context, template string, vars map[string]string)
}

// Broadcaster pushes a status update to subscribers of an assignment.
type Broadcaster interface {
	Broadcast(assignmentID string, payload any)
}

// Holder reserves the estimated fare when a provider claims a request.
// Optional; a nil Holder skips the reservation.
type Holder interface {
	Hold(ctx context.Context, requestID, customerID string, amount int64) error
}

// Service owns the request/provider pairing lifecycle. Every state
// change goes through the store's conditional transition, so two racing
// calls can never both win: the loser sees ErrConflict and reports it
// as a Conflict outcome distinct from NotFound.
type Service struct {
	Store    storage.Store
	Pricing  *pricing.Engine
	Settler  *settlement.Calculator
	Gateway  settlement.Gateway
	Holder   Holder
	Notifier Notifier
	Hub      Broadcaster
	Logger   *slog.Logger

	FullRefundAge time.Duration
	HalfRefundAge time.Duration

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// CreateRequest prices an estimate and persists the request together
// with its empty assignment in state requested.
type CreateInput struct {
	ID          string
	RequesterID string
	Pickup      models.Location
	Dropoff     *models.Location
	DropoffText string
	Class       models.CapabilityClass
	Priority    int
	ScheduledAt *time.Time
}

func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (*models.FulfillmentRequest, error) {
	estimate, _, _ := s.Pricing.Estimate(in.Pickup, in.Dropoff, in.Class)
	req := &models.FulfillmentRequest{
		ID:            in.ID,
		RequesterID:   in.RequesterID,
		Pickup:        in.Pickup,
		Dropoff:       in.Dropoff,
		DropoffText:   in.DropoffText,
		Class:         in.Class,
		Priority:      in.Priority,
		ScheduledAt:   in.ScheduledAt,
		EstimatedFare: estimate,
	}
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	observability.RequestsCreated.Inc()
	return req, nil
}

// Offer marks the assignment as proposed to candidates. Informational:
// it does not claim a provider, and a request already claimed simply
// reports Conflict.
func (s *Service) Offer(ctx context.Context, requestID string) (*models.Assignment, error) {
	return s.Store.TransitionAssignment(ctx, requestID,
		[]models.Status{models.StatusRequested}, models.StatusOffered, storage.TransitionPatch{})
}

// Accept is the guarded claim. Under N concurrent attempts exactly one
// conditional update lands; the rest observe zero affected rows and get
// Conflict.
func (s *Service) Accept(ctx context.Context, requestID, providerID string) (*models.Assignment, error) {
	a, err := s.Store.TransitionAssignment(ctx, requestID,
		[]models.Status{models.StatusRequested, models.StatusOffered},
		models.StatusAccepted, storage.TransitionPatch{ProviderID: &providerID})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	if s.Holder != nil {
		req, rerr := s.Store.GetRequest(ctx, requestID)
		if rerr == nil {
			if herr := s.Holder.Hold(ctx, requestID, req.RequesterID, req.EstimatedFare); herr != nil {
				s.Logger.Warn("fare hold failed", "request_id", requestID, "error", herr)
			}
		}
	}
	s.announce(ctx, a, "assignment_accepted")
	return a, nil
}

// Start rejects callers other than the claiming provider and any state
// but accepted.
func (s *Service) Start(ctx context.Context, requestID, providerID string) (*models.Assignment, error) {
	if err := s.requireProvider(ctx, requestID, providerID); err != nil {
		return nil, err
	}
	a, err := s.Store.TransitionAssignment(ctx, requestID,
		[]models.Status{models.StatusAccepted}, models.StatusStarted, storage.TransitionPatch{})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, a, "assignment_started")
	return a, nil
}

// Complete finalizes the fare from actual measurements and settles
// synchronously. Settlement gateway failure does not undo completion.
func (s *Service) Complete(ctx context.Context, requestID, providerID string, actualKm, actualMin float64) (*models.Assignment, *models.EarningsRecord, error) {
	if err := s.requireProvider(ctx, requestID, providerID); err != nil {
		return nil, nil, err
	}
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	finalFare := s.Pricing.Final(req.Pickup, req.Class, actualKm, actualMin)
	a, err := s.Store.TransitionAssignment(ctx, requestID,
		[]models.Status{models.StatusStarted}, models.StatusCompleted,
		storage.TransitionPatch{FinalFare: &finalFare})
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.Settler.Settle(ctx, requestID, providerID, finalFare)
	if err != nil {
		// The transition already landed; record the settlement failure
		// but keep the completion.
		s.Logger.Error("settlement persist failed", "request_id", requestID, "error", err)
	}
	s.announce(ctx, a, "assignment_completed")
	return a, &rec, nil
}

// Cancel is requester-initiated and races fairly with Accept: the
// transition is guarded on the exact status observed here, so a claim
// landing in between makes the cancel lose with Conflict and the caller
// re-fetches. After acceptance a time-based refund tier applies; before
// acceptance cancellation is free and moves no funds.
func (s *Service) Cancel(ctx context.Context, requestID, requesterID string) (*models.Assignment, int64, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	if req.RequesterID != requesterID {
		return nil, 0, apperrors.Forbidden("not the requester of this fulfillment")
	}
	prior, err := s.Store.GetAssignment(ctx, requestID)
	if err != nil {
		return nil, 0, err
	}
	if prior.Status.Terminal() {
		return nil, 0, apperrors.Conflict("assignment already terminal")
	}
	reason := "cancelled by requester"
	a, err := s.Store.TransitionAssignment(ctx, requestID,
		[]models.Status{prior.Status}, models.StatusCancelled,
		storage.TransitionPatch{FailureReason: &reason})
	if err != nil {
		return nil, 0, err
	}

	// The guard above pins the transition to the observed status, so
	// prior.AcceptedAt cannot be stale here. Before acceptance nothing
	// was held and the refund stays zero.
	var refundAmount int64
	if prior.AcceptedAt != nil {
		fraction := RefundFraction(s.FullRefundAge, s.HalfRefundAge, req.ScheduledAt, s.clock())
		refundAmount = int64(math.Round(float64(req.EstimatedFare) * fraction))
		if err := s.Gateway.Refund(ctx, requestID, requesterID, "requester cancellation", refundAmount); err != nil {
			s.Logger.Error("refund failed", "request_id", requestID, "amount", refundAmount, "error", err)
		}
	}
	s.announce(ctx, a, "assignment_cancelled")
	return a, refundAmount, nil
}

// Fail force-terminates a non-terminal assignment. Only the sweeper
// and administrative overrides call this; it uses the same conditional
// discipline so it can never clobber a concurrent transition. A hold
// taken at acceptance is returned in full: the service, not the
// requester, failed to deliver.
func (s *Service) Fail(ctx context.Context, requestID, reason string) (*models.Assignment, error) {
	prior, err := s.Store.GetAssignment(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if prior.Status.Terminal() {
		return nil, apperrors.Conflict("assignment already terminal")
	}
	a, err := s.Store.TransitionAssignment(ctx, requestID,
		[]models.Status{prior.Status}, models.StatusFailed,
		storage.TransitionPatch{FailureReason: &reason})
	if err != nil {
		return nil, err
	}
	if prior.AcceptedAt != nil {
		if req, rerr := s.Store.GetRequest(ctx, requestID); rerr == nil {
			if ferr := s.Gateway.Refund(ctx, requestID, req.RequesterID, reason, req.EstimatedFare); ferr != nil {
				s.Logger.Error("refund after failure failed", "request_id", requestID, "error", ferr)
			}
		}
	}
	s.announce(ctx, a, "assignment_failed")
	return a, nil
}

func (s *Service) requireProvider(ctx context.Context, requestID, providerID string) error {
	a, err := s.Store.GetAssignment(ctx, requestID)
	if err != nil {
		return err
	}
	if a.ProviderID != providerID {
		return apperrors.Forbidden("assignment belongs to another provider")
	}
	return nil
}

func (s *Service) announce(ctx context.Context, a *models.Assignment, template string) {
	if s.Hub != nil {
		s.Hub.Broadcast(a.RequestID, map[string]any{
			"request_id": a.RequestID,
			"status":     a.Status,
		})
	}
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, template, map[string]string{
			"request_id":  a.RequestID,
			"provider_id": a.ProviderID,
			"status":      string(a.Status),
		})
	}
}

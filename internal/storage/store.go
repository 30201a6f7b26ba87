package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
	"github.com/example/fulfillment-dispatch/internal/models"
)

// TransitionPatch carries the fields a lifecycle transition may set
// alongside the status change. Nil pointers leave columns untouched.
type TransitionPatch struct {
	ProviderID    *string
	FinalFare     *int64
	FailureReason *string
}

// Store defines persistence for requests, assignments, earnings and
// tracking events. All cross-call consistency lives here: transitions
// are conditional on the expected prior status, and callers of
// TransitionAssignment must treat ErrConflict ("someone else got there
// first") and ErrNotFound as distinct outcomes.
type Store interface {
	CreateRequest(ctx context.Context, req *models.FulfillmentRequest) error
	GetRequest(ctx context.Context, id string) (*models.FulfillmentRequest, error)
	GetAssignment(ctx context.Context, requestID string) (*models.Assignment, error)
	ActiveRequestForUser(ctx context.Context, requesterID string) (*models.FulfillmentRequest, *models.Assignment, error)
	ActiveAssignmentForProvider(ctx context.Context, providerID string) (*models.Assignment, error)

	// TransitionAssignment performs a compare-and-swap: the write
	// succeeds only if the assignment's current status is one of from.
	// It returns the post-transition assignment on success.
	TransitionAssignment(ctx context.Context, requestID string, from []models.Status, to models.Status, patch TransitionPatch) (*models.Assignment, error)

	SaveEarnings(ctx context.Context, rec models.EarningsRecord) error
	AppendTracking(ctx context.Context, ev models.TrackingEvent) error

	ListStaleAssignments(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Assignment, error)
	DeleteExpiredTracking(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore is the in-process Store used for local runs and tests.
// Its mutex gives the same atomicity per transition that the Postgres
// implementation gets from a status-guarded UPDATE.
type MemoryStore struct {
	mu          sync.Mutex
	requests    map[string]*models.FulfillmentRequest
	assignments map[string]*models.Assignment
	earnings    map[string]models.EarningsRecord
	tracking    []models.TrackingEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*models.FulfillmentRequest),
		assignments: make(map[string]*models.Assignment),
		earnings:    make(map[string]models.EarningsRecord),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *models.FulfillmentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	req.Status = models.StatusRequested
	req.CreatedAt = now
	req.UpdatedAt = now
	cp := *req
	m.requests[req.ID] = &cp
	m.assignments[req.ID] = &models.Assignment{
		RequestID: req.ID,
		Status:    models.StatusRequested,
		UpdatedAt: now,
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.FulfillmentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, requestID string) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[requestID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ActiveRequestForUser(_ context.Context, requesterID string) (*models.FulfillmentRequest, *models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.requests {
		if r.RequesterID != requesterID {
			continue
		}
		a := m.assignments[id]
		if a != nil && !a.Status.Terminal() {
			rc, ac := *r, *a
			return &rc, &ac, nil
		}
	}
	return nil, nil, apperrors.ErrNotFound
}

func (m *MemoryStore) ActiveAssignmentForProvider(_ context.Context, providerID string) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.ProviderID == providerID && !a.Status.Terminal() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *MemoryStore) TransitionAssignment(_ context.Context, requestID string, from []models.Status, to models.Status, patch TransitionPatch) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[requestID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if !statusIn(a.Status, from) {
		return nil, apperrors.ErrConflict
	}
	if patch.ProviderID != nil {
		// One non-terminal assignment per provider.
		for id, other := range m.assignments {
			if id != requestID && other.ProviderID == *patch.ProviderID && !other.Status.Terminal() {
				return nil, apperrors.ErrConflict
			}
		}
		a.ProviderID = *patch.ProviderID
	}
	now := time.Now()
	a.Status = to
	a.UpdatedAt = now
	stampTransition(a, to, now)
	if patch.FailureReason != nil {
		a.FailureReason = *patch.FailureReason
	}
	if r, ok := m.requests[requestID]; ok {
		r.Status = to
		r.UpdatedAt = now
		if patch.FinalFare != nil {
			r.FinalFare = *patch.FinalFare
		}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) SaveEarnings(_ context.Context, rec models.EarningsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.earnings[rec.AssignmentID]; exists {
		return apperrors.ErrConflict
	}
	m.earnings[rec.AssignmentID] = rec
	return nil
}

// Earnings returns the settlement record for an assignment, if any.
func (m *MemoryStore) Earnings(assignmentID string) (models.EarningsRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.earnings[assignmentID]
	return rec, ok
}

func (m *MemoryStore) AppendTracking(_ context.Context, ev models.TrackingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracking = append(m.tracking, ev)
	return nil
}

func (m *MemoryStore) ListStaleAssignments(_ context.Context, updatedBefore time.Time, limit int) ([]models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Assignment, 0)
	for _, a := range m.assignments {
		if a.Status.Terminal() || !a.UpdatedAt.Before(updatedBefore) {
			continue
		}
		out = append(out, *a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteExpiredTracking(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tracking[:0]
	var deleted int64
	for _, ev := range m.tracking {
		a := m.assignments[ev.AssignmentID]
		if a != nil && a.Status.Terminal() && ev.At.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	m.tracking = kept
	return deleted, nil
}

// TrackingCount reports the number of retained tracking events.
func (m *MemoryStore) TrackingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracking)
}

func stampTransition(a *models.Assignment, to models.Status, now time.Time) {
	switch to {
	case models.StatusOffered:
		a.AssignedAt = &now
	case models.StatusAccepted:
		a.AcceptedAt = &now
	case models.StatusStarted:
		a.StartedAt = &now
	case models.StatusCompleted:
		a.CompletedAt = &now
	case models.StatusFailed, models.StatusCancelled:
		a.FailedAt = &now
	}
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
	"github.com/example/fulfillment-dispatch/internal/models"
)

// PostgresStore implements Store on a relational database. The
// transition CAS is a status-guarded UPDATE checked by affected-row
// count; the one-active-assignment-per-provider invariant is a partial
// unique index (see migrations), surfaced here as ErrConflict.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateRequest(ctx context.Context, req *models.FulfillmentRequest) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	req.Status = models.StatusRequested
	req.CreatedAt = now
	req.UpdatedAt = now

	var destLat, destLng sql.NullFloat64
	if req.Dropoff != nil {
		destLat = sql.NullFloat64{Float64: req.Dropoff.Lat, Valid: true}
		destLng = sql.NullFloat64{Float64: req.Dropoff.Lng, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests(id, requester_id, pickup_lat, pickup_lng, dest_lat, dest_lng, dest_text,
			class, priority, scheduled_at, status, estimated_fare, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		req.ID, req.RequesterID, req.Pickup.Lat, req.Pickup.Lng, destLat, destLng, req.DropoffText,
		req.Class, req.Priority, req.ScheduledAt, req.Status, req.EstimatedFare, req.CreatedAt, req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignments(request_id, status, updated_at) VALUES($1,$2,$3)`,
		req.ID, models.StatusRequested, now)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.FulfillmentRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, requester_id, pickup_lat, pickup_lng, dest_lat, dest_lng, dest_text,
			class, priority, scheduled_at, status, estimated_fare, COALESCE(final_fare, 0), created_at, updated_at
		FROM requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) GetAssignment(ctx context.Context, requestID string) (*models.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT request_id, COALESCE(provider_id, ''), status, assigned_at, accepted_at,
			started_at, completed_at, failed_at, COALESCE(failure_reason, ''), updated_at
		FROM assignments WHERE request_id = $1`, requestID)
	return scanAssignment(row)
}

func (p *PostgresStore) ActiveRequestForUser(ctx context.Context, requesterID string) (*models.FulfillmentRequest, *models.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT r.id, r.requester_id, r.pickup_lat, r.pickup_lng, r.dest_lat, r.dest_lng, r.dest_text,
			r.class, r.priority, r.scheduled_at, r.status, r.estimated_fare, COALESCE(r.final_fare, 0), r.created_at, r.updated_at
		FROM requests r
		JOIN assignments a ON a.request_id = r.id
		WHERE r.requester_id = $1 AND a.status = ANY($2)
		ORDER BY r.created_at DESC LIMIT 1`,
		requesterID, statusArray(models.NonTerminalStatuses()))
	req, err := scanRequest(row)
	if err != nil {
		return nil, nil, err
	}
	a, err := p.GetAssignment(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	return req, a, nil
}

func (p *PostgresStore) ActiveAssignmentForProvider(ctx context.Context, providerID string) (*models.Assignment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT request_id, COALESCE(provider_id, ''), status, assigned_at, accepted_at,
			started_at, completed_at, failed_at, COALESCE(failure_reason, ''), updated_at
		FROM assignments
		WHERE provider_id = $1 AND status = ANY($2)`,
		providerID, statusArray(models.NonTerminalStatuses()))
	return scanAssignment(row)
}

func (p *PostgresStore) TransitionAssignment(ctx context.Context, requestID string, from []models.Status, to models.Status, patch TransitionPatch) (*models.Assignment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE assignments SET
			status = $1,
			updated_at = $2,
			provider_id = COALESCE($3, provider_id),
			failure_reason = COALESCE($4, failure_reason),
			assigned_at  = CASE WHEN $1 = 'offered'   THEN $2 ELSE assigned_at END,
			accepted_at  = CASE WHEN $1 = 'accepted'  THEN $2 ELSE accepted_at END,
			started_at   = CASE WHEN $1 = 'started'   THEN $2 ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END,
			failed_at    = CASE WHEN $1 IN ('failed','cancelled') THEN $2 ELSE failed_at END
		WHERE request_id = $5 AND status = ANY($6)`,
		to, now, patch.ProviderID, patch.FailureReason, requestID, statusArray(from))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.ErrConflict
		}
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a lost race from a request that never existed.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM assignments WHERE request_id = $1)`, requestID).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, apperrors.ErrConflict
		}
		return nil, apperrors.ErrNotFound
	}

	if patch.FinalFare != nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE requests SET status = $1, final_fare = $2, updated_at = $3 WHERE id = $4`,
			to, *patch.FinalFare, now, requestID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE requests SET status = $1, updated_at = $2 WHERE id = $3`,
			to, now, requestID)
	}
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT request_id, COALESCE(provider_id, ''), status, assigned_at, accepted_at,
			started_at, completed_at, failed_at, COALESCE(failure_reason, ''), updated_at
		FROM assignments WHERE request_id = $1`, requestID)
	a, err := scanAssignment(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) SaveEarnings(ctx context.Context, rec models.EarningsRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO earnings(assignment_id, gross, commission, net, payout_status, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		rec.AssignmentID, rec.Gross, rec.Commission, rec.Net, rec.PayoutStatus, rec.CreatedAt)
	if isUniqueViolation(err) {
		return apperrors.ErrConflict
	}
	return err
}

func (p *PostgresStore) AppendTracking(ctx context.Context, ev models.TrackingEvent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tracking_events(assignment_id, lat, lng, at) VALUES($1,$2,$3,$4)`,
		ev.AssignmentID, ev.Loc.Lat, ev.Loc.Lng, ev.At)
	return err
}

func (p *PostgresStore) ListStaleAssignments(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT request_id, COALESCE(provider_id, ''), status, assigned_at, accepted_at,
			started_at, completed_at, failed_at, COALESCE(failure_reason, ''), updated_at
		FROM assignments
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`,
		statusArray(models.NonTerminalStatuses()), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteExpiredTracking(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM tracking_events t
		USING assignments a
		WHERE a.request_id = t.assignment_id
		  AND a.status = ANY($1)
		  AND t.at < $2`,
		statusArray([]models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled}), before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DB exposes the underlying handle for collaborators that share the
// datastore (the stored-procedure settlement gateway).
func (p *PostgresStore) DB() *sql.DB { return p.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.FulfillmentRequest, error) {
	var r models.FulfillmentRequest
	var destLat, destLng sql.NullFloat64
	var scheduled sql.NullTime
	err := row.Scan(&r.ID, &r.RequesterID, &r.Pickup.Lat, &r.Pickup.Lng, &destLat, &destLng, &r.DropoffText,
		&r.Class, &r.Priority, &scheduled, &r.Status, &r.EstimatedFare, &r.FinalFare, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if destLat.Valid && destLng.Valid {
		r.Dropoff = &models.Location{Lat: destLat.Float64, Lng: destLng.Float64}
	}
	if scheduled.Valid {
		r.ScheduledAt = &scheduled.Time
	}
	return &r, nil
}

func scanAssignment(row rowScanner) (*models.Assignment, error) {
	var a models.Assignment
	var assigned, accepted, started, completed, failed sql.NullTime
	err := row.Scan(&a.RequestID, &a.ProviderID, &a.Status, &assigned, &accepted,
		&started, &completed, &failed, &a.FailureReason, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.AssignedAt = nullableTime(assigned)
	a.AcceptedAt = nullableTime(accepted)
	a.StartedAt = nullableTime(started)
	a.CompletedAt = nullableTime(completed)
	a.FailedAt = nullableTime(failed)
	return &a, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func statusArray(in []models.Status) any {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

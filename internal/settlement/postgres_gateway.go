package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
)

// moduleType tags every escrow call so the shared ledger can tell
// dispatch-originated movements apart from other product lines.
const moduleType = "dispatch"

// PostgresGateway drives the escrow ledger through named atomic stored
// procedures on the shared relational datastore.
type PostgresGateway struct {
	db *sql.DB
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

func (g *PostgresGateway) Release(ctx context.Context, requestID, providerID, reason string, amount int64) error {
	var ok bool
	err := g.db.QueryRowContext(ctx,
		`SELECT release_funds($1, $2, $3, $4, $5)`,
		requestID, moduleType, providerID, reason, amount).Scan(&ok)
	if err != nil {
		return apperrors.Upstream("release_funds", err)
	}
	if !ok {
		return apperrors.Upstream("release_funds", fmt.Errorf("procedure declined request %s", requestID))
	}
	return nil
}

func (g *PostgresGateway) Refund(ctx context.Context, requestID, requesterID, reason string, amount int64) error {
	var ok bool
	err := g.db.QueryRowContext(ctx,
		`SELECT refund($1, $2, $3, $4, $5)`,
		requestID, moduleType, requesterID, reason, amount).Scan(&ok)
	if err != nil {
		return apperrors.Upstream("refund", err)
	}
	if !ok {
		return apperrors.Upstream("refund", fmt.Errorf("procedure declined request %s", requestID))
	}
	return nil
}

func (g *PostgresGateway) RequestPayout(ctx context.Context, providerID, bankDetails string, amount int64) error {
	var ok bool
	err := g.db.QueryRowContext(ctx,
		`SELECT payout_request($1, $2, $3)`,
		providerID, bankDetails, amount).Scan(&ok)
	if err != nil {
		return apperrors.Upstream("payout_request", err)
	}
	if !ok {
		return apperrors.Upstream("payout_request", fmt.Errorf("procedure declined provider %s", providerID))
	}
	return nil
}

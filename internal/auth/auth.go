package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
)

// Role determines which endpoints a subject may call.
type Role string

const (
	RoleRequester  Role = "requester"
	RoleProvider   Role = "provider"
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
)

// Identity is the verified caller.
type Identity struct {
	SubjectID string `json:"subject_id"`
	Role      Role   `json:"role"`
}

// Operator reports whether the subject may use admin/dispatcher
// surfaces (stats, manual cleanup).
func (i Identity) Operator() bool {
	return i.Role == RoleAdmin || i.Role == RoleDispatcher
}

// Verifier resolves a bearer credential to an identity. The identity
// system itself is an external collaborator; this is only its boundary.
type Verifier interface {
	Verify(ctx context.Context, bearer string) (Identity, error)
}

// HTTPVerifier introspects tokens against the identity service.
type HTTPVerifier struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPVerifier(endpoint string) *HTTPVerifier {
	return &HTTPVerifier{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (v *HTTPVerifier) Verify(ctx context.Context, bearer string) (Identity, error) {
	if bearer == "" {
		return Identity{}, apperrors.Unauthorized("missing credential")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.Endpoint, http.NoBody)
	if err != nil {
		return Identity{}, apperrors.Internal(err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := v.Client.Do(req)
	if err != nil {
		return Identity{}, apperrors.Upstream("identity verification", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, apperrors.Unauthorized(fmt.Sprintf("credential rejected (%d)", resp.StatusCode))
	}
	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, apperrors.Upstream("identity verification", err)
	}
	if id.SubjectID == "" {
		return Identity{}, apperrors.Unauthorized("credential resolved to no subject")
	}
	return id, nil
}

// StaticVerifier maps tokens to identities, for local runs and tests.
type StaticVerifier map[string]Identity

func (s StaticVerifier) Verify(_ context.Context, bearer string) (Identity, error) {
	id, ok := s[bearer]
	if !ok {
		return Identity{}, apperrors.Unauthorized("invalid credential")
	}
	return id, nil
}

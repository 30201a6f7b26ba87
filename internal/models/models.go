package models

import "time"

// Location is a WGS84 point.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is within coordinate bounds.
func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// CapabilityClass categorizes what a provider can fulfill
// (vehicle or package class). It affects both matching and pricing.
type CapabilityClass string

const (
	ClassStandard CapabilityClass = "standard"
	ClassComfort  CapabilityClass = "comfort"
	ClassXL       CapabilityClass = "xl"
	ClassBike     CapabilityClass = "bike"
)

// Status is the lifecycle state of an Assignment.
// The graph only moves forward:
//
//	requested -> offered -> accepted -> started -> completed
//
// with failed and cancelled reachable from any non-terminal state.
type Status string

const (
	StatusRequested Status = "requested"
	StatusOffered   Status = "offered"
	StatusAccepted  Status = "accepted"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NonTerminalStatuses lists every state a live assignment can be in.
func NonTerminalStatuses() []Status {
	return []Status{StatusRequested, StatusOffered, StatusAccepted, StatusStarted}
}

// FulfillmentRequest is a requester's demand for service. Fares are
// stored in minor currency units so settlement arithmetic is exact.
type FulfillmentRequest struct {
	ID            string          `json:"id"`
	RequesterID   string          `json:"requester_id"`
	Pickup        Location        `json:"pickup"`
	Dropoff       *Location       `json:"dropoff,omitempty"`
	DropoffText   string          `json:"dropoff_text,omitempty"`
	Class         CapabilityClass `json:"class"`
	Priority      int             `json:"priority"` // 1..5
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
	Status        Status          `json:"status"`
	EstimatedFare int64           `json:"estimated_fare"`
	FinalFare     int64           `json:"final_fare,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ProviderProfile is a driver/courier as the directory sees them.
type ProviderProfile struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Loc       Location        `json:"loc"`
	Available bool            `json:"available"`
	Class     CapabilityClass `json:"class"`
	Capacity  int             `json:"capacity"`
	Rating    float64         `json:"rating"` // 0..5
	Updated   time.Time       `json:"updated"`
}

// Assignment pairs a request with (at most) one provider for its
// active lifetime. ProviderID is empty until a provider claims it.
type Assignment struct {
	RequestID     string     `json:"request_id"`
	ProviderID    string     `json:"provider_id,omitempty"`
	Status        Status     `json:"status"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EarningsRecord is written exactly once at settlement and never
// mutated afterwards. Commission + Net always equals Gross.
type EarningsRecord struct {
	AssignmentID string    `json:"assignment_id"`
	Gross        int64     `json:"gross"`
	Commission   int64     `json:"commission"`
	Net          int64     `json:"net"`
	PayoutStatus string    `json:"payout_status"` // released | pending
	CreatedAt    time.Time `json:"created_at"`
}

const (
	PayoutReleased = "released"
	PayoutPending  = "pending"
)

// TrackingEvent is an append-only location breadcrumb for a live
// assignment; the sweeper purges rows past retention once the
// assignment is terminal.
type TrackingEvent struct {
	AssignmentID string    `json:"assignment_id"`
	Loc          Location  `json:"loc"`
	At           time.Time `json:"at"`
}

// CandidateOffer is one ranked entry from a proximity search.
type CandidateOffer struct {
	ProviderID string  `json:"provider_id"`
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes float64 `json:"eta_minutes"`
	Rating     float64 `json:"rating"`
}

// LocationUpdate is the wire shape a provider app publishes while
// broadcasting position (HTTP ingest endpoint and Kafka topic).
type LocationUpdate struct {
	ProviderID   string   `json:"provider_id"`
	AssignmentID string   `json:"assignment_id,omitempty"`
	Loc          Location `json:"loc"`
	Available    bool     `json:"available"`
	Rating       float64  `json:"rating,omitempty"`
	Class        string   `json:"class,omitempty"`
	Capacity     int      `json:"capacity,omitempty"`
}

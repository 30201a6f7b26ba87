package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/fulfillment-dispatch/internal/apperrors"
	"github.com/example/fulfillment-dispatch/internal/assignment"
	"github.com/example/fulfillment-dispatch/internal/matcher"
	"github.com/example/fulfillment-dispatch/internal/models"
	"github.com/example/fulfillment-dispatch/internal/observability"
)

type createRequestBody struct {
	Pickup       models.Location  `json:"pickup"`
	Dropoff      *models.Location `json:"dropoff,omitempty"`
	DropoffText  string           `json:"dropoff_text,omitempty"`
	Class        string           `json:"class"`
	Priority     int              `json:"priority"`
	ScheduledAt  *time.Time       `json:"scheduled_at,omitempty"`
	ContactName  string           `json:"contact_name"`
	ContactPhone string           `json:"contact_phone"`
}

func (b createRequestBody) validate() map[string]string {
	fields := make(map[string]string)
	if !b.Pickup.Valid() {
		fields["pickup"] = "coordinates out of range"
	}
	if b.Dropoff != nil && !b.Dropoff.Valid() {
		fields["dropoff"] = "coordinates out of range"
	}
	if b.Dropoff == nil && b.DropoffText == "" {
		fields["dropoff"] = "either dropoff coordinates or a named address is required"
	}
	if b.Priority < 1 || b.Priority > 5 {
		fields["priority"] = "must be between 1 and 5"
	}
	if b.ContactName == "" {
		fields["contact_name"] = "required"
	}
	if b.ContactPhone == "" {
		fields["contact_phone"] = "required"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperrors.Validation("malformed request body", nil))
		return
	}
	if fields := body.validate(); fields != nil {
		writeError(w, r, apperrors.Validation("invalid request", fields))
		return
	}
	class := models.CapabilityClass(body.Class)
	if class == "" {
		class = models.ClassStandard
	}
	id := identityFromContext(r.Context())
	req, err := s.assignments.CreateRequest(r.Context(), assignment.CreateInput{
		ID:          newID(),
		RequesterID: id.SubjectID,
		Pickup:      body.Pickup,
		Dropoff:     body.Dropoff,
		DropoffText: body.DropoffText,
		Class:       class,
		Priority:    body.Priority,
		ScheduledAt: body.ScheduledAt,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, req)
}

func (s *Server) handleActiveRequest(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	req, a, err := s.store.ActiveRequestForUser(r.Context(), id.SubjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"request": req, "assignment": a})
}

func (s *Server) handleActiveAssignment(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	a, err := s.store.ActiveAssignmentForProvider(r.Context(), id.SubjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}

type candidatesBody struct {
	Origin      models.Location `json:"origin"`
	RadiusKm    float64         `json:"radius_km"`
	Class       string          `json:"class,omitempty"`
	MinRating   float64         `json:"min_rating,omitempty"`
	MinCapacity int             `json:"min_capacity,omitempty"`
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	var body candidatesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperrors.Validation("malformed request body", nil))
		return
	}
	if !body.Origin.Valid() {
		writeError(w, r, apperrors.Validation("invalid request", map[string]string{"origin": "coordinates out of range"}))
		return
	}
	radius := body.RadiusKm
	if radius <= 0 {
		radius = s.matching.DefaultRadiusKm
	}
	offers, err := s.matcher.Candidates(r.Context(), body.Origin, radius, matcher.Filters{
		Class:       models.CapabilityClass(body.Class),
		MinRating:   body.MinRating,
		MinCapacity: body.MinCapacity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, offers)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	a, err := s.assignments.Accept(r.Context(), mux.Vars(r)["id"], id.SubjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	a, err := s.assignments.Start(r.Context(), mux.Vars(r)["id"], id.SubjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, a)
}

type completeBody struct {
	ActualKm      float64 `json:"actual_km"`
	ActualMinutes float64 `json:"actual_minutes"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperrors.Validation("malformed request body", nil))
		return
	}
	id := identityFromContext(r.Context())
	a, rec, err := s.assignments.Complete(r.Context(), mux.Vars(r)["id"], id.SubjectID, body.ActualKm, body.ActualMinutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"assignment": a, "earnings": rec})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	a, refund, err := s.assignments.Cancel(r.Context(), mux.Vars(r)["id"], id.SubjectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"assignment": a, "refund": refund})
}

func (s *Server) handleDispatchStats(w http.ResponseWriter, r *http.Request) {
	stats := s.sweeper.Snapshot()
	writeData(w, r, http.StatusOK, map[string]any{
		"sweeps":        stats,
		"live_channels": s.hub.ChannelCount(),
	})
}

type cleanupBody struct {
	Type      string `json:"type"` // tracking | channels | assignments | all
	Threshold string `json:"threshold,omitempty"`
}

func (s *Server) handleDispatchCleanup(w http.ResponseWriter, r *http.Request) {
	var body cleanupBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, apperrors.Validation("malformed request body", nil))
		return
	}
	var threshold time.Duration
	if body.Threshold != "" {
		d, err := time.ParseDuration(body.Threshold)
		if err != nil {
			writeError(w, r, apperrors.Validation("invalid request", map[string]string{"threshold": "must be a duration like 30m"}))
			return
		}
		threshold = d
	}
	if err := s.sweeper.Trigger(r.Context(), body.Type, threshold); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, s.sweeper.Snapshot())
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, r, apperrors.Validation("malformed request body", nil))
		return
	}
	if u.ProviderID == "" || !u.Loc.Valid() {
		writeError(w, r, apperrors.Validation("invalid request", map[string]string{"provider_id": "required", "loc": "coordinates out of range"}))
		return
	}
	// The consumer applies published updates to the directory; the
	// direct upsert is the fallback when there is no pipeline or the
	// publish failed.
	published := false
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(u); err != nil {
			s.logger.Warn("kafka publish failed, applying directly", "provider_id", u.ProviderID, "error", err)
		} else {
			published = true
		}
	}
	if !published {
		err := s.directory.Upsert(r.Context(), models.ProviderProfile{
			ID:        u.ProviderID,
			Loc:       u.Loc,
			Available: u.Available,
			Rating:    u.Rating,
			Class:     models.CapabilityClass(u.Class),
			Capacity:  u.Capacity,
		})
		if err != nil {
			writeError(w, r, apperrors.Upstream("provider directory", err))
			return
		}
	}
	if u.AssignmentID != "" {
		ev := models.TrackingEvent{AssignmentID: u.AssignmentID, Loc: u.Loc, At: time.Now()}
		if err := s.store.AppendTracking(r.Context(), ev); err != nil {
			s.logger.Warn("tracking append failed", "assignment_id", u.AssignmentID, "error", err)
		}
		s.hub.Broadcast(u.AssignmentID, ev)
	}
	s.trackOnline(u.ProviderID, u.Available)
	w.WriteHeader(http.StatusNoContent)
}

// trackOnline moves the gauge only on availability transitions so it
// counts distinct providers, not received updates.
func (s *Server) trackOnline(providerID string, available bool) {
	s.onlineMu.Lock()
	defer s.onlineMu.Unlock()
	was := s.online[providerID]
	switch {
	case available && !was:
		s.online[providerID] = true
		observability.ProvidersOnline.Inc()
	case !available && was:
		delete(s.online, providerID)
		observability.ProvidersOnline.Dec()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	assignmentID := mux.Vars(r)["assignment_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.hub.Subscribe(assignmentID, conn)
}

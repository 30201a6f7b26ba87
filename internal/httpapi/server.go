package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fulfillment-dispatch/internal/assignment"
	"github.com/example/fulfillment-dispatch/internal/auth"
	"github.com/example/fulfillment-dispatch/internal/config"
	"github.com/example/fulfillment-dispatch/internal/geo"
	"github.com/example/fulfillment-dispatch/internal/matcher"
	"github.com/example/fulfillment-dispatch/internal/models"
	"github.com/example/fulfillment-dispatch/internal/realtime"
	"github.com/example/fulfillment-dispatch/internal/storage"
	"github.com/example/fulfillment-dispatch/internal/sweeper"
)

// LocationPublisher hands provider location updates to the ingest
// pipeline for the consumer to apply to the directory.
type LocationPublisher interface {
	PublishLocation(u models.LocationUpdate) error
}

// Deps wires the server's collaborators. Kafka may be nil (location
// updates then only hit the directory directly).
type Deps struct {
	Assignments *assignment.Service
	Matcher     *matcher.Service
	Store       storage.Store
	Directory   geo.Directory
	Kafka       LocationPublisher
	Hub         *realtime.Hub
	Sweeper     *sweeper.Sweeper
	Verifier    auth.Verifier
	Logger      *slog.Logger
	Matching    config.MatcherConfig
}

type Server struct {
	assignments *assignment.Service
	matcher     *matcher.Service
	store       storage.Store
	directory   geo.Directory
	kafka       LocationPublisher
	hub         *realtime.Hub
	sweeper     *sweeper.Sweeper
	verifier    auth.Verifier
	logger      *slog.Logger
	matching    config.MatcherConfig
	mux         *mux.Router

	onlineMu sync.Mutex
	online   map[string]bool
}

func NewServer(d Deps) *Server {
	s := &Server{
		assignments: d.Assignments,
		matcher:     d.Matcher,
		store:       d.Store,
		directory:   d.Directory,
		kafka:       d.Kafka,
		hub:         d.Hub,
		sweeper:     d.Sweeper,
		verifier:    d.Verifier,
		logger:      d.Logger,
		matching:    d.Matching,
		mux:         mux.NewRouter(),
		online:      make(map[string]bool),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/requests", s.authenticate(s.handleCreateRequest)).Methods(http.MethodPost)
	s.mux.HandleFunc("/requests/active", s.authenticate(s.handleActiveRequest)).Methods(http.MethodGet)
	s.mux.HandleFunc("/requests/candidates", s.authenticate(s.handleCandidates)).Methods(http.MethodPost)

	s.mux.HandleFunc("/assignments/active", s.authenticate(s.handleActiveAssignment)).Methods(http.MethodGet)
	s.mux.HandleFunc("/assignments/{id}/accept", s.authenticate(s.handleAccept)).Methods(http.MethodPost)
	s.mux.HandleFunc("/assignments/{id}/start", s.authenticate(s.handleStart)).Methods(http.MethodPost)
	s.mux.HandleFunc("/assignments/{id}/complete", s.authenticate(s.handleComplete)).Methods(http.MethodPost)
	s.mux.HandleFunc("/assignments/{id}/cancel", s.authenticate(s.handleCancel)).Methods(http.MethodPost)

	s.mux.HandleFunc("/dispatch/stats", s.requireOperator(s.handleDispatchStats)).Methods(http.MethodGet)
	s.mux.HandleFunc("/dispatch/cleanup", s.requireOperator(s.handleDispatchCleanup)).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/provider/locations", s.handleProviderLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/{assignment_id}", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

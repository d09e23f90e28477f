// Package api serves the read-only query surface of the indexer.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/store"
)

// HealthSource exposes the subscriber state the health endpoint reports.
type HealthSource interface {
	Attached() bool
	LastApplied() time.Time
	Outstanding() int64
}

// Server is the HTTP query API. All state access goes through the Reader;
// handlers never see the DB handle.
type Server struct {
	reader         store.Reader
	health         HealthSource
	stream         *events.Stream
	staleThreshold time.Duration
	logger         *log.Logger
	httpServer     *http.Server
}

// NewServer wires the router. health and stream may be nil (backoffice
// deployments that only serve queries).
func NewServer(port string, reader store.Reader, health HealthSource, stream *events.Stream, staleThreshold time.Duration) *Server {
	s := &Server{
		reader:         reader,
		health:         health,
		stream:         stream,
		staleThreshold: staleThreshold,
		logger:         log.New(log.Writer(), "[API] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// /escrows/stats before /escrows/{escrow_address}: mux matches in
	// registration order.
	r.HandleFunc("/escrows/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/escrows/by-payer/{addr}", s.handleByRole(store.RolePayer)).Methods("GET")
	r.HandleFunc("/escrows/by-payee/{addr}", s.handleByRole(store.RolePayee)).Methods("GET")
	r.HandleFunc("/escrows/by-arbiter/{addr}", s.handleByRole(store.RoleArbiter)).Methods("GET")
	r.HandleFunc("/escrows/by-role/{addr}", s.handleAllRoles).Methods("GET")
	r.HandleFunc("/escrows/{escrow_address}", s.handleEscrow).Methods("GET")
	r.HandleFunc("/escrows/{escrow_address}/approvals", s.handleApprovals).Methods("GET")
	r.HandleFunc("/escrows/{escrow_address}/events", s.handleEvents).Methods("GET")

	if stream != nil {
		r.HandleFunc("/events/stream", s.handleStream)
	}

	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Printf("🚀 query API listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Package dashboard serves the operational health probe and read-only JSON
// views of the classified book, the market data store and pending orders.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/spread_sentinel/internal/account"
	"github.com/eddiefleurent/spread_sentinel/internal/marketdata"
	"github.com/eddiefleurent/spread_sentinel/internal/models"
	"github.com/eddiefleurent/spread_sentinel/internal/orders"
	"github.com/eddiefleurent/spread_sentinel/internal/storage"
	"github.com/eddiefleurent/spread_sentinel/internal/strategy"
	"github.com/eddiefleurent/spread_sentinel/internal/streamer"
)

// StatusSource reports the state of one streaming session.
type StatusSource interface {
	Status() streamer.Status
}

// Book exposes the classified strategies.
type Book interface {
	Strategies() []strategy.Strategy
	LastRefresh() time.Time
}

// SnapshotSource exposes the market data store.
type SnapshotSource interface {
	All() []marketdata.Snapshot
}

// OrderSource exposes orders awaiting a terminal update.
type OrderSource interface {
	InFlight() []orders.InFlight
}

// BalanceSource exposes the latest streamed account balance.
type BalanceSource interface {
	Balance() (account.AccountBalance, bool)
}

// Sources groups what the server reads from. Nil fields are served as empty.
type Sources struct {
	Sessions  map[string]StatusSource
	Book      Book
	Snapshots SnapshotSource
	Orders    OrderSource
	Journal   storage.Interface
	Balance   BalanceSource
}

type Config struct {
	Port      int
	AuthToken string
}

type Server struct {
	router    *chi.Mux
	server    *http.Server
	sources   Sources
	logger    *logrus.Logger
	port      int
	authToken string
	started   time.Time
}

// HealthView is the /health response body.
type HealthView struct {
	Status      string                     `json:"status"`
	Timestamp   int64                      `json:"timestamp"`
	Uptime      string                     `json:"uptime"`
	Sessions    map[string]streamer.Status `json:"sessions"`
	LastRefresh *time.Time                 `json:"last_refresh,omitempty"`
}

// StrategyView is one classified strategy.
type StrategyView struct {
	Underlying  string   `json:"underlying"`
	Kind        string   `json:"kind"`
	Description string   `json:"description"`
	Legs        []string `json:"legs"`
}

func NewServer(cfg Config, sources Sources, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		sources:   sources,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		started:   time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/strategies", s.handleStrategies)
		r.Get("/snapshots", s.handleSnapshots)
		r.Get("/orders", s.handleOrders)
		r.Get("/journal", s.handleJournal)
		r.Get("/balance", s.handleBalance)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("Dashboard shutdown failed")
		}
		return nil
	}
}

// handleHealth answers 200 when every session is alive and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthView{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Sessions:  make(map[string]streamer.Status, len(s.sources.Sessions)),
	}
	for name, src := range s.sources.Sessions {
		st := src.Status()
		health.Sessions[name] = st
		if st.State != models.StateAlive {
			health.Status = "degraded"
		}
	}
	if s.sources.Book != nil {
		if last := s.sources.Book.LastRefresh(); !last.IsZero() {
			health.LastRefresh = &last
		}
	}

	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	views := make([]StrategyView, 0)
	if s.sources.Book != nil {
		for _, st := range s.sources.Book.Strategies() {
			pos := st.Position()
			views = append(views, StrategyView{
				Underlying:  pos.Underlying,
				Kind:        string(st.Kind()),
				Description: strategy.Describe(st),
				Legs:        pos.Symbols(),
			})
		}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps := make([]marketdata.Snapshot, 0)
	if s.sources.Snapshots != nil {
		snaps = append(snaps, s.sources.Snapshots.All()...)
	}
	if u := r.URL.Query().Get("underlying"); u != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if snap.Underlying == u {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	pending := make([]orders.InFlight, 0)
	if s.sources.Orders != nil {
		pending = append(pending, s.sources.Orders.InFlight()...)
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	records := make([]storage.OrderRecord, 0)
	if s.sources.Journal != nil {
		got, err := s.sources.Journal.GetOrders()
		if err != nil {
			s.logger.WithError(err).Error("Failed to load order journal")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		records = append(records, got...)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if s.sources.Balance == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	balance, ok := s.sources.Balance.Balance()
	if !ok {
		http.Error(w, "No balance received yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

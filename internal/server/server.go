package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/learngoat/learngoat/internal/assign"
	"github.com/learngoat/learngoat/internal/lifecycle"
	"github.com/learngoat/learngoat/internal/report"
	"github.com/learngoat/learngoat/internal/stats"
	"github.com/learngoat/learngoat/internal/store"
)

type Options struct {
	Port int
	// Token is the admin token. When empty the persisted token is used, and
	// one is generated on first start.
	Token            string
	PValue           stats.PValueFunc
	BatchConcurrency int
	Logger           *zap.Logger
}

type Server struct {
	store     store.Store
	assigner  *assign.Engine
	lifecycle *lifecycle.Manager
	stats     *stats.Engine
	reports   *report.Builder
	metrics   *metrics
	log       *zap.Logger
	port      int
	token     string
	router    chi.Router
	startTime time.Time
}

func New(ctx context.Context, s store.Store, opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	token := opts.Token
	if token == "" {
		var err error
		if token, err = AdminToken(ctx, s, false); err != nil {
			return nil, err
		}
	}

	statsEngine := stats.New(s, stats.WithLogger(log), stats.WithPValue(opts.PValue))
	srv := &Server{
		store:     s,
		assigner:  assign.New(s, assign.WithLogger(log), assign.WithConcurrency(opts.BatchConcurrency)),
		lifecycle: lifecycle.New(s, statsEngine, lifecycle.WithLogger(log)),
		stats:     statsEngine,
		reports:   report.New(s, statsEngine, report.WithLogger(log)),
		metrics:   newMetrics(),
		log:       log,
		port:      opts.Port,
		token:     token,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv, nil
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	// Public endpoints
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	r.Post("/api/assign", s.handleAssign)
	r.Post("/api/assign/batch", s.handleAssignBatch)
	r.Get("/api/users/{userID}/assignments", s.handleUserAssignments)
	r.Post("/api/observations", s.handleRecordObservation)

	// Admin endpoints (protected)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/tests", s.handleListTests)
		r.Post("/api/tests", s.handleCreateTest)
		r.Get("/api/tests/{id}", s.handleGetTest)
		r.Put("/api/tests/{id}", s.handleUpdateTest)
		r.Delete("/api/tests/{id}", s.handleDeleteTest)
		r.Post("/api/tests/{id}/{action}", s.handleTransition)
		r.Get("/api/tests/{id}/stats", s.handleStats)
		r.Get("/api/tests/{id}/report", s.handleReport)
		r.Get("/api/export", s.handleExport)

		r.Get("/api/segments", s.handleListSegments)
		r.Post("/api/segments", s.handleCreateSegment)
		r.Put("/api/users/{userID}/attributes", s.handleSaveUserAttributes)
	})
}

// Start listens on the configured port until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.Int("port", s.port))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Port() int {
	return s.port
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// dbSize reports the SQLite database size, or 0 for other stores.
func (s *Server) dbSize(ctx context.Context) int64 {
	sqlStore, ok := s.store.(interface{ DB() *sql.DB })
	if !ok {
		return 0
	}
	var size int64
	row := sqlStore.DB().QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&size); err != nil {
		s.log.Warn("failed to read database size", zap.Error(err))
		return 0
	}
	return size
}

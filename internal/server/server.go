package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/ingest"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
)

// JobService is the job lifecycle the API exposes.
type JobService interface {
	Enqueue(ctx context.Context, datasetID, policyID uuid.UUID, jobType constants.JobType, priority int) (*entity.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID) (*entity.Job, error)
	Retry(ctx context.Context, jobID uuid.UUID) (*entity.Job, error)
	Download(ctx context.Context, jobID uuid.UUID, format constants.OutputFormat) (*entity.Artifact, []byte, error)
}

// Server is the HTTP operations API: uploads, policy publishing and job control.
type Server struct {
	jobs     JobService
	ingestor ingest.Ingestor
	repos    *repository.Repositories
	maxBody  int64
	logger   *zap.SugaredLogger
	router   *mux.Router
	http     *http.Server
}

// New wires the routes. maxBody caps upload and policy request bodies; 0 means unlimited.
func New(cfg common.ServerConfig, jobs JobService, ing ingest.Ingestor, repos *repository.Repositories, maxBody int64, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		jobs:     jobs,
		ingestor: ing,
		repos:    repos,
		maxBody:  maxBody,
		logger:   logger,
		router:   mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.requestIDMiddleware, s.loggingMiddleware)

	api.HandleFunc("/policies", s.handlePublishPolicy).Methods(http.MethodPost)
	api.HandleFunc("/policies/{id}", s.handleGetPolicy).Methods(http.MethodGet)

	api.HandleFunc("/datasets", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/datasets/{id}", s.handleGetDataset).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{id}/jobs", s.handleListDatasetJobs).Methods(http.MethodGet)

	api.HandleFunc("/jobs", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/findings", s.handleFindings).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/artifacts/{format}", s.handleDownload).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Infow("server.http.start", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("server.http.stop")
	return s.http.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(common.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Infow("server.http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", common.RequestIDFromContext(r.Context()),
		)
	})
}

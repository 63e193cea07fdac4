// Package api is the HTTP boundary: sender registry, campaign scheduling and
// message status queries.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"mailsched/internal/admission"
	"mailsched/internal/dispatch"
	"mailsched/internal/domain"
	"mailsched/internal/metrics"
	logx "mailsched/pkg/logx"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	// MetricsPath mounts the Prometheus handler when Metrics is set.
	MetricsPath string
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
}

type Scheduler interface {
	ScheduleCampaign(ctx context.Context, req admission.Request) ([]admission.Scheduled, error)
}

// Records is the read/write slice of the record store the handlers use.
type Records interface {
	CreateSender(ctx context.Context, s domain.Sender) (domain.Sender, error)
	ListSenders(ctx context.Context) ([]domain.Sender, error)
	GetRecord(ctx context.Context, id string) (domain.Record, error)
	ListMessages(ctx context.Context, f domain.Filter) ([]domain.Record, error)
}

type DispatchStatus interface {
	Snapshot(ctx context.Context) dispatch.Snapshot
}

type Deps struct {
	Scheduler Scheduler
	Records   Records
	Dispatch  DispatchStatus
	Metrics   *metrics.Metrics
	Log       logx.Logger
}

type Server struct {
	cfg Config
	d   Deps
	log logx.Logger
	now func() time.Time

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func New(cfg Config, d Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":3000"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{cfg: cfg, d: d, log: d.Log.With(logx.String("comp", "http")), now: time.Now}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	if s.d.Metrics != nil {
		r.Use(s.d.Metrics.HTTPMiddleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/senders", s.createSender)
		r.Get("/senders", s.listSenders)
		r.Post("/schedule", s.schedule)
		r.Get("/scheduled", s.listScheduled)
		r.Get("/scheduled/{id}", s.getScheduled)
		r.Get("/dispatch", s.dispatchStatus)
	})
	if s.d.Metrics != nil {
		r.Method(http.MethodGet, s.cfg.MetricsPath, s.d.Metrics.Handler())
	}
	if s.cfg.Pprof {
		r.Mount("/debug", chimw.Profiler())
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", s.Addr()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
		return err
	}
	s.log.Info("http stopped")
	return nil
}

// Addr reports the bound address once Run has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("handler panicked", logx.Any("panic", rec), logx.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

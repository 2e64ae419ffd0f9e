package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"penny/internal/notifier"
	"penny/internal/recurring"
	"penny/internal/runtime/supervisor"
	"penny/internal/storage"
	"penny/internal/task/engine"
	"penny/internal/task/scheduler"
	logx "penny/pkg/logx"
)

const (
	defaultAddr     = "127.0.0.1:8088"
	shutdownTimeout = 3 * time.Second
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Token guards everything but /healthz when set.
	Token string
	Pprof bool
}

// Store is the read side the handlers need, plus audit recording.
type Store interface {
	recurring.DueQuery
	recurring.TemplateLister
	Template(ctx context.Context, id string) (recurring.Template, error)
	DeadLetters(ctx context.Context, limit int) ([]storage.DeadLetter, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
	Ping(ctx context.Context) error
}

type Ticker interface {
	Tick(ctx context.Context) (recurring.TickReport, error)
	State() recurring.State
	LastTick() (recurring.TickReport, bool)
}

type EngineView interface{ Snapshot() engine.Snapshot }

type SchedulerView interface{ Snapshot() scheduler.Snapshot }

type NotifierView interface{ History() []notifier.HistoryItem }

// Deps wires the handlers. Engine, Scheduler and Notifier may be nil; their
// endpoints then answer 503.
type Deps struct {
	Store      Store
	Driver     Ticker
	Dispatcher recurring.Dispatcher
	Engine     EngineView
	Scheduler  SchedulerView
	Notifier   NotifierView
	// Runtime reports supervised goroutines; nil answers 503.
	Runtime func() []supervisor.Stats
	Now     func() time.Time
	Log     logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	h    http.Handler

	addr atomic.Pointer[string]
}

func New(cfg Config, deps Deps) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "api"))}
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("api bound to a non-loopback addr without a token", logx.String("addr", cfg.Addr))
	}
	s.h = s.router()
	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.h }

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() string {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	addr := ln.Addr().String()
	s.addr.Store(&addr)

	srv := &http.Server{
		Handler:           s.h,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("api listening", logx.String("addr", addr))

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("api shutdown", logx.Err(err))
		}
		<-errCh
		s.log.Info("api stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(s.log))

	r.GET("/healthz", s.health)

	if s.cfg.Pprof {
		r.Any("/debug/pprof/*name", bearerAuth(s.cfg.Token), pprofHandler)
	}

	v1 := r.Group("/v1", bearerAuth(s.cfg.Token))
	v1.GET("/recurring/due", s.due)
	v1.GET("/recurring/preview", s.previewAll)
	v1.GET("/recurring/:id/preview", s.previewOne)
	v1.POST("/recurring/tick", s.tick)
	v1.POST("/recurring/:id/catchup", s.catchUp)

	v1.GET("/engine", s.engineSnapshot)
	v1.GET("/scheduler", s.schedulerSnapshot)
	v1.GET("/notifier/history", s.notifierHistory)
	v1.GET("/dead-letters", s.deadLetters)
	v1.GET("/audit", s.audit)
	v1.GET("/runtime", s.runtime)
	return r
}

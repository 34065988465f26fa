// Package httpapi serves the dashboard and the scheduled-update list as JSON.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"covidwatch/internal/dashboard"
	"covidwatch/internal/dataset"
	"covidwatch/internal/storage"
	"covidwatch/internal/task/engine"
	"covidwatch/internal/task/scheduler"
	logx "covidwatch/pkg/logx"
)

type Scheduler interface {
	Schedule(timeOfDay, label string, kinds dataset.Set, recurring bool) (scheduler.UpdateJob, error)
	Cancel(label string) bool
	Reconcile(display []scheduler.DisplayEntry) []scheduler.DisplayEntry
	Jobs() []scheduler.UpdateJob
}

type Dashboard interface {
	Snapshot() dashboard.Snapshot
	RefreshSet(ctx context.Context, kinds dataset.Set) error
	RemoveArticle(ctx context.Context, title string) bool
	Audit(ctx context.Context, e storage.AuditEntry)
}

// Engine runs immediate refreshes and reports queue state.
type Engine interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pprof mounts net/http/pprof under /debug/pprof.
	Pprof      bool
	PprofToken string
}

// Server owns the display list of scheduled updates. The scheduler is
// the source of truth for which entries are still live.
type Server struct {
	sched Scheduler
	dash  Dashboard
	eng   Engine
	log   logx.Logger
	opt   Options
	now   func() time.Time

	mu      sync.Mutex
	display []scheduler.DisplayEntry

	refreshState engine.RunState

	router *gin.Engine
}

// ErrInsecurePprof is returned by Serve when pprof would be reachable off the
// loopback interface without a token.
var ErrInsecurePprof = errors.New("pprof refused: non-loopback addr requires pprof_token")

func New(sched Scheduler, dash Dashboard, eng Engine, log logx.Logger, opt Options) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		sched: sched,
		dash:  dash,
		eng:   eng,
		log:   log.With(logx.String("comp", "httpapi")),
		opt:   opt,
		now:   time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	api := r.Group("/api")
	api.GET("/summary", s.getSummary)
	api.GET("/updates", s.listUpdates)
	api.POST("/updates", s.createUpdate)
	api.DELETE("/updates/:label", s.cancelUpdate)
	api.DELETE("/articles", s.removeArticle)
	api.POST("/refresh", s.refreshNow)
	api.GET("/engine", s.engineStatus)

	if s.opt.Pprof {
		mountPprof(r.Group("/debug/pprof", bearerAuth(s.opt.PprofToken)))
	}
	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.opt.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opt.WriteTimeout,
	}
	if s.opt.Pprof && strings.TrimSpace(s.opt.PprofToken) == "" && !isLoopbackAddr(ln.Addr().String()) {
		s.log.Error("http api refused to start: pprof on a non-loopback addr requires a token", logx.String("addr", ln.Addr().String()))
		_ = ln.Close()
		return ErrInsecurePprof
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("http request", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

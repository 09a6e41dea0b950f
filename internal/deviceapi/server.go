package deviceapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/zemfyre/edge-agent/infrastructure/httputil"
	"github.com/zemfyre/edge-agent/infrastructure/middleware"
	"github.com/zemfyre/edge-agent/infrastructure/service"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/model"
)

// StateProvider supplies the live application state. Satisfied by
// *reconciler.Manager.
type StateProvider interface {
	GetCurrentState(ctx context.Context) (model.CurrentState, error)
}

// LogQuerier answers filtered log lookups. Satisfied by
// *logpipeline.LocalBackend.
type LogQuerier interface {
	Query(filter LogFilter) []model.LogMessage
}

// LogFilter mirrors logpipeline.LocalFilter so this package does not import
// logpipeline just for a struct literal; the supervisor adapts between them.
type LogFilter struct {
	ServiceID int
	Level     model.LogLevel
	Since     int64
	Until     int64
	IsStdErr  *bool
	Limit     int
}

// RuntimePinger reports whether the container runtime is reachable.
// Satisfied by *dockeradapter.Adapter.
type RuntimePinger interface {
	Ping(ctx context.Context) error
}

const (
	agentVersion = "0.1.0"
	apiVersion   = 2
)

// Server is the loopback device API.
type Server struct {
	base *service.BaseService

	agent   *agentctx.AgentContext
	states  StateProvider
	logs    LogQuerier
	runtime RuntimePinger
	cfg     Config

	osVersion string
	httpSrv   *http.Server
}

// New constructs the loopback API server. runtime may be nil if no runtime
// health signal is available yet (reported as healthy until wired).
func New(agent *agentctx.AgentContext, states StateProvider, logs LogQuerier, rt RuntimePinger, store service.StoreHealthChecker, cfg Config, osVersion string) *Server {
	cfg = cfg.withDefaults()

	base := service.NewBase(&service.BaseConfig{
		ID:      "device-api",
		Name:    "device-api",
		Version: agentVersion,
		Store:   store,
		Creds:   agent,
		Logger:  agent.Logger(),
	})

	s := &Server{
		base:      base,
		agent:     agent,
		states:    states,
		logs:      logs,
		runtime:   rt,
		cfg:       cfg,
		osVersion: osVersion,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	router := s.base.Router()

	limiter := middleware.NewRateLimiter(s.cfg.RateLimitPerSecond, s.cfg.RateLimitBurst, s.agent.Logger())
	guarded := func(h http.HandlerFunc) http.Handler {
		return limiter.Handler(h)
	}

	router.Handle("/v2/device", guarded(s.handleDevice)).Methods("GET")
	router.Handle("/v2/applications/state", guarded(s.handleApplicationsState)).Methods("GET")
	router.Handle("/v2/logs", guarded(s.handleLogs)).Methods("GET")
	router.Handle("/v1/healthy", guarded(s.handleHealthy)).Methods("GET")

	s.base.RegisterStandardRoutesWithOptions(service.RouteOptions{SkipInfo: true})
}

// Start binds the loopback listener and begins serving. It returns once the
// listener is bound; serving continues in a background goroutine until ctx
// is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.base.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("device api listen on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{Handler: s.base.Router()}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.agent.Logger().WithError(err).Warn("device api server stopped")
		}
	}()
	return nil
}

// Stop gracefully shuts the loopback listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}
	return s.base.Stop()
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	resp := deviceResponse{
		UUID:         s.agent.DeviceUUID(),
		Provisioned:  s.agent.Provisioned(),
		APIVersion:   apiVersion,
		AgentVersion: agentVersion,
		OSVersion:    s.osVersion,
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApplicationsState(w http.ResponseWriter, r *http.Request) {
	cs, err := s.states.GetCurrentState(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to read application state")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, currentStateToResponse(cs))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter := LogFilter{
		ServiceID: httputil.QueryInt(r, "serviceId", 0),
		Limit:     httputil.QueryInt(r, "limit", 200),
	}
	if level := httputil.QueryString(r, "level", ""); level != "" {
		filter.Level = model.LogLevel(level)
	}
	if since := httputil.QueryInt64(r, "since", 0); since != 0 {
		filter.Since = since
	}
	if until := httputil.QueryInt64(r, "until", 0); until != 0 {
		filter.Until = until
	}
	if raw := httputil.QueryString(r, "stderr", ""); raw != "" {
		v := httputil.QueryBool(r, "stderr", false)
		filter.IsStdErr = &v
	}

	msgs := s.logs.Query(filter)
	httputil.WriteJSON(w, http.StatusOK, logMessagesToEntries(msgs))
}

func (s *Server) handleHealthy(w http.ResponseWriter, r *http.Request) {
	healthy := s.base.HealthStatus() == "healthy"
	if healthy && s.runtime != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.runtime.Ping(ctx); err != nil {
			healthy = false
		}
	}

	if !healthy {
		httputil.WriteError(w, http.StatusServiceUnavailable, "unhealthy")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// Package server exposes the control plane over HTTP/JSON plus a websocket
// streaming endpoint. It translates transport-level requests into lifecycle
// and identity calls and maps the error taxonomy onto status codes.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maanpatel139/aetherhost/internal/gateway"
	"github.com/maanpatel139/aetherhost/internal/identity"
	"github.com/maanpatel139/aetherhost/internal/ledger"
	"github.com/maanpatel139/aetherhost/internal/lifecycle"
	"github.com/maanpatel139/aetherhost/internal/relay"
)

const principalKey = "aetherhost.principal"

// Options carries the transport-level knobs the server needs beyond its
// collaborators.
type Options struct {
	AllowedOrigins []string
}

type Server struct {
	identity *identity.Provider
	manager  *lifecycle.Manager
	relay    *relay.Relay
	logger   *log.Logger
	metrics  *metrics
	engine   *gin.Engine
}

func New(provider *identity.Provider, manager *lifecycle.Manager, streamRelay *relay.Relay, logger *log.Logger, opts Options) *Server {
	s := &Server{
		identity: provider,
		manager:  manager,
		relay:    streamRelay,
		logger:   logger,
		metrics:  newMetrics(),
	}
	s.engine = s.buildEngine(opts)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) buildEngine(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 1 && opts.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = opts.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	engine.Use(cors.New(corsCfg))

	engine.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))

	auth := engine.Group("/auth")
	auth.POST("/signup", s.handleSignup)
	auth.POST("/login", s.handleLogin)
	auth.GET("/me", s.requirePrincipal, s.handleMe)

	compute := engine.Group("/compute", s.requirePrincipal)
	compute.POST("/create", s.handleCreate)
	compute.GET("/list", s.handleList)
	compute.DELETE("/stop/:id", s.handleStop)
	compute.GET("/logs/:id", s.handleLogs)
	compute.POST("/exec/:id", s.handleExec)

	engine.GET("/terminal/stream/:id", s.handleStream)

	return engine
}

// requirePrincipal resolves the bearer token on the request into a principal
// and aborts with 401 when it cannot.
func (s *Server) requirePrincipal(c *gin.Context) {
	header := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
		return
	}

	principal, err := s.identity.Resolve(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
		return
	}
	c.Set(principalKey, principal)
	c.Next()
}

func currentPrincipal(c *gin.Context) ledger.Principal {
	return c.MustGet(principalKey).(ledger.Principal)
}

type signupRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name"`
}

func (s *Server) handleSignup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "email and password are required"})
		return
	}

	principal, err := s.identity.Register(c.Request.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrHandleTaken) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Email already registered"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User created successfully", "email": principal.Handle})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "email and password are required"})
		return
	}

	token, err := s.identity.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"detail": "Incorrect email or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer"})
}

func (s *Server) handleMe(c *gin.Context) {
	principal := currentPrincipal(c)
	c.JSON(http.StatusOK, gin.H{"email": principal.Handle, "name": principal.DisplayName})
}

// handleCreate provisions a sandbox from the image query parameter.
// Provisioning failures come back as a structured error payload with HTTP
// 200, not a transport error.
func (s *Server) handleCreate(c *gin.Context) {
	image := strings.TrimSpace(c.Query("image"))
	if image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "image query parameter is required"})
		return
	}

	result := s.manager.Provision(c.Request.Context(), currentPrincipal(c), image)
	s.metrics.provisions.WithLabelValues(result.Status).Inc()
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleList(c *gin.Context) {
	summaries, err := s.manager.List(c.Request.Context(), currentPrincipal(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleStop(c *gin.Context) {
	message, err := s.manager.Stop(c.Request.Context(), currentPrincipal(c), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.metrics.stops.Inc()
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": message})
}

func (s *Server) handleLogs(c *gin.Context) {
	view, err := s.manager.Logs(c.Request.Context(), currentPrincipal(c), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type execRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleExec(c *gin.Context) {
	var req execRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "command is required"})
		return
	}

	output, err := s.manager.Exec(c.Request.Context(), currentPrincipal(c), c.Param("id"), req.Command)
	if err != nil {
		s.renderError(c, err)
		return
	}
	s.metrics.execs.Inc()
	c.JSON(http.StatusOK, gin.H{"command": req.Command, "output": output})
}

// renderError maps lifecycle and gateway errors onto HTTP status codes.
func (s *Server) renderError(c *gin.Context, err error) {
	var opErr *gateway.OperationError
	switch {
	case errors.Is(err, lifecycle.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"detail": "You do not have access to this container"})
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "Container not found"})
	case errors.Is(err, gateway.ErrNotRunning):
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Container is not running"})
	case errors.Is(err, gateway.ErrRuntimeUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Container runtime unavailable"})
	case errors.As(err, &opErr):
		c.JSON(http.StatusBadRequest, gin.H{"detail": opErr.Error()})
	default:
		if s.logger != nil {
			s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
	}
}

// Serve runs the HTTP server on addr until ctx is canceled. An addr of the
// form unix:///path/to.sock listens on a unix socket; anything else is a TCP
// host:port.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	listener, err := listen(addr)
	if err != nil {
		return err
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving control API", "addr", addr)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if path, ok := strings.CutPrefix(addr, "unix://"); ok {
			_ = os.Remove(path)
		}
		if logger != nil {
			logger.Info("control API shutdown complete", "addr", addr)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("control API serve failed", "error", err)
		}
		return err
	}
}

func listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		listener, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(path, 0o600); err != nil {
			_ = listener.Close()
			return nil, err
		}
		return listener, nil
	}
	return net.Listen("tcp", strings.TrimPrefix(addr, "http://"))
}

// Package server is the broadcaster's HTTP surface: the rpc WebSocket
// endpoint, read-only access to the initial files and a health report.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/catalog"
	"github.com/evebus/eve/internal/discovery"
	"github.com/evebus/eve/internal/rpc"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	broadcaster *broadcast.Broadcaster
	rpc         *rpc.Server
	engine      *gin.Engine
	logger      zerolog.Logger
	proc        *procStats

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func New(b *broadcast.Broadcaster, allowedOrigins []string, logger zerolog.Logger) *Server {
	s := &Server{
		broadcaster:    b,
		logger:         logger,
		proc:           newProcStats(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	s.rpc = rpc.NewServer(b, logger, s.checkOrigin)
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET(discovery.RPCPath, gin.WrapH(s.rpc))
	r.GET("/api/files", s.handleFiles)
	r.GET("/api/files/*path", s.handleFile)
	r.GET("/healthz", s.handleHealth)
	return r
}

type FileList struct {
	Paths      []string `json:"paths"`
	CommonRoot string   `json:"common_root"`
}

func (s *Server) handleFiles(c *gin.Context) {
	paths := s.broadcaster.InitialFiles()
	c.JSON(http.StatusOK, FileList{Paths: paths, CommonRoot: catalog.CommonRoot(paths)})
}

func (s *Server) handleFile(c *gin.Context) {
	p := strings.TrimPrefix(c.Param("path"), "/")
	data, ok := s.broadcaster.InitialFile(p)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// Health is the body of GET /healthz.
type Health struct {
	Status      string          `json:"status"`
	Broadcaster broadcast.Stats `json:"broadcaster"`
	Connections int             `json:"connections"`
	Process     ProcessStats    `json:"process"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, Health{
		Status:      "ok",
		Broadcaster: s.broadcaster.Stats(),
		Connections: s.rpc.Connections(),
		Process:     s.proc.read(),
	})
}

// Serve runs the HTTP server on ln until ctx is cancelled, then shuts it
// down, drops the remaining rpc connections and closes the broadcaster.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	var serveErr error
	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	if err := s.broadcaster.Close(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, err)
	}
	s.rpc.Close()
	s.logger.Info().Msg("server stopped")
	return serveErr
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Str("remote", c.Request.RemoteAddr).
			Msg("http request")
	}
}

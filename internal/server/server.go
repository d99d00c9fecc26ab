// Package server exposes the canvas over HTTP: the websocket endpoint the
// hub serves plus a few plain routes for snapshots, stats and admin.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RadovicDanilo/MyPlace/internal/auth"
	"github.com/RadovicDanilo/MyPlace/internal/hub"
)

// Hub is the connection side of the server.
type Hub interface {
	Serve(ctx context.Context, conn hub.Conn, hs hub.Handshake) error
	Num() int
}

type Canvas interface {
	Width() int
	Height() int
	Bits() uint
	Snapshot() []byte
}

// Cooldown is the process-wide write cooldown.
type Cooldown interface {
	Cooldown() time.Duration
	SetCooldownDuration(seconds int)
}

type Config struct {
	Addr string
	// AllowedOrigins lists the browser origins allowed to connect. Empty
	// allows any origin.
	AllowedOrigins []string
	// TrustProxy takes the client address from X-Real-Ip or
	// X-Forwarded-For.
	TrustProxy bool
	// AdminToken guards admin routes when non-empty.
	AdminToken string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type Server struct {
	cfg      Config
	hub      Hub
	canvas   Canvas
	cooldown Cooldown
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	engine   *gin.Engine
	upgrader websocket.Upgrader
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func New(cfg Config, h Hub, c Canvas, cd Cooldown, opts ...Option) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		hub:      h,
		canvas:   c,
		cooldown: cd,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  512,
		WriteBufferSize: 16384,
		CheckOrigin:     s.checkOrigin,
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.logRequests(), s.cors())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/ws", s.handleConnections)
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	canvas := s.engine.Group("/canvas")
	canvas.GET("/raw", s.handleRaw)
	canvas.GET("/stats", s.handleStats)
	canvas.POST("/cooldown/:seconds", s.requireAdmin(), s.handleSetCooldown)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
// Upgraded connections are not tracked by the HTTP server; the hub closes
// them when its own context ends.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleConnections(c *gin.Context) {
	addr, ok := clientAddr(c.Request, s.cfg.TrustProxy)
	if !ok {
		s.logger.Warn("could not determine client address", "remote", c.Request.RemoteAddr)
		c.String(http.StatusBadRequest, "could not determine client address")
		return
	}

	credential, subprotocol := auth.Credential(c.Request)
	var header http.Header
	if subprotocol != "" {
		header = http.Header{"Sec-WebSocket-Protocol": {subprotocol}}
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		// Upgrade has already answered the request.
		s.logger.Debug("upgrade failed", "addr", addr, "error", err)
		return
	}

	if err := s.hub.Serve(c.Request.Context(), conn, hub.Handshake{Credential: credential, Addr: addr}); err != nil {
		s.logger.Debug("connection rejected", "addr", addr, "error", err)
	}
}

func (s *Server) handleRaw(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("X-Canvas-Width", strconv.Itoa(s.canvas.Width()))
	c.Header("X-Canvas-Height", strconv.Itoa(s.canvas.Height()))
	c.Header("X-Canvas-Color-Bits", strconv.FormatUint(uint64(s.canvas.Bits()), 10))
	c.Data(http.StatusOK, "application/octet-stream", s.canvas.Snapshot())
}

type stats struct {
	Width           int `json:"width"`
	Height          int `json:"height"`
	ColorBits       int `json:"colorBits"`
	Connections     int `json:"connections"`
	CooldownSeconds int `json:"cooldownSeconds"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, stats{
		Width:           s.canvas.Width(),
		Height:          s.canvas.Height(),
		ColorBits:       int(s.canvas.Bits()),
		Connections:     s.hub.Num(),
		CooldownSeconds: int(s.cooldown.Cooldown() / time.Second),
	})
}

func (s *Server) handleSetCooldown(c *gin.Context) {
	seconds, err := strconv.Atoi(c.Param("seconds"))
	if err != nil || seconds < 0 {
		c.JSON(http.StatusBadRequest, hub.ErrorMessage{Error: "seconds must be a non-negative integer"})
		return
	}
	s.cooldown.SetCooldownDuration(seconds)
	s.logger.Info("cooldown changed", "seconds", seconds, "client", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"cooldownSeconds": seconds})
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, hub.ErrorMessage{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) allowedOrigin(origin string) string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return "*"
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.allowedOrigin(origin) != ""
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		if allowed := s.allowedOrigin(c.GetHeader("Origin")); allowed != "" {
			c.Header("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				c.Header("Vary", "Origin")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// clientAddr identifies the connecting client. Proxy headers are only
// honoured when trustProxy is set.
func clientAddr(r *http.Request, trustProxy bool) (netip.Addr, bool) {
	if trustProxy {
		if ip := r.Header.Get("X-Real-Ip"); ip != "" {
			if addr, err := netip.ParseAddr(strings.TrimSpace(ip)); err == nil {
				return addr.Unmap(), true
			}
		}
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap(), true
			}
		}
	}
	addrPort, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return addrPort.Addr().Unmap(), true
}

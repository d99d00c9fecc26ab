// Package hub accepts canvas connections, applies their pixel writes and
// fans every accepted write out to all live connections.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/RadovicDanilo/MyPlace/internal/auth"
)

// ErrHubClosed is returned by Serve once Run has returned.
var ErrHubClosed = errors.New("hub: closed")

// Canvas is the pixel store the hub writes through.
type Canvas interface {
	Width() int
	Height() int
	MaxColor() int
	Set(x, y int, color uint8)
	Snapshot() []byte
}

// Limiter gates how often a user may write.
type Limiter interface {
	CanWrite(ctx context.Context, userID string) bool
	RecordWrite(ctx context.Context, userID string)
}

// Config holds connection limits and socket timing. Zero fields take the
// values of DefaultConfig, except the connection caps, where zero means no cap.
type Config struct {
	// MaxConnections caps live connections; zero means no cap.
	MaxConnections int
	// MaxConnsPerAddr caps live connections per client address; zero means
	// no cap.
	MaxConnsPerAddr int
	// WriteLockTimeout bounds the wait for the write section.
	WriteLockTimeout time.Duration

	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	SendQueueSize  int
	MaxMessageSize int64

	// MessageRate and MessageBurst bound inbound messages per connection.
	// A zero rate disables the check.
	MessageRate  rate.Limit
	MessageBurst int
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:   10_000,
		WriteLockTimeout: 100 * time.Millisecond,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		SendQueueSize:    256,
		MaxMessageSize:   512,
		MessageRate:      10,
		MessageBurst:     20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteLockTimeout <= 0 {
		c.WriteLockTimeout = d.WriteLockTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MessageRate <= 0 {
		c.MessageRate = rate.Inf
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 1
	}
	return c
}

// Handshake is what a connection presents before it may go live.
type Handshake struct {
	Credential string
	Addr       netip.Addr
}

type registration struct {
	session *Session
	rsp     chan error
}

// Hub owns the live connection set. Run must be running for Serve to make
// progress; cancelling Run's context closes every live connection with
// CloseServiceRestart.
type Hub struct {
	cfg      Config
	canvas   Canvas
	limiter  Limiter
	resolver auth.Resolver
	metrics  *Metrics
	logger   *slog.Logger

	// writeSem serializes check-cooldown, set-pixel, record, publish so
	// acceptance order is broadcast order. It is one lock for the whole
	// canvas, which caps write throughput at one pixel at a time.
	writeSem *semaphore.Weighted

	running    atomic.Bool
	done       chan struct{}
	broadcast  chan []byte
	register   chan registration
	unregister chan *Session
	numclients chan int
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates a hub serving canvas. Call Run before Serve.
func New(cfg Config, canvas Canvas, limiter Limiter, resolver auth.Resolver, opts ...Option) *Hub {
	h := &Hub{
		cfg:        cfg.withDefaults(),
		canvas:     canvas,
		limiter:    limiter,
		resolver:   resolver,
		logger:     slog.Default(),
		writeSem:   semaphore.NewWeighted(1),
		done:       make(chan struct{}),
		broadcast:  make(chan []byte),
		register:   make(chan registration),
		unregister: make(chan *Session),
		numclients: make(chan int),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Run processes registrations, removals and broadcasts until ctx is
// cancelled. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	if !h.running.CompareAndSwap(false, true) {
		panic("hub has already been run")
	}
	defer close(h.done)

	reg := newRegistry(h.cfg.MaxConnections, h.cfg.MaxConnsPerAddr, h.metrics, h.logger)

	for {
		select {
		case <-ctx.Done():
			n := reg.closeAll(CloseServiceRestart, "server restarted")
			h.logger.Info("hub stopped", "closed", n)
			return

		case msg := <-h.broadcast:
			reg.deliver(msg)

		case r := <-h.register:
			r.rsp <- reg.add(r.session, h.canvas.Snapshot())

		case s := <-h.unregister:
			reg.remove(s, CloseNormal, "")

		case h.numclients <- reg.len():
		}
	}
}

// Num returns the number of live connections.
func (h *Hub) Num() int {
	select {
	case <-h.done:
		return 0
	case n := <-h.numclients:
		return n
	}
}

func (h *Hub) join(s *Session) error {
	rsp := make(chan error, 1)
	select {
	case <-h.done:
		return ErrHubClosed
	case h.register <- registration{session: s, rsp: rsp}:
	}
	return <-rsp
}

func (h *Hub) leave(s *Session) {
	select {
	case <-h.done:
	case h.unregister <- s:
	}
}

func (h *Hub) publish(msg []byte) {
	select {
	case <-h.done:
	case h.broadcast <- msg:
	}
}

// reject closes a connection that never went live.
func (h *Hub) reject(conn Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout))
	conn.Close()
}

// Serve takes conn through identity resolution and registration, then
// reads pixel writes until the connection closes. It blocks for the life
// of the connection and returns an error only if the connection was
// rejected before going live.
func (h *Hub) Serve(ctx context.Context, conn Conn, hs Handshake) error {
	userID, err := h.resolver.Resolve(ctx, hs.Credential)
	if err != nil {
		h.metrics.rejected("unauthorized")
		h.logger.Info("rejecting connection", "addr", hs.Addr, "error", err)
		h.reject(conn, CloseUnauthorized, "unauthorized")
		return fmt.Errorf("resolving identity: %w", err)
	}

	s := newSession(conn, userID, hs.Addr, h.cfg)
	if err := h.join(s); err != nil {
		reason, code, text := "overloaded", CloseOverloaded, "overloaded"
		if errors.Is(err, ErrHubClosed) {
			reason, code, text = "shutdown", CloseServiceRestart, "server restarted"
		}
		h.metrics.rejected(reason)
		h.logger.Warn("rejecting connection", "user", userID, "addr", hs.Addr, "error", err)
		h.reject(conn, code, text)
		return err
	}

	go s.writePump(h.cfg.WriteTimeout, h.cfg.PingInterval, h.logger)
	defer func() {
		h.leave(s)
		s.close(CloseNormal, "")
	}()

	h.readLoop(ctx, s)
	return nil
}

func (h *Hub) readLoop(ctx context.Context, s *Session) {
	s.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !s.isClosed() {
				h.logger.Debug("read failed", "session", s.ID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		if kind != websocket.TextMessage {
			h.answer(s, RejectInvalid)
			continue
		}
		if r, ok := h.handle(ctx, s, data); !ok {
			h.answer(s, r)
		}
	}
}

func (h *Hub) answer(s *Session, r Rejection) {
	h.metrics.rejected(r.Reason)
	h.logger.Debug("request rejected", "session", s.ID, "user", s.UserID, "reason", r.Reason)
	s.enqueue(websocket.TextMessage, r.payload())
}

// handle applies one inbound message. On rejection nothing has changed.
func (h *Hub) handle(ctx context.Context, s *Session, data []byte) (Rejection, bool) {
	if !s.limiter.Allow() {
		return RejectRate, false
	}
	w, err := ParsePixelWrite(data)
	if err != nil {
		return RejectInvalid, false
	}
	if r, ok := w.validate(h.canvas.Width(), h.canvas.Height(), h.canvas.MaxColor()); !ok {
		return r, false
	}
	return h.place(ctx, s.UserID, w)
}

// place runs the serialized write path: wait a bounded time for the write
// section, check the cooldown, mutate, record, broadcast.
func (h *Hub) place(ctx context.Context, userID string, w PixelWrite) (Rejection, bool) {
	lockCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteLockTimeout)
	defer cancel()
	if err := h.writeSem.Acquire(lockCtx, 1); err != nil {
		return RejectBusy, false
	}
	defer h.writeSem.Release(1)

	select {
	case <-h.done:
		return RejectClosed, false
	default:
	}

	if !h.limiter.CanWrite(ctx, userID) {
		return RejectCooldown, false
	}

	h.canvas.Set(w.X, w.Y, uint8(w.Color))
	h.limiter.RecordWrite(context.WithoutCancel(ctx), userID)
	h.metrics.placed()
	h.logger.Debug("pixel placed", "user", userID, "x", w.X, "y", w.Y, "color", w.Color)

	msg, err := json.Marshal(PixelEvent{Type: "pixel", X: w.X, Y: w.Y, Color: w.Color})
	if err != nil {
		h.logger.Error("encoding pixel event", "error", err)
		return Rejection{}, true
	}
	h.publish(msg)
	return Rejection{}, true
}

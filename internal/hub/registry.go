package hub

import (
	"errors"
	"log/slog"
	"net/netip"

	"github.com/gorilla/websocket"
)

var (
	ErrOverloaded    = errors.New("hub: connection limit reached")
	ErrAddrOverLimit = errors.New("hub: too many connections from address")
)

// registry is the set of live sessions. It is owned by the Run goroutine
// and never touched from anywhere else, which is what makes removing a
// session in the middle of a broadcast pass safe.
type registry struct {
	sessions   map[*Session]struct{}
	perAddr    map[netip.Addr]int
	maxConns   int
	maxPerAddr int

	metrics *Metrics
	logger  *slog.Logger
}

func newRegistry(maxConns, maxPerAddr int, metrics *Metrics, logger *slog.Logger) *registry {
	return &registry{
		sessions:   make(map[*Session]struct{}),
		perAddr:    make(map[netip.Addr]int),
		maxConns:   maxConns,
		maxPerAddr: maxPerAddr,
		metrics:    metrics,
		logger:     logger,
	}
}

func (r *registry) len() int { return len(r.sessions) }

// add queues snapshot as the session's first message and makes it live.
func (r *registry) add(s *Session, snapshot []byte) error {
	if r.maxConns > 0 && len(r.sessions) >= r.maxConns {
		return ErrOverloaded
	}
	if r.maxPerAddr > 0 && s.Addr.IsValid() && r.perAddr[s.Addr] >= r.maxPerAddr {
		return ErrAddrOverLimit
	}
	if !s.enqueue(websocket.BinaryMessage, snapshot) {
		return errors.New("hub: session closed before snapshot")
	}

	r.sessions[s] = struct{}{}
	if s.Addr.IsValid() {
		r.perAddr[s.Addr]++
	}
	r.metrics.connected()
	r.logger.Info("client connected", "session", s.ID, "user", s.UserID, "addr", s.Addr, "clients", len(r.sessions))
	return nil
}

// remove drops s from the set and closes it. Removing a session that is not
// in the set does nothing.
func (r *registry) remove(s *Session, code int, text string) bool {
	if _, ok := r.sessions[s]; !ok {
		return false
	}
	delete(r.sessions, s)
	if s.Addr.IsValid() {
		if r.perAddr[s.Addr]--; r.perAddr[s.Addr] <= 0 {
			delete(r.perAddr, s.Addr)
		}
	}
	s.close(code, text)
	r.metrics.disconnected()
	r.logger.Info("client disconnected", "session", s.ID, "user", s.UserID, "clients", len(r.sessions))
	return true
}

// deliver queues msg on every live session. Sessions that are already
// closed or cannot keep up are removed in the same pass. It returns how
// many sessions were removed.
func (r *registry) deliver(msg []byte) int {
	dropped := 0
	for s := range r.sessions {
		if s.enqueue(websocket.TextMessage, msg) {
			continue
		}
		r.logger.Warn("dropping client during broadcast", "session", s.ID, "user", s.UserID)
		r.remove(s, CloseOverloaded, "send queue full")
		r.metrics.droppedOne()
		dropped++
	}
	return dropped
}

// closeAll closes every session with code and empties the set.
func (r *registry) closeAll(code int, text string) int {
	n := 0
	for s := range r.sessions {
		if r.remove(s, code, text) {
			n++
		}
	}
	return n
}

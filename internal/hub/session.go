package hub

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type outbound struct {
	kind int
	data []byte
}

// Session is a live connection. Everything written to the socket goes
// through its queue and is written by writePump, so a slow client only
// ever stalls its own goroutine.
type Session struct {
	ID     string
	UserID string
	Addr   netip.Addr

	conn    Conn
	send    chan outbound
	quit    chan struct{}
	limiter *rate.Limiter

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
}

func newSession(conn Conn, userID string, addr netip.Addr, cfg Config) *Session {
	return &Session{
		ID:      uuid.NewString(),
		UserID:  userID,
		Addr:    addr,
		conn:    conn,
		send:    make(chan outbound, cfg.SendQueueSize),
		quit:    make(chan struct{}),
		limiter: rate.NewLimiter(cfg.MessageRate, cfg.MessageBurst),
	}
}

// enqueue reports false if the session is closed or its queue is full.
func (s *Session) enqueue(kind int, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- outbound{kind: kind, data: data}:
		return true
	default:
		return false
	}
}

// close marks the session closed and stops its writer, which sends a close
// frame with code unless code is zero. Only the first call has any effect.
func (s *Session) close(code int, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.closeCode = code
	s.closeText = text
	close(s.quit)
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) writePump(writeTimeout, pingInterval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case m := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(m.kind, m.data); err != nil {
				logger.Debug("write failed", "session", s.ID, "error", err)
				s.close(0, "")
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				logger.Debug("ping failed", "session", s.ID, "error", err)
				s.close(0, "")
				return
			}

		case <-s.quit:
			s.mu.Lock()
			code, text := s.closeCode, s.closeText
			s.mu.Unlock()
			if code != 0 {
				msg := websocket.FormatCloseMessage(code, text)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			}
			return
		}
	}
}

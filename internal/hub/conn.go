package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of *websocket.Conn the hub relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Close codes sent to clients. Unauthorized lives in the application
// range so clients can tell a rejected session from a transport failure.
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseServiceRestart = websocket.CloseServiceRestart
	CloseOverloaded     = websocket.CloseTryAgainLater
	CloseUnauthorized   = 4001
)

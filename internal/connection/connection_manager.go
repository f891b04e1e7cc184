// Package connection tracks the live relay connections and their write paths.
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

// Conn is one relay participant, device or viewer.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// ConnectionManager is the set of live connections keyed by ID. It is safe
// for concurrent use by the per-connection handlers.
type ConnectionManager struct {
	connections sync.Map
	count       atomic.Int64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

func (cm *ConnectionManager) AddConnection(conn Conn) {
	if _, loaded := cm.connections.LoadOrStore(conn.ID(), conn); !loaded {
		cm.count.Add(1)
	}
	logger.InfoF("[%s] Client connected, total clients: %d", conn.ID(), cm.count.Load())
}

// RemoveConnection reports whether the connection was present.
func (cm *ConnectionManager) RemoveConnection(connID string) bool {
	if _, loaded := cm.connections.LoadAndDelete(connID); !loaded {
		return false
	}
	cm.count.Add(-1)
	logger.InfoF("[%s] Client disconnected, total clients: %d", connID, cm.count.Load())
	return true
}

func (cm *ConnectionManager) GetConnection(connID string) (Conn, bool) {
	if value, ok := cm.connections.Load(connID); ok {
		return value.(Conn), true
	}
	return nil, false
}

func (cm *ConnectionManager) Len() int {
	return int(cm.count.Load())
}

// Snapshot returns the connections present at the time of the call.
func (cm *ConnectionManager) Snapshot() []Conn {
	conns := make([]Conn, 0, cm.Len())
	cm.connections.Range(func(_, value any) bool {
		conns = append(conns, value.(Conn))
		return true
	})
	return conns
}

// CloseAll closes every connection; their handlers remove them afterwards.
func (cm *ConnectionManager) CloseAll() {
	for _, conn := range cm.Snapshot() {
		if err := conn.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", conn.ID(), err)
		}
	}
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	var closeErr *websocket.CloseError
	switch {
	case errors.Is(err, io.EOF), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.InfoF("[%s] Client close connection", connID)
	case errors.As(err, &closeErr):
		logger.WarnF("[%s] Connection closed with code %d, details: %s", connID, closeErr.Code, closeErr.Text)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection already closed", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading message, details: %v", connID, err)
	}
}

package connection

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

var ErrUnknownConnection = errors.New("unknown connection")

// MessageSender delivers a payload to a connection by ID.
type MessageSender interface {
	SendMessage(connID string, data []byte) error
}

// SendMessage looks the connection up and sends data to it.
func (cm *ConnectionManager) SendMessage(connID string, data []byte) error {
	conn, ok := cm.GetConnection(connID)
	if !ok {
		return fmt.Errorf("%s: %w", connID, ErrUnknownConnection)
	}
	return conn.Send(data)
}

// WSConn adapts a gorilla websocket to Conn. Gorilla allows one concurrent
// writer, so writes are serialized by mu.
type WSConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{
		id:           fmt.Sprintf("%s#%s", ws.RemoteAddr().String(), uuid.NewString()[:8]),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

func (c *WSConn) ID() string {
	return c.id
}

func (c *WSConn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

func (c *WSConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(c.deadline())
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", c.id, err)
		return err
	}
	logger.DebugF("[%s] Send %d bytes to client", c.id, len(data))
	return nil
}

func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// Read blocks for the next data message. A zero timeout disables the deadline.
func (c *WSConn) Read(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// ExtendOnPong pushes the read deadline forward whenever the peer answers a ping.
func (c *WSConn) ExtendOnPong(timeout time.Duration) {
	c.ws.SetPongHandler(func(string) error {
		if timeout > 0 {
			return c.ws.SetReadDeadline(time.Now().Add(timeout))
		}
		return nil
	})
}

// Close sends a close frame on a best-effort basis and closes the socket.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

var (
	_ Conn          = (*WSConn)(nil)
	_ MessageSender = (*ConnectionManager)(nil)
)

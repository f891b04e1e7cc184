package server

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/connection"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

type ConnectionHandler struct {
	conn         *connection.WSConn
	handler      Handler
	readTimeout  time.Duration
	pingInterval time.Duration
}

func (c *ConnectionHandler) keepAlive(stop <-chan struct{}) {
	if c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.conn.Ping(); err != nil {
				if !connection.IsNetClosedError(err) {
					logger.WarnF("[%s] Fail to send ping, details: %v", c.conn.ID(), err)
				}
				return
			}
		}
	}
}

func (c *ConnectionHandler) handleMessages() {
	for {
		data, err := c.conn.Read(c.readTimeout)
		if err != nil {
			connection.HandleReadError(c.conn.ID(), err)
			return
		}
		logger.DebugF("[%s] Receive %d bytes", c.conn.ID(), len(data))
		c.handler.OnMessage(c.conn, data)
	}
}

func (c *ConnectionHandler) handleConnection() {
	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.handler.OnDisconnect(c.conn)
		logger.DebugF("[%s] Connection closed", c.conn.ID())
		if err := c.conn.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.conn.ID(), err)
		}
	}()

	c.conn.ExtendOnPong(c.readTimeout)
	c.handler.OnConnect(c.conn)
	go c.keepAlive(stop)

	c.handleMessages()
}

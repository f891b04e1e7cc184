// Package server accepts websocket connections for the realtime relay and
// feeds them to a Handler.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/connection"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

// Handler receives the lifecycle of every relay connection. Calls for one
// connection come from a single goroutine.
type Handler interface {
	OnConnect(conn connection.Conn)
	OnMessage(conn connection.Conn, payload []byte)
	OnDisconnect(conn connection.Conn)
}

type Options struct {
	Listen         string
	Path           string
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// PingInterval defaults to nine tenths of ReadTimeout.
	PingInterval time.Duration
}

type Server struct {
	opts     Options
	handler  Handler
	sem      chan struct{}
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	conns    *connection.ConnectionManager
	wg       sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(opts Options, handler Handler) *Server {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.PingInterval <= 0 && opts.ReadTimeout > 0 {
		opts.PingInterval = opts.ReadTimeout * 9 / 10
	}
	s := &Server{
		opts:    opts,
		handler: handler,
		sem:     make(chan struct{}, opts.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The capture unit sends no Origin header and viewers are served
			// from another port.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux:   http.NewServeMux(),
		conns: connection.NewConnectionManager(),
	}
	s.mux.HandleFunc(opts.Path, s.handleUpgrade)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.WarnF("[%s] Refuse connection, limit of %d reached", r.RemoteAddr, s.opts.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-s.sem
		logger.WarnF("[%s] Fail to upgrade connection, details: %v", r.RemoteAddr, err)
		return
	}
	logger.DebugF("Accepted new connection from %s", r.RemoteAddr)

	handler := &ConnectionHandler{
		conn:         connection.NewWSConn(ws, s.opts.WriteTimeout),
		handler:      s.handler,
		readTimeout:  s.opts.ReadTimeout,
		pingInterval: s.opts.PingInterval,
	}
	s.conns.AddConnection(handler.conn)
	s.wg.Add(1)
	go func() {
		defer func() {
			s.conns.RemoveConnection(handler.conn.ID())
			<-s.sem
			s.wg.Done()
		}()
		handler.handleConnection()
	}()
}

// Start listens on Options.Listen and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	logger.InfoF("Relay Server Listen On %s%s", ln.Addr().String(), s.opts.Path)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("Relay server stopped, details: %v", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Active is the number of open relay connections.
func (s *Server) Active() int {
	return s.conns.Len()
}

// Invoke stops accepting, closes every open connection and waits for their
// handlers to finish.
func (s *Server) Invoke(ctx context.Context) error {
	logger.InfoF("Closing relay server")
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.conns.CloseAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

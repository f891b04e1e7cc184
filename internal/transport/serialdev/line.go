package serialdev

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

var ErrClosed = errors.New("serial line closed")

const maxLineLength = 64 * 1024

// LineConn frames a byte stream into lines. A single reader goroutine splits
// incoming lines into unsolicited events, handed to onEvent, and replies,
// handed to the one command in flight.
type LineConn struct {
	name    string
	rw      io.ReadWriteCloser
	onEvent func(Event)

	execMu  sync.Mutex
	replies chan string

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func NewLineConn(name string, rw io.ReadWriteCloser, onEvent func(Event)) *LineConn {
	c := &LineConn{
		name:    name,
		rw:      rw,
		onEvent: onEvent,
		replies: make(chan string, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *LineConn) readLoop() {
	scanner := bufio.NewScanner(c.rw)
	scanner.Buffer(make([]byte, 0, 1024), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ev, ok := ParseEvent(line); ok {
			logger.DebugF("[%s] Receive event line %q", c.name, line)
			if c.onEvent != nil {
				c.onEvent(ev)
			}
			continue
		}
		select {
		case c.replies <- line:
		default:
			logger.WarnF("[%s] Drop unexpected reply line %q", c.name, line)
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(err)
}

func (c *LineConn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
	})
}

// Err returns the reason the line stopped, or nil while it is open.
func (c *LineConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Exec writes one command line and waits for the next reply line. Only one
// Exec runs at a time; a reply that arrives after its Exec gave up is
// discarded before the next command is written.
//
// Replies carry no command id. A late reply that lands after the next command
// was written is taken as that command's reply, so a timeout leaves the next
// exchange unreliable until the firmware catches up.
func (c *LineConn) Exec(ctx context.Context, command string) (Reply, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	select {
	case <-c.done:
		return Reply{}, fmt.Errorf("%s: %w: %v", command, ErrClosed, c.Err())
	default:
	}

	select {
	case stale := <-c.replies:
		logger.DebugF("[%s] Discard stale reply %q", c.name, stale)
	default:
	}

	if _, err := io.WriteString(c.rw, command+"\n"); err != nil {
		c.fail(err)
		return Reply{}, fmt.Errorf("write %q: %w", command, err)
	}

	select {
	case line := <-c.replies:
		reply := ParseReply(line)
		logger.DebugF("[%s] %s -> %s", c.name, command, reply.Raw)
		return reply, nil
	case <-ctx.Done():
		return Reply{}, fmt.Errorf("waiting for reply to %q: %w", command, ctx.Err())
	case <-c.done:
		return Reply{}, fmt.Errorf("%s: %w: %v", command, ErrClosed, c.Err())
	}
}

// Ack runs Exec and turns anything but OK/READY/SUCCESS into a DeviceError.
func (c *LineConn) Ack(ctx context.Context, command string) (Reply, error) {
	reply, err := c.Exec(ctx, command)
	if err != nil {
		return Reply{}, err
	}
	if !reply.Ack() {
		return reply, &DeviceError{Command: command, Token: reply.Raw}
	}
	return reply, nil
}

func (c *LineConn) Close() error {
	err := c.rw.Close()
	c.fail(ErrClosed)
	return err
}

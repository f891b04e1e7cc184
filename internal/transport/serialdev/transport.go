package serialdev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

// DefaultSettle covers the controller reboot many boards do when the port opens.
const DefaultSettle = 2 * time.Second

type Options struct {
	// Port is used when Probe is called with an empty address.
	Port     string
	BaudRate int
	Open     Opener
	Settle   time.Duration
	Now      func() time.Time
}

// captureSlots holds at most one pending result per kind. It is written by
// the line reader and drained by Fetch commands.
type captureSlots struct {
	mu          sync.Mutex
	mode        device.Mode
	subject     string
	fingerprint *device.CaptureResult
	rfid        *device.CaptureResult
	outcome     *device.VerificationOutcome
}

func (s *captureSlots) reset(mode device.Mode, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	s.subject = subject
	s.fingerprint = nil
	s.rfid = nil
	s.outcome = nil
}

func (s *captureSlots) takeCapture() *device.CaptureResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fingerprint != nil {
		capture := s.fingerprint
		s.fingerprint = nil
		return capture
	}
	capture := s.rfid
	s.rfid = nil
	return capture
}

func (s *captureSlots) takeOutcome() *device.VerificationOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	outcome := s.outcome
	s.outcome = nil
	return outcome
}

type Transport struct {
	opts Options

	mu   sync.Mutex
	port string
	conn *LineConn
	rfid *RFIDReader
	fp   *FingerprintSensor

	slots captureSlots
}

func New(opts Options) *Transport {
	if opts.Open == nil {
		opts.Open = OpenPort
	}
	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transport{opts: opts}
}

func (t *Transport) Name() string {
	return "serial"
}

func (t *Transport) openLocked(ctx context.Context, name string) error {
	rw, err := t.opts.Open(name, t.opts.BaudRate)
	if err != nil {
		return err
	}
	rfid := &RFIDReader{}
	fp := &FingerprintSensor{}
	conn := NewLineConn("serial "+name, rw, func(ev Event) {
		t.route(name, ev, rfid, fp)
	})
	rfid.conn = conn
	fp.conn = conn
	t.port, t.conn, t.rfid, t.fp = name, conn, rfid, fp
	t.slots.reset(device.ModeIdle, "")

	if t.opts.Settle > 0 {
		select {
		case <-time.After(t.opts.Settle):
		case <-ctx.Done():
			t.closeLocked()
			return ctx.Err()
		}
	}
	logger.InfoF("[serial %s] Port opened at %d baud", name, t.opts.BaudRate)
	return nil
}

func (t *Transport) closeLocked() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Close(); err != nil {
		logger.WarnF("[serial %s] Error occured while closing port, details: %v", t.port, err)
	}
	t.conn, t.rfid, t.fp = nil, nil, nil
}

// Probe opens the port on first use and asks for STATUS.
func (t *Transport) Probe(ctx context.Context, address string) (device.Readiness, error) {
	name := address
	if name == "" {
		name = t.opts.Port
	}
	if name == "" {
		return device.Readiness{}, errors.New("no serial port configured")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil && (t.port != name || t.conn.Err() != nil) {
		t.closeLocked()
	}
	if t.conn == nil {
		if err := t.openLocked(ctx, name); err != nil {
			return device.Readiness{}, err
		}
	}

	reply, err := t.conn.Exec(ctx, VerbStatus)
	if err != nil {
		// A missed reply leaves the port usable. Reopening it would reboot
		// the board and drop the mode the session still reports.
		if t.conn.Err() != nil {
			t.closeLocked()
		}
		return device.Readiness{}, err
	}
	if reply.Kind != ReplyStatus {
		return device.Readiness{}, &DeviceError{Command: VerbStatus, Token: reply.Raw}
	}
	return ParseStatus(reply.Payload)
}

func (t *Transport) lineLocked() (*LineConn, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("serial port not open: %w", device.ErrNotConnected)
	}
	return t.conn, nil
}

func (t *Transport) SetMode(ctx context.Context, mode device.Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, err := t.lineLocked()
	if err != nil {
		return err
	}
	if _, err := conn.Ack(ctx, EncodeMode(mode, nil)); err != nil {
		return err
	}
	t.slots.reset(mode, "")
	return nil
}

func (t *Transport) Send(ctx context.Context, cmd device.Command) (device.Reply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch cmd.Kind {
	case device.CmdFetchRegistration:
		return device.Reply{Capture: t.slots.takeCapture()}, nil
	case device.CmdFetchVerification:
		return device.Reply{Outcome: t.slots.takeOutcome()}, nil
	}

	conn, err := t.lineLocked()
	if err != nil {
		return device.Reply{}, err
	}

	switch cmd.Kind {
	case device.CmdStartRegistration:
		if _, err := conn.Ack(ctx, EncodeMode(device.ModeRegistration, map[string]string{"user": cmd.SubjectID})); err != nil {
			return device.Reply{}, err
		}
		t.slots.reset(device.ModeRegistration, cmd.SubjectID)
		if err := t.fp.Arm(ctx, true); err != nil {
			return device.Reply{}, err
		}
		return device.Reply{}, t.rfid.Arm(ctx, true)
	case device.CmdStartVerification:
		t.slots.reset(device.ModeVerification, "")
		if err := t.fp.Arm(ctx, false); err != nil {
			return device.Reply{}, err
		}
		return device.Reply{}, t.rfid.Arm(ctx, false)
	case device.CmdReset:
		if _, err := conn.Ack(ctx, VerbCancel); err != nil {
			return device.Reply{}, err
		}
		if _, err := conn.Ack(ctx, EncodeMode(device.ModeIdle, nil)); err != nil {
			return device.Reply{}, err
		}
		t.slots.reset(device.ModeIdle, "")
		return device.Reply{}, nil
	case device.CmdDisconnect:
		_, err := conn.Ack(ctx, EncodeMode(device.ModeIdle, nil))
		t.closeLocked()
		return device.Reply{}, err
	case device.CmdDisplay:
		_, err := conn.Ack(ctx, EncodeDisplay(cmd.Line, cmd.Text))
		return device.Reply{}, err
	case device.CmdClearDisplay:
		_, err := conn.Ack(ctx, VerbClearDisplay)
		return device.Reply{}, err
	case device.CmdCancel:
		_, err := conn.Ack(ctx, VerbCancel)
		return device.Reply{}, err
	case device.CmdRecordAttendance:
		_, err := conn.Ack(ctx, EncodeRecordAttendance(cmd.SubjectID, cmd.Course, cmd.At))
		return device.Reply{}, err
	case device.CmdDeleteSubject:
		return device.Reply{}, t.fp.Delete(ctx, cmd.SubjectID)
	case device.CmdLookupSubject:
		reply, err := conn.Exec(ctx, EncodeGetUser(cmd.SubjectID))
		if err != nil {
			return device.Reply{}, err
		}
		info, err := ParseSubject(cmd.SubjectID, reply)
		return device.Reply{Subject: info}, err
	default:
		return device.Reply{}, fmt.Errorf("%s over serial: %w", cmd.Kind, device.ErrUnsupported)
	}
}

// route runs on the line reader goroutine and must not take t.mu, which is
// held by Exec callers waiting for that same goroutine.
func (t *Transport) route(port string, ev Event, rfid *RFIDReader, fp *FingerprintSensor) {
	at := t.opts.Now()
	s := &t.slots
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case EventFingerprint, EventRFID:
		if s.mode != device.ModeRegistration {
			logger.DebugF("[serial %s] Ignore capture event outside registration, mode %s", port, s.mode)
			return
		}
		var capture *device.CaptureResult
		if ev.Kind == EventFingerprint {
			var err error
			if capture, err = fp.Capture(ev.Payload, at); err != nil {
				logger.WarnF("[serial %s] Fail to decode fingerprint template, details: %v", port, err)
				return
			}
			s.fingerprint = capture
		} else {
			capture = rfid.Capture(ev.Payload, at)
			s.rfid = capture
		}
		capture.SubjectID = s.subject
	case EventMatch, EventNoMatch:
		if s.mode != device.ModeVerification {
			logger.DebugF("[serial %s] Ignore match event outside verification, mode %s", port, s.mode)
			return
		}
		s.outcome = &device.VerificationOutcome{
			Matched:   ev.Kind == EventMatch,
			SubjectID: ev.Subject,
			Modality:  ev.Modality,
			At:        at,
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

const DefaultTimeout = 5 * time.Second

type Option func(*Session)

// WithTimeout bounds every remote call made by the session.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithListener registers a callback invoked with a fresh snapshot after every
// state change. Callbacks run outside the session lock.
func WithListener(listener func(Status)) Option {
	return func(s *Session) {
		s.listeners = append(s.listeners, listener)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session is the single authority over one device connection. All
// transitions and remote calls are serialized by mu.
type Session struct {
	mu        sync.Mutex
	transport Transport
	timeout   time.Duration
	now       func() time.Time
	listeners []func(Status)

	st        state
	address   string
	readiness Readiness
	lastError string
	lastSync  time.Time
}

func NewSession(transport Transport, opts ...Option) *Session {
	s := &Session{
		transport: transport,
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run executes fn under the session lock and notifies listeners afterwards
// when fn reports a change.
func (s *Session) run(fn func() (bool, error)) error {
	s.mu.Lock()
	changed, err := fn()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		for _, listener := range s.listeners {
			listener(snapshot)
		}
	}
	return err
}

func (s *Session) snapshotLocked() Status {
	return Status{
		Connected: s.st.connected(),
		Mode:      s.st.mode,
		Address:   s.address,
		Transport: s.transport.Name(),
		Readiness: s.readiness,
		LastError: s.lastError,
		LastSync:  s.lastSync,
	}
}

func (s *Session) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Session) recordError(err error) {
	s.lastError = err.Error()
}

func (s *Session) move(t transition) error {
	next, err := s.st.apply(t)
	if err != nil {
		return err
	}
	s.st = next
	return nil
}

func (s *Session) requireConnected(op string) error {
	if !s.st.connected() {
		return &NotConnectedError{Op: op}
	}
	return nil
}

func (s *Session) requireMode(op string, mode Mode) error {
	if !s.st.connected() || s.st.mode != mode {
		return &InvalidStateError{Op: op, Required: mode, Connected: s.st.connected(), Actual: s.st.mode}
	}
	return nil
}

// Connect probes the device at address and, on success, enters Connected/Idle
// with the reported readiness cached. Connecting again to the same address only
// refreshes readiness.
func (s *Session) Connect(ctx context.Context, address string) error {
	return s.run(func() (bool, error) {
		if s.st.connected() && s.address != address {
			return false, &ConnectError{Address: address, Err: ErrAlreadyBound}
		}

		callCtx, cancel := s.remoteCtx(ctx)
		defer cancel()
		readiness, err := s.transport.Probe(callCtx, address)
		if err != nil {
			s.recordError(err)
			logger.WarnF("[%s] Fail to connect device at %s, details: %v", s.transport.Name(), address, err)
			return true, &ConnectError{Address: address, Err: err}
		}

		if err := s.move(transition{kind: evConnected}); err != nil {
			return false, err
		}
		s.address = address
		s.readiness = readiness
		s.lastError = ""
		s.lastSync = s.now()
		logger.InfoF("[%s] Device connected at %s", s.transport.Name(), address)
		return true, nil
	})
}

// Disconnect notifies the device on a best-effort basis and always resets the
// local state to Disconnected/Idle.
func (s *Session) Disconnect(ctx context.Context) {
	_ = s.run(func() (bool, error) {
		if !s.st.connected() {
			return false, nil
		}

		callCtx, cancel := s.remoteCtx(ctx)
		defer cancel()
		if _, err := s.transport.Send(callCtx, Command{Kind: CmdDisconnect}); err != nil {
			logger.WarnF("[%s] Fail to notify device of disconnect, details: %v", s.transport.Name(), err)
		}

		_ = s.move(transition{kind: evDisconnected})
		s.readiness = Readiness{}
		logger.InfoF("[%s] Device at %s disconnected", s.transport.Name(), s.address)
		return true, nil
	})
}

func (s *Session) setModeLocked(ctx context.Context, op string, mode Mode) error {
	callCtx, cancel := s.remoteCtx(ctx)
	defer cancel()
	if err := s.transport.SetMode(callCtx, mode); err != nil {
		err = wrapTransport(op, err)
		s.recordError(err)
		return err
	}
	if err := s.move(transition{kind: evModeAcked, mode: mode}); err != nil {
		return err
	}
	s.lastSync = s.now()
	logger.DebugF("[%s] Device mode set to %s", s.transport.Name(), mode)
	return nil
}

// SetMode changes the device mode. The local mode only changes once the
// device acknowledged the command.
func (s *Session) SetMode(ctx context.Context, mode Mode) error {
	return s.run(func() (bool, error) {
		if err := s.requireConnected("set mode"); err != nil {
			return false, err
		}
		return true, s.setModeLocked(ctx, "set mode", mode)
	})
}

func (s *Session) sendLocked(ctx context.Context, op string, cmd Command) (Reply, error) {
	callCtx, cancel := s.remoteCtx(ctx)
	defer cancel()
	reply, err := s.transport.Send(callCtx, cmd)
	if err != nil {
		err = wrapTransport(op, err)
		s.recordError(err)
		return Reply{}, err
	}
	s.lastSync = s.now()
	return reply, nil
}

func (s *Session) start(ctx context.Context, op string, mode Mode, cmd Command) error {
	return s.run(func() (bool, error) {
		if err := s.requireConnected(op); err != nil {
			return false, err
		}
		if err := s.setModeLocked(ctx, op, mode); err != nil {
			return true, err
		}
		_, err := s.sendLocked(ctx, op, cmd)
		return true, err
	})
}

// StartRegistration switches to Registration and asks the device to enroll
// a credential for subjectID.
func (s *Session) StartRegistration(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrMissingSubject
	}
	return s.start(ctx, "start registration", ModeRegistration, Command{Kind: CmdStartRegistration, SubjectID: subjectID})
}

// StartVerification switches to Verification and arms the sensors.
func (s *Session) StartVerification(ctx context.Context) error {
	return s.start(ctx, "start verification", ModeVerification, Command{Kind: CmdStartVerification})
}

// RegistrationData polls for buffered capture data. A nil result with a nil
// error means nothing has been captured yet.
func (s *Session) RegistrationData(ctx context.Context) (*CaptureResult, error) {
	var capture *CaptureResult
	err := s.run(func() (bool, error) {
		if err := s.requireMode("get registration data", ModeRegistration); err != nil {
			return false, err
		}
		reply, err := s.sendLocked(ctx, "get registration data", Command{Kind: CmdFetchRegistration})
		if err != nil {
			return true, err
		}
		capture = reply.Capture
		return false, nil
	})
	return capture, err
}

// VerificationResult polls for the outcome of the last presented credential.
// A nil result with a nil error means no credential was presented yet.
func (s *Session) VerificationResult(ctx context.Context) (*VerificationOutcome, error) {
	var outcome *VerificationOutcome
	err := s.run(func() (bool, error) {
		if err := s.requireMode("get verification result", ModeVerification); err != nil {
			return false, err
		}
		reply, err := s.sendLocked(ctx, "get verification result", Command{Kind: CmdFetchVerification})
		if err != nil {
			return true, err
		}
		outcome = reply.Outcome
		return false, nil
	})
	return outcome, err
}

// Status never fails. While connected it refreshes readiness from the device;
// a failed refresh keeps the cached values and records the error.
func (s *Session) Status(ctx context.Context) Status {
	var snapshot Status
	_ = s.run(func() (bool, error) {
		if !s.st.connected() {
			snapshot = s.snapshotLocked()
			return false, nil
		}

		callCtx, cancel := s.remoteCtx(ctx)
		defer cancel()
		readiness, err := s.transport.Probe(callCtx, s.address)
		if err != nil {
			s.recordError(wrapTransport("status", err))
			logger.WarnF("[%s] Fail to refresh device status, details: %v", s.transport.Name(), err)
		} else {
			s.readiness = readiness
			s.lastError = ""
			s.lastSync = s.now()
		}
		snapshot = s.snapshotLocked()
		return true, nil
	})
	return snapshot
}

// Snapshot returns the cached status without contacting the device.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Reset asks the device to abort any capture and returns to Idle on acknowledgement.
func (s *Session) Reset(ctx context.Context) error {
	return s.run(func() (bool, error) {
		if err := s.requireConnected("reset"); err != nil {
			return false, err
		}
		if _, err := s.sendLocked(ctx, "reset", Command{Kind: CmdReset}); err != nil {
			return true, err
		}
		return true, s.move(transition{kind: evResetAcked})
	})
}

// exec sends a command that does not affect the mode.
func (s *Session) exec(ctx context.Context, op string, cmd Command) error {
	return s.run(func() (bool, error) {
		if err := s.requireConnected(op); err != nil {
			return false, err
		}
		_, err := s.sendLocked(ctx, op, cmd)
		return err != nil, err
	})
}

// Display writes text to one line of the device display.
func (s *Session) Display(ctx context.Context, line int, text string) error {
	return s.exec(ctx, "display", Command{Kind: CmdDisplay, Line: line, Text: text})
}

func (s *Session) ClearDisplay(ctx context.Context) error {
	return s.exec(ctx, "clear display", Command{Kind: CmdClearDisplay})
}

// Cancel aborts an in-progress capture on the device without changing mode.
func (s *Session) Cancel(ctx context.Context) error {
	return s.exec(ctx, "cancel", Command{Kind: CmdCancel})
}

// RecordAttendance stores an attendance mark in the device's offline log.
func (s *Session) RecordAttendance(ctx context.Context, subjectID, course string, at time.Time) error {
	if subjectID == "" {
		return ErrMissingSubject
	}
	return s.exec(ctx, "record attendance", Command{Kind: CmdRecordAttendance, SubjectID: subjectID, Course: course, At: at})
}

// DeleteSubject removes an enrolled credential from the device.
func (s *Session) DeleteSubject(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return ErrMissingSubject
	}
	return s.exec(ctx, "delete subject", Command{Kind: CmdDeleteSubject, SubjectID: subjectID})
}

// LookupSubject asks the device which credentials it holds for subjectID.
// An unknown subject yields ErrSubjectNotFound and is not recorded as a
// device failure.
func (s *Session) LookupSubject(ctx context.Context, subjectID string) (*SubjectInfo, error) {
	if subjectID == "" {
		return nil, ErrMissingSubject
	}
	const op = "lookup subject"
	var info *SubjectInfo
	err := s.run(func() (bool, error) {
		if err := s.requireConnected(op); err != nil {
			return false, err
		}
		callCtx, cancel := s.remoteCtx(ctx)
		defer cancel()
		reply, err := s.transport.Send(callCtx, Command{Kind: CmdLookupSubject, SubjectID: subjectID})
		switch {
		case errors.Is(err, ErrSubjectNotFound):
			s.lastSync = s.now()
			return false, fmt.Errorf("%s %s: %w", op, subjectID, err)
		case err != nil:
			err = wrapTransport(op, err)
			s.recordError(err)
			return true, err
		case reply.Subject == nil:
			return false, fmt.Errorf("%s %s: %w", op, subjectID, ErrSubjectNotFound)
		}
		s.lastSync = s.now()
		info = reply.Subject
		return false, nil
	})
	return info, err
}

// Close disconnects and releases the transport.
func (s *Session) Close(ctx context.Context) error {
	s.Disconnect(ctx)
	if err := s.transport.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Invoke lets the session be registered as a shutdown hook.
func (s *Session) Invoke(ctx context.Context) error {
	return s.Close(ctx)
}

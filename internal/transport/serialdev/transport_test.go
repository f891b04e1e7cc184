package serialdev

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

var fixedNow = time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

// firmware plays the device end of the serial line.
type firmware struct {
	conn    net.Conn
	respond func(cmd string) []string

	mu       sync.Mutex
	received []string
	closed   chan struct{}
}

func defaultResponses(cmd string) []string {
	switch {
	case cmd == VerbStatus:
		return []string{"STATUS:battery=87,charging=1,fp=1,rfid=0,display=1"}
	case strings.HasPrefix(cmd, VerbMode):
		return []string{"OK"}
	case cmd == VerbEnrollFP, cmd == VerbVerifyFP, cmd == VerbEnrollRFID, cmd == VerbWaitRFID:
		return []string{"READY"}
	default:
		return []string{"OK"}
	}
}

func startFirmware(t *testing.T, respond func(cmd string) []string) (*firmware, Opener) {
	t.Helper()
	host, dev := net.Pipe()
	fw := &firmware{conn: dev, respond: respond, closed: make(chan struct{})}
	go fw.serve()
	t.Cleanup(func() { _ = dev.Close() })

	opened := false
	return fw, func(name string, baud int) (io.ReadWriteCloser, error) {
		require.False(t, opened, "port opened twice")
		opened = true
		return host, nil
	}
}

func (f *firmware) serve() {
	defer close(f.closed)
	scanner := bufio.NewScanner(f.conn)
	for scanner.Scan() {
		cmd := scanner.Text()
		f.mu.Lock()
		f.received = append(f.received, cmd)
		f.mu.Unlock()
		for _, line := range f.respond(cmd) {
			if _, err := io.WriteString(f.conn, line+"\n"); err != nil {
				return
			}
		}
	}
}

func (f *firmware) push(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(f.conn, line+"\n")
	require.NoError(t, err)
}

func (f *firmware) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func newSerialSession(t *testing.T, respond func(string) []string, opts ...device.Option) (*device.Session, *firmware) {
	t.Helper()
	fw, open := startFirmware(t, respond)
	transport := New(Options{Port: "/dev/ttyUSB0", Open: open, Now: func() time.Time { return fixedNow }})
	session := device.NewSession(transport, opts...)
	require.NoError(t, session.Connect(context.Background(), ""))
	return session, fw
}

func TestConnectReadsStatus(t *testing.T) {
	session, fw := newSerialSession(t, defaultResponses)

	status := session.Snapshot()
	assert.True(t, status.Connected)
	assert.Equal(t, device.ModeIdle, status.Mode)
	assert.Equal(t, device.Readiness{Fingerprint: true, Display: true, Battery: 87, Charging: true}, status.Readiness)
	assert.Equal(t, []string{VerbStatus}, fw.commands())
}

func TestConnectRejectsNonStatusReply(t *testing.T) {
	_, open := startFirmware(t, func(string) []string { return []string{"ERR_BOOT"} })
	transport := New(Options{Port: "/dev/ttyUSB0", Open: open})

	_, err := transport.Probe(context.Background(), "")
	var deviceErr *DeviceError
	require.ErrorAs(t, err, &deviceErr)
	assert.Equal(t, "ERR_BOOT", deviceErr.Token)
	assert.ErrorIs(t, err, device.ErrNotAcknowledged)
}

func TestRegistrationOverSerial(t *testing.T) {
	session, fw := newSerialSession(t, defaultResponses)
	ctx := context.Background()

	require.NoError(t, session.StartRegistration(ctx, "STU-1"))
	assert.Equal(t, []string{
		VerbStatus,
		"MODE:REGISTRATION",
		"MODE:REGISTRATION:user=STU-1",
		VerbEnrollFP,
		VerbEnrollRFID,
	}, fw.commands())

	capture, err := session.RegistrationData(ctx)
	require.NoError(t, err)
	assert.Nil(t, capture)

	fw.push(t, "RFID:a1-b2 c3")
	require.Eventually(t, func() bool {
		capture, err = session.RegistrationData(ctx)
		return err == nil && capture != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, device.ModalityRFID, capture.Kind)
	assert.Equal(t, "A1B2C3", capture.TagID)
	assert.Equal(t, "STU-1", capture.SubjectID)
	assert.Equal(t, fixedNow, capture.CapturedAt)

	capture, err = session.RegistrationData(ctx)
	require.NoError(t, err)
	assert.Nil(t, capture, "capture must be consumed once")

	fw.push(t, "FP:0a0b0c")
	require.Eventually(t, func() bool {
		capture, err = session.RegistrationData(ctx)
		return err == nil && capture != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, device.ModalityFingerprint, capture.Kind)
	assert.Equal(t, device.TemplateHash([]byte{0x0a, 0x0b, 0x0c}), capture.TemplateHash)
}

func TestVerificationOverSerial(t *testing.T) {
	session, fw := newSerialSession(t, defaultResponses)
	ctx := context.Background()

	require.NoError(t, session.StartVerification(ctx))
	fw.push(t, "RFID:IGNORED")
	fw.push(t, "MATCH:STU-9,rfid")

	var outcome *device.VerificationOutcome
	require.Eventually(t, func() bool {
		var err error
		outcome, err = session.VerificationResult(ctx)
		return err == nil && outcome != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, &device.VerificationOutcome{Matched: true, SubjectID: "STU-9", Modality: device.ModalityRFID, At: fixedNow}, outcome)

	fw.push(t, "NOMATCH:fp")
	require.Eventually(t, func() bool {
		var err error
		outcome, err = session.VerificationResult(ctx)
		return err == nil && outcome != nil
	}, time.Second, 5*time.Millisecond)
	assert.False(t, outcome.Matched)
	assert.Equal(t, device.ModalityFingerprint, outcome.Modality)
}

func TestModeRejectedKeepsMode(t *testing.T) {
	session, _ := newSerialSession(t, func(cmd string) []string {
		if cmd == "MODE:VERIFICATION" {
			return []string{"ERR_BUSY"}
		}
		return defaultResponses(cmd)
	})

	err := session.SetMode(context.Background(), device.ModeVerification)
	assert.ErrorIs(t, err, device.ErrNotAcknowledged)
	assert.Equal(t, device.ModeIdle, session.Snapshot().Mode)
	assert.Contains(t, session.Snapshot().LastError, "ERR_BUSY")
}

func TestCommandTimeout(t *testing.T) {
	session, _ := newSerialSession(t, func(cmd string) []string {
		if cmd == VerbCancel {
			return nil
		}
		return defaultResponses(cmd)
	}, device.WithTimeout(50*time.Millisecond))

	err := session.Cancel(context.Background())
	var transportErr *device.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, transportErr.Timeout())

	require.NoError(t, session.Display(context.Background(), 1, "Welcome"))
}

func TestMissedStatusKeepsPortOpen(t *testing.T) {
	var statusCalls int
	var mu sync.Mutex
	session, fw := newSerialSession(t, func(cmd string) []string {
		if cmd == VerbStatus {
			mu.Lock()
			defer mu.Unlock()
			statusCalls++
			if statusCalls == 2 {
				return nil
			}
		}
		return defaultResponses(cmd)
	}, device.WithTimeout(100*time.Millisecond))
	ctx := context.Background()

	status := session.Status(ctx)
	assert.True(t, status.Connected)
	assert.NotEmpty(t, status.LastError)

	require.NoError(t, session.SetMode(ctx, device.ModeRegistration))
	assert.Equal(t, device.ModeRegistration, session.Snapshot().Mode)

	status = session.Status(ctx)
	assert.True(t, status.Connected)
	assert.Empty(t, status.LastError)
	assert.Equal(t, device.ModeRegistration, status.Mode)
	assert.Equal(t, []string{VerbStatus, VerbStatus, "MODE:REGISTRATION", VerbStatus}, fw.commands())
}

func TestSettleDelaysFirstCommand(t *testing.T) {
	fw, open := startFirmware(t, defaultResponses)
	transport := New(Options{Port: "/dev/ttyUSB0", Open: open, Settle: 80 * time.Millisecond})

	started := time.Now()
	_, err := transport.Probe(context.Background(), "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(started), 80*time.Millisecond)
	assert.Equal(t, []string{VerbStatus}, fw.commands())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, open = startFirmware(t, defaultResponses)
	transport = New(Options{Port: "/dev/ttyUSB1", Open: open, Settle: time.Minute})
	_, err = transport.Probe(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLookupSubjectOverSerial(t *testing.T) {
	session, fw := newSerialSession(t, func(cmd string) []string {
		switch cmd {
		case "GET_USER:STU-1":
			return []string{"SUCCESS:fp=1,rfid=a1b2"}
		case "GET_USER:STU-404":
			return []string{"NOT_FOUND"}
		}
		return defaultResponses(cmd)
	})
	ctx := context.Background()

	info, err := session.LookupSubject(ctx, "STU-1")
	require.NoError(t, err)
	assert.Equal(t, &device.SubjectInfo{SubjectID: "STU-1", Fingerprint: true, RFIDTag: "A1B2"}, info)

	_, err = session.LookupSubject(ctx, "STU-404")
	assert.ErrorIs(t, err, device.ErrSubjectNotFound)
	assert.Empty(t, session.Snapshot().LastError)

	assert.Equal(t, []string{VerbStatus, "GET_USER:STU-1", "GET_USER:STU-404"}, fw.commands())
}

func TestAuxiliaryCommandsOverSerial(t *testing.T) {
	session, fw := newSerialSession(t, defaultResponses)
	ctx := context.Background()
	at := time.Unix(1725264000, 0)

	require.NoError(t, session.Display(ctx, 1, "Welcome"))
	require.NoError(t, session.ClearDisplay(ctx))
	require.NoError(t, session.RecordAttendance(ctx, "STU-1", "CSC101", at))
	require.NoError(t, session.DeleteSubject(ctx, "STU-1"))
	require.NoError(t, session.Reset(ctx))

	assert.Equal(t, []string{
		VerbStatus,
		"DISPLAY:1:Welcome",
		VerbClearDisplay,
		"RECORD_ATTENDANCE:STU-1,CSC101,1725264000",
		"DELETE_USER:STU-1",
		VerbCancel,
		"MODE:IDLE",
	}, fw.commands())
}

func TestDisconnectClosesPort(t *testing.T) {
	session, fw := newSerialSession(t, defaultResponses)

	session.Disconnect(context.Background())
	assert.False(t, session.Snapshot().Connected)

	select {
	case <-fw.closed:
	case <-time.After(time.Second):
		t.Fatal("port was not closed")
	}
	assert.Equal(t, "MODE:IDLE", fw.commands()[len(fw.commands())-1])
}

func TestLineConnClosed(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	conn := NewLineConn("test", host, nil)
	require.NoError(t, conn.Close())

	_, err := conn.Exec(context.Background(), VerbStatus)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Error(t, conn.Err())
}

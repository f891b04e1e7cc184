package device

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mock_transport.go -package=device github.com/life-stream-dev/life-stream-go-device-hub/internal/device Transport

// CommandKind enumerates the commands a Transport can carry.
type CommandKind int

const (
	CmdStartRegistration CommandKind = iota + 1
	CmdStartVerification
	CmdFetchRegistration
	CmdFetchVerification
	CmdReset
	CmdDisconnect
	CmdDisplay
	CmdClearDisplay
	CmdCancel
	CmdRecordAttendance
	CmdDeleteSubject
	CmdLookupSubject
)

var commandNames = map[CommandKind]string{
	CmdStartRegistration: "start_registration",
	CmdStartVerification: "start_verification",
	CmdFetchRegistration: "fetch_registration",
	CmdFetchVerification: "fetch_verification",
	CmdReset:             "reset",
	CmdDisconnect:        "disconnect",
	CmdDisplay:           "display",
	CmdClearDisplay:      "clear_display",
	CmdCancel:            "cancel",
	CmdRecordAttendance:  "record_attendance",
	CmdDeleteSubject:     "delete_subject",
	CmdLookupSubject:     "lookup_subject",
}

func (k CommandKind) String() string {
	if name, ok := commandNames[k]; ok {
		return name
	}
	return "unknown"
}

// Command is one request to the device. Only the fields relevant to Kind are set.
type Command struct {
	Kind      CommandKind
	SubjectID string
	Course    string
	At        time.Time
	Line      int
	Text      string
}

// Reply carries whatever data a command produced. Nil fields mean nothing was
// available, which is not an error.
type Reply struct {
	Capture *CaptureResult
	Outcome *VerificationOutcome
	Subject *SubjectInfo
}

// Transport is the wire to one device. Every call must honor ctx; a nil error
// from SetMode or Send is the device's acknowledgement.
type Transport interface {
	Name() string
	Probe(ctx context.Context, address string) (Readiness, error)
	SetMode(ctx context.Context, mode Mode) error
	Send(ctx context.Context, cmd Command) (Reply, error)
	Close() error
}

// Package serialdev speaks the newline framed ASCII protocol of the capture
// unit firmware over a serial port.
package serialdev

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

const (
	VerbStatus           = "STATUS"
	VerbMode             = "MODE"
	VerbEnrollFP         = "ENROLL_FP"
	VerbEnrollRFID       = "ENROLL_RFID"
	VerbWaitRFID         = "WAIT_RFID"
	VerbVerifyFP         = "VERIFY_FP"
	VerbGetUser          = "GET_USER"
	VerbDeleteUser       = "DELETE_USER"
	VerbRecordAttendance = "RECORD_ATTENDANCE"
	VerbDisplay          = "DISPLAY"
	VerbClearDisplay     = "CLEAR_DISPLAY"
	VerbCancel           = "CANCEL"
)

// sanitize keeps a field from breaking the line framing or the separators.
func sanitize(s string, separators string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || strings.ContainsRune(separators, r) {
			return ' '
		}
		return r
	}, s)
}

// EncodeMode renders MODE:<MODE>[:k=v,...] with keys in sorted order.
func EncodeMode(mode device.Mode, params map[string]string) string {
	line := VerbMode + ":" + strings.ToUpper(mode.String())
	if len(params) == 0 {
		return line
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, sanitize(k, ":,=")+"="+sanitize(params[k], ":,="))
	}
	return line + ":" + strings.Join(pairs, ",")
}

func EncodeGetUser(id string) string {
	return VerbGetUser + ":" + sanitize(id, "")
}

func EncodeDeleteUser(id string) string {
	return VerbDeleteUser + ":" + sanitize(id, "")
}

// EncodeRecordAttendance renders the timestamp as unix seconds.
func EncodeRecordAttendance(id, course string, at time.Time) string {
	return fmt.Sprintf("%s:%s,%s,%d", VerbRecordAttendance, sanitize(id, ","), sanitize(course, ","), at.Unix())
}

func EncodeDisplay(line int, msg string) string {
	return fmt.Sprintf("%s:%d:%s", VerbDisplay, line, sanitize(msg, ""))
}

type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyReady
	ReplyStatus
	ReplySuccess
	ReplyError
)

var replyKindNames = map[ReplyKind]string{
	ReplyOK:      "OK",
	ReplyReady:   "READY",
	ReplyStatus:  "STATUS",
	ReplySuccess: "SUCCESS",
	ReplyError:   "ERROR",
}

func (k ReplyKind) String() string {
	return replyKindNames[k]
}

// Reply is one answer line. Payload is whatever followed the first colon.
type Reply struct {
	Kind    ReplyKind
	Payload string
	Raw     string
}

// Ack reports whether the reply acknowledges a command.
func (r Reply) Ack() bool {
	return r.Kind == ReplyOK || r.Kind == ReplyReady || r.Kind == ReplySuccess
}

func ParseReply(line string) Reply {
	line = strings.TrimSpace(line)
	head, payload, _ := strings.Cut(line, ":")
	switch head {
	case "OK":
		return Reply{Kind: ReplyOK, Payload: payload, Raw: line}
	case "READY":
		return Reply{Kind: ReplyReady, Payload: payload, Raw: line}
	case "STATUS":
		return Reply{Kind: ReplyStatus, Payload: payload, Raw: line}
	case "SUCCESS":
		return Reply{Kind: ReplySuccess, Payload: payload, Raw: line}
	default:
		return Reply{Kind: ReplyError, Payload: line, Raw: line}
	}
}

// DeviceError is an error token sent by the firmware in place of an ack.
type DeviceError struct {
	Command string
	Token   string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %q: %s", e.Command, e.Token)
}

func (e *DeviceError) Unwrap() error {
	return device.ErrNotAcknowledged
}

// ParseStatus reads battery=N,charging=0|1,fp=0|1,rfid=0|1,display=0|1.
// Unknown keys are ignored so newer firmware stays readable.
func ParseStatus(payload string) (device.Readiness, error) {
	var readiness device.Readiness
	if strings.TrimSpace(payload) == "" {
		return readiness, &device.ParseError{Input: payload, Err: errors.New("empty status")}
	}
	for _, pair := range strings.Split(payload, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return device.Readiness{}, &device.ParseError{Input: payload, Err: fmt.Errorf("malformed pair %q", pair)}
		}
		switch key {
		case "battery":
			n, err := strconv.Atoi(value)
			if err != nil {
				return device.Readiness{}, &device.ParseError{Input: payload, Err: err}
			}
			readiness.Battery = n
		case "charging", "fp", "rfid", "display":
			flag, err := parseFlag(value)
			if err != nil {
				return device.Readiness{}, &device.ParseError{Input: payload, Err: err}
			}
			switch key {
			case "charging":
				readiness.Charging = flag
			case "fp":
				readiness.Fingerprint = flag
			case "rfid":
				readiness.RFID = flag
			case "display":
				readiness.Display = flag
			}
		}
	}
	return readiness, nil
}

// ParseSubject reads the answer to GET_USER. An ack carries
// fp=0|1[,rfid=<tag>]; NOT_FOUND means the id is not enrolled.
func ParseSubject(id string, reply Reply) (*device.SubjectInfo, error) {
	if !reply.Ack() {
		if strings.HasPrefix(reply.Raw, "NOT_FOUND") {
			return nil, device.ErrSubjectNotFound
		}
		return nil, &DeviceError{Command: EncodeGetUser(id), Token: reply.Raw}
	}
	info := &device.SubjectInfo{SubjectID: id}
	if strings.TrimSpace(reply.Payload) == "" {
		return info, nil
	}
	for _, pair := range strings.Split(reply.Payload, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, &device.ParseError{Input: reply.Payload, Err: fmt.Errorf("malformed pair %q", pair)}
		}
		switch key {
		case "fp":
			flag, err := parseFlag(value)
			if err != nil {
				return nil, &device.ParseError{Input: reply.Payload, Err: err}
			}
			info.Fingerprint = flag
		case "rfid":
			info.RFIDTag = NormalizeTag(value)
		}
	}
	return info, nil
}

func parseFlag(value string) (bool, error) {
	switch value {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("flag must be 0 or 1, got %q", value)
	}
}

type EventKind int

const (
	EventFingerprint EventKind = iota + 1
	EventRFID
	EventMatch
	EventNoMatch
)

// Event is a line the firmware pushes without being asked.
type Event struct {
	Kind     EventKind
	Payload  string
	Subject  string
	Modality device.Modality
}

// ParseEvent recognizes FP:<hex>, RFID:<tag>, MATCH:<id>,<fp|rfid> and
// NOMATCH[:<fp|rfid>].
func ParseEvent(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	head, payload, _ := strings.Cut(line, ":")
	switch head {
	case "FP":
		return Event{Kind: EventFingerprint, Payload: payload, Modality: device.ModalityFingerprint}, true
	case "RFID":
		return Event{Kind: EventRFID, Payload: payload, Modality: device.ModalityRFID}, true
	case "MATCH":
		subject, modality, _ := strings.Cut(payload, ",")
		ev := Event{Kind: EventMatch, Payload: payload, Subject: subject}
		if parsed, err := device.ParseModality(modality); err == nil {
			ev.Modality = parsed
		}
		return ev, true
	case "NOMATCH":
		ev := Event{Kind: EventNoMatch, Payload: payload}
		if parsed, err := device.ParseModality(payload); err == nil {
			ev.Modality = parsed
		}
		return ev, true
	default:
		return Event{}, false
	}
}

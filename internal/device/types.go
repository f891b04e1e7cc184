// Package device coordinates the connection, mode and command lifecycle of one
// remote biometric capture unit (RFID reader plus fingerprint sensor).
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ConnState is the connection half of the session state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connected
)

func (s ConnState) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Mode is the operating purpose of a connected device.
type Mode int

const (
	ModeIdle Mode = iota
	ModeRegistration
	ModeVerification
)

var modeNames = map[Mode]string{
	ModeIdle:         "idle",
	ModeRegistration: "registration",
	ModeVerification: "verification",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts the lower or upper case mode name.
func ParseMode(s string) (Mode, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for mode, name := range modeNames {
		if name == needle {
			return mode, nil
		}
	}
	return ModeIdle, &ParseError{Input: s, Err: fmt.Errorf("unknown mode")}
}

func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := modeNames[m]; !ok {
		return nil, fmt.Errorf("unknown mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Modality identifies the sensor that produced a capture or a match.
type Modality int

const (
	ModalityRFID Modality = iota + 1
	ModalityFingerprint
)

func (m Modality) String() string {
	switch m {
	case ModalityRFID:
		return "rfid"
	case ModalityFingerprint:
		return "fingerprint"
	default:
		return "unknown"
	}
}

func ParseModality(s string) (Modality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rfid":
		return ModalityRFID, nil
	case "fingerprint", "fp":
		return ModalityFingerprint, nil
	default:
		return 0, &ParseError{Input: s, Err: fmt.Errorf("unknown modality")}
	}
}

func (m Modality) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Modality) UnmarshalText(text []byte) error {
	parsed, err := ParseModality(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Readiness is the last reported health of the device subsystems.
type Readiness struct {
	Fingerprint bool `json:"fingerprint"`
	RFID        bool `json:"rfid"`
	Display     bool `json:"display"`
	Battery     int  `json:"battery"`
	Charging    bool `json:"charging"`
}

// Status is a point-in-time view of a session.
type Status struct {
	Connected bool      `json:"connected"`
	Mode      Mode      `json:"mode"`
	Address   string    `json:"address,omitempty"`
	Transport string    `json:"transport"`
	Readiness Readiness `json:"readiness"`
	LastError string    `json:"last_error,omitempty"`
	LastSync  time.Time `json:"last_sync,omitempty"`
}

// CaptureResult is one completed biometric read.
type CaptureResult struct {
	Kind         Modality  `json:"kind"`
	SubjectID    string    `json:"subject_id,omitempty"`
	TagID        string    `json:"tag_id,omitempty"`
	Template     []byte    `json:"template,omitempty"`
	TemplateHash string    `json:"template_hash,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	Success      bool      `json:"success"`
	Message      string    `json:"message,omitempty"`
}

func NewRFIDCapture(tagID string, at time.Time) *CaptureResult {
	return &CaptureResult{
		Kind:       ModalityRFID,
		TagID:      tagID,
		CapturedAt: at,
		Success:    tagID != "",
	}
}

func NewFingerprintCapture(template []byte, at time.Time) *CaptureResult {
	result := &CaptureResult{
		Kind:       ModalityFingerprint,
		Template:   template,
		CapturedAt: at,
		Success:    len(template) > 0,
	}
	if result.Success {
		result.TemplateHash = TemplateHash(template)
	}
	return result
}

// TemplateHash is the hex SHA-256 of a fingerprint template.
func TemplateHash(template []byte) string {
	sum := sha256.Sum256(template)
	return hex.EncodeToString(sum[:])
}

// SubjectInfo is what the device stores for one enrolled subject.
type SubjectInfo struct {
	SubjectID   string `json:"subject_id"`
	Fingerprint bool   `json:"fingerprint"`
	RFIDTag     string `json:"rfid_tag,omitempty"`
}

// VerificationOutcome reports whether a presented credential matched a subject.
type VerificationOutcome struct {
	Matched   bool      `json:"matched"`
	SubjectID string    `json:"subject_id,omitempty"`
	Modality  Modality  `json:"modality"`
	At        time.Time `json:"at"`
}

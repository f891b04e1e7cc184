package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeStatus       = "status"
	TypeFingerprint  = "fingerprint"
	TypeRFID         = "rfid"
	TypeVerification = "verification"
	TypeError        = "error"
)

// ReadyFlag accepts a JSON boolean or the firmware strings "Ready"/"Not Ready".
type ReadyFlag bool

func (f *ReadyFlag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = false
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = ReadyFlag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("readiness must be a bool or a string, got %s", data)
	}
	*f = ReadyFlag(strings.EqualFold(strings.TrimSpace(s), "ready"))
	return nil
}

// StatusPayload is the device's periodic health report.
type StatusPayload struct {
	Fingerprint      ReadyFlag `json:"fingerprint"`
	RFID             ReadyFlag `json:"rfid"`
	Display          ReadyFlag `json:"display"`
	Battery          int       `json:"battery"`
	Charging         bool      `json:"charging"`
	FingerprintCount *int      `json:"fingerprint_count,omitempty"`
	RFIDCount        *int      `json:"rfid_count,omitempty"`
}

// EventPayload is one sensor event pushed by the device.
type EventPayload struct {
	Type     string `json:"type"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	CardID   string `json:"card_id,omitempty"`
	Template string `json:"template,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Matched  bool   `json:"matched,omitempty"`
	Modality string `json:"modality,omitempty"`
}

// CommandReply acknowledges a command that carried an id.
type CommandReply struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Inbound is any message read from a relay connection. Devices set Device
// and one of Status, Event or Reply; viewers set Command.
type Inbound struct {
	Device  string          `json:"device,omitempty"`
	Status  *StatusPayload  `json:"status,omitempty"`
	Event   *EventPayload   `json:"event,omitempty"`
	Reply   *CommandReply   `json:"reply,omitempty"`
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// CommandMessage is what the device receives.
type CommandMessage struct {
	Command   string `json:"command"`
	ID        string `json:"id,omitempty"`
	Args      any    `json:"args,omitempty"`
	Timestamp string `json:"timestamp"`
}

type StatusMessage struct {
	Type        string `json:"type"`
	Controller  bool   `json:"controller"`
	Fingerprint bool   `json:"fingerprint"`
	RFID        bool   `json:"rfid"`
	Display     bool   `json:"display"`
	Battery     int    `json:"battery"`
	Charging    bool   `json:"charging"`
	Timestamp   string `json:"timestamp"`
}

type FingerprintMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp"`
}

type RFIDMessage struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	CardID    string `json:"cardId"`
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp"`
}

type VerificationMessage struct {
	Type      string `json:"type"`
	Matched   bool   `json:"matched"`
	UserID    string `json:"userId,omitempty"`
	Modality  string `json:"modality,omitempty"`
	Timestamp string `json:"timestamp"`
}

type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

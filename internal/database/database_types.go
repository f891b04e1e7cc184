package database

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

const (
	StatusCollectionName  = "hardware_status"
	CaptureCollectionName = "capture_events"
)

var collectionsList = []string{StatusCollectionName, CaptureCollectionName}

const (
	EventRegistration = "registration"
	EventVerification = "verification"
)

var ErrEmptyRecord = errors.New("record is empty")

// StatusSnapshot is one journaled view of the device session.
type StatusSnapshot struct {
	Connected   bool      `bson:"connected" json:"connected"`
	Mode        string    `bson:"mode" json:"mode"`
	Transport   string    `bson:"transport" json:"transport"`
	Address     string    `bson:"address,omitempty" json:"address,omitempty"`
	Fingerprint bool      `bson:"fingerprint" json:"fingerprint"`
	RFID        bool      `bson:"rfid" json:"rfid"`
	Display     bool      `bson:"display" json:"display"`
	Battery     int       `bson:"battery" json:"battery"`
	Charging    bool      `bson:"charging" json:"charging"`
	LastError   string    `bson:"last_error,omitempty" json:"last_error,omitempty"`
	RecordedAt  time.Time `bson:"recorded_at" json:"recorded_at"`
}

func NewStatusSnapshot(status device.Status, at time.Time) *StatusSnapshot {
	return &StatusSnapshot{
		Connected:   status.Connected,
		Mode:        status.Mode.String(),
		Transport:   status.Transport,
		Address:     status.Address,
		Fingerprint: status.Readiness.Fingerprint,
		RFID:        status.Readiness.RFID,
		Display:     status.Readiness.Display,
		Battery:     status.Readiness.Battery,
		Charging:    status.Readiness.Charging,
		LastError:   status.LastError,
		RecordedAt:  at,
	}
}

// CaptureRecord journals a delivered registration capture or verification
// outcome. Templates are never stored, only their hash.
type CaptureRecord struct {
	Event        string    `bson:"event" json:"event"`
	Modality     string    `bson:"modality,omitempty" json:"modality,omitempty"`
	SubjectID    string    `bson:"subject_id,omitempty" json:"subject_id,omitempty"`
	RFIDTag      string    `bson:"rfid_tag,omitempty" json:"rfid_tag,omitempty"`
	TemplateHash string    `bson:"template_hash,omitempty" json:"template_hash,omitempty"`
	Success      bool      `bson:"success" json:"success"`
	Matched      bool      `bson:"matched" json:"matched"`
	RecordedAt   time.Time `bson:"recorded_at" json:"recorded_at"`
}

func NewRegistrationRecord(capture *device.CaptureResult) *CaptureRecord {
	return &CaptureRecord{
		Event:        EventRegistration,
		Modality:     capture.Kind.String(),
		SubjectID:    capture.SubjectID,
		RFIDTag:      capture.TagID,
		TemplateHash: capture.TemplateHash,
		Success:      capture.Success,
		RecordedAt:   capture.CapturedAt,
	}
}

func NewVerificationRecord(outcome *device.VerificationOutcome) *CaptureRecord {
	record := &CaptureRecord{
		Event:      EventVerification,
		SubjectID:  outcome.SubjectID,
		Success:    true,
		Matched:    outcome.Matched,
		RecordedAt: outcome.At,
	}
	if outcome.Modality != 0 {
		record.Modality = outcome.Modality.String()
	}
	return record
}

// Store persists the journal. Recent* return newest first.
type Store interface {
	SaveSnapshot(ctx context.Context, snapshot *StatusSnapshot) error
	RecentSnapshots(ctx context.Context, limit int) ([]StatusSnapshot, error)
	SaveCapture(ctx context.Context, record *CaptureRecord) error
	RecentCaptures(ctx context.Context, limit int) ([]CaptureRecord, error)
}

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

var base = time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)

func TestMemoryStoreSnapshots(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveSnapshot(ctx, &StatusSnapshot{Battery: i, RecordedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	all, err := store.RecentSnapshots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{4, 3, 2}, []int{all[0].Battery, all[1].Battery, all[2].Battery})

	two, err := store.RecentSnapshots(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
	assert.Equal(t, 4, two[0].Battery)

	assert.ErrorIs(t, store.SaveSnapshot(ctx, nil), ErrEmptyRecord)
}

func TestMemoryStoreCaptures(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	empty, err := store.RecentCaptures(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.SaveCapture(ctx, NewRegistrationRecord(device.NewRFIDCapture("A1B2C3", base))))
	require.NoError(t, store.SaveCapture(ctx, NewVerificationRecord(&device.VerificationOutcome{Matched: true, SubjectID: "STU-1", Modality: device.ModalityRFID, At: base})))

	records, err := store.RecentCaptures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, EventVerification, records[0].Event)
	assert.True(t, records[0].Matched)
	assert.Equal(t, "rfid", records[0].Modality)
	assert.Equal(t, EventRegistration, records[1].Event)
	assert.Equal(t, "A1B2C3", records[1].RFIDTag)

	assert.ErrorIs(t, store.SaveCapture(ctx, nil), ErrEmptyRecord)
}

func TestRecordMapping(t *testing.T) {
	capture := device.NewFingerprintCapture([]byte{0x0a, 0x0b}, base)
	capture.SubjectID = "STU-2"
	record := NewRegistrationRecord(capture)
	assert.Equal(t, "fingerprint", record.Modality)
	assert.Equal(t, "STU-2", record.SubjectID)
	assert.Equal(t, device.TemplateHash([]byte{0x0a, 0x0b}), record.TemplateHash)
	assert.True(t, record.Success)
	assert.Equal(t, base, record.RecordedAt)

	outcome := NewVerificationRecord(&device.VerificationOutcome{At: base})
	assert.Empty(t, outcome.Modality)
	assert.False(t, outcome.Matched)

	snapshot := NewStatusSnapshot(device.Status{
		Connected: true,
		Mode:      device.ModeVerification,
		Transport: "serial",
		Address:   "/dev/ttyUSB0",
		Readiness: device.Readiness{Fingerprint: true, Battery: 55},
		LastError: "boom",
	}, base)
	assert.Equal(t, &StatusSnapshot{
		Connected:   true,
		Mode:        "verification",
		Transport:   "serial",
		Address:     "/dev/ttyUSB0",
		Fingerprint: true,
		Battery:     55,
		LastError:   "boom",
		RecordedAt:  base,
	}, snapshot)
}

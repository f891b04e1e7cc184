package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

// gatedStore blocks every save until release is closed.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) SaveSnapshot(ctx context.Context, snapshot *StatusSnapshot) error {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.SaveSnapshot(ctx, snapshot)
}

func TestRecorderFlushesOnInvoke(t *testing.T) {
	store := NewMemoryStore(10)
	recorder := NewRecorder(store, 8, time.Second)

	recorder.RecordStatus(device.Status{Connected: true, Transport: "http"})
	recorder.RecordCapture(device.NewRFIDCapture("A1", base))
	recorder.RecordOutcome(&device.VerificationOutcome{Matched: true, At: base})
	recorder.RecordCapture(nil)
	recorder.RecordOutcome(nil)

	require.NoError(t, recorder.Invoke(context.Background()))

	snapshots, _ := store.RecentSnapshots(context.Background(), 0)
	captures, _ := store.RecentCaptures(context.Background(), 0)
	assert.Len(t, snapshots, 1)
	assert.Len(t, captures, 2)
	assert.Zero(t, recorder.Dropped())

	// Entries after shutdown are ignored.
	recorder.RecordStatus(device.Status{})
	require.NoError(t, recorder.Invoke(context.Background()))
}

func TestRecorderDropsWhenFull(t *testing.T) {
	store := &gatedStore{
		MemoryStore: NewMemoryStore(10),
		entered:     make(chan struct{}, 10),
		release:     make(chan struct{}),
	}
	recorder := NewRecorder(store, 1, time.Second)

	recorder.RecordStatus(device.Status{})
	<-store.entered

	recorder.RecordStatus(device.Status{})
	recorder.RecordStatus(device.Status{})
	recorder.RecordStatus(device.Status{})
	assert.EqualValues(t, 2, recorder.Dropped())

	close(store.release)
	require.NoError(t, recorder.Invoke(context.Background()))
	snapshots, _ := store.RecentSnapshots(context.Background(), 0)
	assert.Len(t, snapshots, 2)
}

func TestRecorderInvokeHonorsContext(t *testing.T) {
	store := &gatedStore{
		MemoryStore: NewMemoryStore(10),
		entered:     make(chan struct{}, 10),
		release:     make(chan struct{}),
	}
	defer close(store.release)
	recorder := NewRecorder(store, 1, time.Second)
	recorder.RecordStatus(device.Status{})
	<-store.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, recorder.Invoke(ctx), context.DeadlineExceeded)
}

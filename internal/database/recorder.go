package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
	"github.com/life-stream-dev/life-stream-go-device-hub/internal/logger"
)

const DefaultRecorderBuffer = 256

type journalEntry struct {
	snapshot *StatusSnapshot
	capture  *CaptureRecord
}

// Recorder writes journal entries from a single goroutine so that callers,
// including session listeners, never wait on storage. Entries arriving while
// the buffer is full are dropped.
type Recorder struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	queue   chan journalEntry
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store Store, buffer int, timeout time.Duration) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	r := &Recorder{
		store:   store,
		timeout: timeout,
		now:     time.Now,
		queue:   make(chan journalEntry, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		var err error
		if entry.snapshot != nil {
			err = r.store.SaveSnapshot(ctx, entry.snapshot)
		} else {
			err = r.store.SaveCapture(ctx, entry.capture)
		}
		cancel()
		if err != nil {
			logger.ErrorF("[journal] Fail to save entry, details: %v", err)
		}
	}
}

func (r *Recorder) enqueue(entry journalEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- entry:
	default:
		logger.WarnF("[journal] Buffer full, drop entry, total dropped: %d", r.dropped.Add(1))
	}
}

// RecordStatus journals a session snapshot. It matches the session listener
// signature.
func (r *Recorder) RecordStatus(status device.Status) {
	r.enqueue(journalEntry{snapshot: NewStatusSnapshot(status, r.now())})
}

func (r *Recorder) RecordCapture(capture *device.CaptureResult) {
	if capture == nil {
		return
	}
	r.enqueue(journalEntry{capture: NewRegistrationRecord(capture)})
}

func (r *Recorder) RecordOutcome(outcome *device.VerificationOutcome) {
	if outcome == nil {
		return
	}
	r.enqueue(journalEntry{capture: NewVerificationRecord(outcome)})
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Invoke stops accepting entries and waits for the buffered ones to be written.
func (r *Recorder) Invoke(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package serialdev

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

// RFIDReader arms the card reader. Tags arrive later as RFID:<tag> events.
type RFIDReader struct {
	conn *LineConn
}

// Arm asks for the next card. Enrollment reads bind the card to the pending
// subject on the device side; plain waits only report it.
func (r *RFIDReader) Arm(ctx context.Context, enroll bool) error {
	verb := VerbWaitRFID
	if enroll {
		verb = VerbEnrollRFID
	}
	_, err := r.conn.Ack(ctx, verb)
	return err
}

// NormalizeTag keeps letters and digits only, upper cased.
func NormalizeTag(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Capture turns an RFID event payload into a capture result.
func (r *RFIDReader) Capture(payload string, at time.Time) *device.CaptureResult {
	capture := device.NewRFIDCapture(NormalizeTag(payload), at)
	if !capture.Success {
		capture.Message = "empty tag"
	}
	return capture
}

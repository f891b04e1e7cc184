package serialdev

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

// FingerprintSensor arms the optical sensor. Templates arrive later as
// FP:<hex> events.
type FingerprintSensor struct {
	conn *LineConn
}

func (f *FingerprintSensor) Arm(ctx context.Context, enroll bool) error {
	verb := VerbVerifyFP
	if enroll {
		verb = VerbEnrollFP
	}
	_, err := f.conn.Ack(ctx, verb)
	return err
}

func (f *FingerprintSensor) Delete(ctx context.Context, id string) error {
	_, err := f.conn.Ack(ctx, EncodeDeleteUser(id))
	return err
}

func DecodeTemplate(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, &device.ParseError{Input: payload, Err: errors.New("empty template")}
	}
	template, err := hex.DecodeString(payload)
	if err != nil {
		return nil, &device.ParseError{Input: payload, Err: err}
	}
	return template, nil
}

// Capture decodes an FP event payload and derives the template hash.
func (f *FingerprintSensor) Capture(payload string, at time.Time) (*device.CaptureResult, error) {
	template, err := DecodeTemplate(payload)
	if err != nil {
		return nil, err
	}
	return device.NewFingerprintCapture(template, at), nil
}

package relay

import (
	"context"
	"fmt"
	"strconv"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

// Transport drives the device that is registered on the hub. The address
// handed to Probe is informational only.
type Transport struct {
	hub *Hub
}

func NewTransport(hub *Hub) *Transport {
	return &Transport{hub: hub}
}

func (t *Transport) Name() string {
	return "relay"
}

func (t *Transport) Probe(_ context.Context, _ string) (device.Readiness, error) {
	if !t.hub.DeviceConnected() {
		return device.Readiness{}, ErrNoDevice
	}
	return t.hub.Readiness(), nil
}

func (t *Transport) SetMode(ctx context.Context, mode device.Mode) error {
	if err := t.hub.Command(ctx, "set_mode", map[string]string{"mode": mode.String()}); err != nil {
		return err
	}
	t.hub.ClearCaptures()
	return nil
}

func (t *Transport) Send(ctx context.Context, cmd device.Command) (device.Reply, error) {
	switch cmd.Kind {
	case device.CmdFetchRegistration:
		return device.Reply{Capture: t.hub.TakeCapture()}, nil
	case device.CmdFetchVerification:
		return device.Reply{Outcome: t.hub.TakeOutcome()}, nil
	case device.CmdStartRegistration:
		t.hub.ClearCaptures()
		return device.Reply{}, t.hub.Command(ctx, "start_registration", map[string]string{"user_id": cmd.SubjectID})
	case device.CmdStartVerification:
		t.hub.ClearCaptures()
		return device.Reply{}, t.hub.Command(ctx, "start_verification", nil)
	case device.CmdReset:
		if err := t.hub.Command(ctx, "reset", nil); err != nil {
			return device.Reply{}, err
		}
		t.hub.ClearCaptures()
		return device.Reply{}, nil
	case device.CmdDisconnect:
		return device.Reply{}, t.hub.Command(ctx, "disconnect", nil)
	case device.CmdDisplay:
		return device.Reply{}, t.hub.Command(ctx, "display", map[string]string{"line": strconv.Itoa(cmd.Line), "text": cmd.Text})
	case device.CmdClearDisplay:
		return device.Reply{}, t.hub.Command(ctx, "clear_display", nil)
	case device.CmdCancel:
		return device.Reply{}, t.hub.Command(ctx, "cancel", nil)
	case device.CmdRecordAttendance:
		return device.Reply{}, t.hub.Command(ctx, "record_attendance", map[string]string{
			"user_id":   cmd.SubjectID,
			"course":    cmd.Course,
			"timestamp": strconv.FormatInt(cmd.At.Unix(), 10),
		})
	case device.CmdDeleteSubject:
		return device.Reply{}, t.hub.Command(ctx, "delete_user", map[string]string{"user_id": cmd.SubjectID})
	default:
		return device.Reply{}, fmt.Errorf("%s over relay: %w", cmd.Kind, device.ErrUnsupported)
	}
}

func (t *Transport) Close() error {
	return nil
}

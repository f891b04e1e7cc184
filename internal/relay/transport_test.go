package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

// answeringDevice registers on the hub and acknowledges every correlated
// command through answer.
func answeringDevice(t *testing.T, h *Hub, answer func(cmd CommandMessage) *CommandReply) *fakeConn {
	t.Helper()
	dev := newFakeConn("device")
	dev.onSend = func(data []byte) {
		var cmd CommandMessage
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.ID == "" {
			return
		}
		reply := answer(cmd)
		if reply == nil {
			return
		}
		reply.ID = cmd.ID
		payload, _ := json.Marshal(Inbound{Device: DefaultDeviceTag, Reply: reply})
		go h.OnMessage(dev, payload)
	}
	h.OnConnect(dev)
	h.OnMessage(dev, []byte(`{"device":"esp8266","status":{"fingerprint":"Ready","rfid":"Not Ready"}}`))
	return dev
}

func ackAll(CommandMessage) *CommandReply {
	return &CommandReply{OK: true}
}

func TestProbeWithoutDevice(t *testing.T) {
	h := newTestHub()
	session := device.NewSession(NewTransport(h))

	err := session.Connect(context.Background(), "esp8266")
	var connectErr *device.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestSessionOverRelay(t *testing.T) {
	h := newTestHub()
	dev := answeringDevice(t, h, ackAll)
	session := device.NewSession(NewTransport(h), device.WithTimeout(time.Second))
	ctx := context.Background()

	require.NoError(t, session.Connect(ctx, "esp8266"))
	status := session.Snapshot()
	assert.True(t, status.Readiness.Fingerprint)
	assert.False(t, status.Readiness.RFID)

	require.NoError(t, session.StartRegistration(ctx, "STU-1"))
	assert.Equal(t, device.ModeRegistration, session.Snapshot().Mode)

	var commands []string
	for _, msg := range dev.received() {
		if cmd, ok := msg["command"].(string); ok {
			commands = append(commands, cmd)
			assert.NotEmpty(t, msg["id"])
		}
	}
	assert.Equal(t, []string{"set_mode", "start_registration"}, commands)
	last := dev.received()[len(dev.received())-1]
	assert.Equal(t, map[string]any{"user_id": "STU-1"}, last["args"])

	h.OnMessage(dev, []byte(`{"device":"esp8266","event":{"type":"rfid","status":"success","card_id":"A1B2C3"}}`))
	capture, err := session.RegistrationData(ctx)
	require.NoError(t, err)
	require.NotNil(t, capture)
	assert.Equal(t, "A1B2C3", capture.TagID)

	capture, err = session.RegistrationData(ctx)
	require.NoError(t, err)
	assert.Nil(t, capture)
}

func TestRelayCommandRejected(t *testing.T) {
	h := newTestHub()
	answeringDevice(t, h, func(cmd CommandMessage) *CommandReply {
		if cmd.Command == "set_mode" {
			return &CommandReply{OK: false, Error: "busy"}
		}
		return &CommandReply{OK: true}
	})
	session := device.NewSession(NewTransport(h), device.WithTimeout(time.Second))
	ctx := context.Background()
	require.NoError(t, session.Connect(ctx, "esp8266"))

	err := session.SetMode(ctx, device.ModeVerification)
	assert.ErrorIs(t, err, device.ErrNotAcknowledged)
	assert.Equal(t, device.ModeIdle, session.Snapshot().Mode)
	assert.Contains(t, session.Snapshot().LastError, "busy")
}

func TestRelayCommandTimeout(t *testing.T) {
	h := newTestHub()
	answeringDevice(t, h, func(CommandMessage) *CommandReply { return nil })
	session := device.NewSession(NewTransport(h), device.WithTimeout(50*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, session.Connect(ctx, "esp8266"))

	err := session.Reset(ctx)
	var transportErr *device.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.True(t, transportErr.Timeout())
}

func TestPendingCommandFailsWhenDeviceLeaves(t *testing.T) {
	h := newTestHub()
	dev := answeringDevice(t, h, func(CommandMessage) *CommandReply { return nil })

	done := make(chan error, 1)
	go func() {
		done <- h.Command(context.Background(), "cancel", nil)
	}()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.pending) == 1
	}, time.Second, 5*time.Millisecond)

	h.OnDisconnect(dev)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNoDevice)
	case <-time.After(time.Second):
		t.Fatal("command still waiting after device left")
	}
}

func TestRelayUnsupportedCommand(t *testing.T) {
	h := newTestHub()
	_, err := NewTransport(h).Send(context.Background(), device.Command{Kind: device.CommandKind(99)})
	assert.ErrorIs(t, err, device.ErrUnsupported)
	assert.Contains(t, err.Error(), "unknown over relay")
}

package device

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		input   string
		want    Mode
		wantErr bool
	}{
		{"idle", ModeIdle, false},
		{"REGISTRATION", ModeRegistration, false},
		{" Verification ", ModeVerification, false},
		{"enroll", ModeIdle, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.input)
		if tt.wantErr {
			var parseErr *ParseError
			assert.ErrorAs(t, err, &parseErr, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(Status{Connected: true, Mode: ModeVerification, Transport: "http"})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mode":"verification"`)

	var decoded struct {
		Mode     Mode     `json:"mode"`
		Modality Modality `json:"modality"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"mode":"registration","modality":"fp"}`), &decoded))
	assert.Equal(t, ModeRegistration, decoded.Mode)
	assert.Equal(t, ModalityFingerprint, decoded.Modality)
}

func TestFingerprintCaptureHash(t *testing.T) {
	capture := NewFingerprintCapture([]byte("template"), fixedNow)
	assert.True(t, capture.Success)
	assert.Len(t, capture.TemplateHash, 64)
	assert.Equal(t, TemplateHash([]byte("template")), capture.TemplateHash)
	assert.NotEqual(t, TemplateHash([]byte("other")), capture.TemplateHash)

	empty := NewFingerprintCapture(nil, fixedNow)
	assert.False(t, empty.Success)
	assert.Empty(t, empty.TemplateHash)
}

func TestStateTransitions(t *testing.T) {
	disconnected := state{}
	next, err := disconnected.apply(transition{kind: evModeAcked, mode: ModeRegistration})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, disconnected, next)

	connected, err := disconnected.apply(transition{kind: evConnected})
	require.NoError(t, err)
	assert.Equal(t, state{conn: Connected, mode: ModeIdle}, connected)

	registering, err := connected.apply(transition{kind: evModeAcked, mode: ModeRegistration})
	require.NoError(t, err)
	assert.Equal(t, ModeRegistration, registering.mode)

	_, err = registering.apply(transition{kind: evModeAcked, mode: Mode(9)})
	assert.ErrorIs(t, err, ErrInvalidState)

	idle, err := registering.apply(transition{kind: evResetAcked})
	require.NoError(t, err)
	assert.Equal(t, ModeIdle, idle.mode)

	gone, err := registering.apply(transition{kind: evDisconnected})
	require.NoError(t, err)
	assert.Equal(t, state{}, gone)
}

package serialdev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-device-hub/internal/device"
)

func TestEncoders(t *testing.T) {
	at := time.Unix(1725264000, 0)
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"mode", EncodeMode(device.ModeIdle, nil), "MODE:IDLE"},
		{"mode with params", EncodeMode(device.ModeRegistration, map[string]string{"user": "STU-1", "course": "CSC101"}), "MODE:REGISTRATION:course=CSC101,user=STU-1"},
		{"mode params sanitized", EncodeMode(device.ModeVerification, map[string]string{"user": "a,b:c"}), "MODE:VERIFICATION:user=a b c"},
		{"get user", EncodeGetUser("STU-1"), "GET_USER:STU-1"},
		{"delete user", EncodeDeleteUser("STU-1\n"), "DELETE_USER:STU-1 "},
		{"attendance", EncodeRecordAttendance("STU-1", "CSC,101", at), "RECORD_ATTENDANCE:STU-1,CSC 101,1725264000"},
		{"display", EncodeDisplay(2, "Hello\r\nWorld"), "DISPLAY:2:Hello  World"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got, tt.name)
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		line    string
		kind    ReplyKind
		payload string
		ack     bool
	}{
		{"OK", ReplyOK, "", true},
		{"READY\r", ReplyReady, "", true},
		{"STATUS:battery=50", ReplyStatus, "battery=50", false},
		{"SUCCESS:a1b2", ReplySuccess, "a1b2", true},
		{"ERR_NO_FINGER", ReplyError, "ERR_NO_FINGER", false},
		{"", ReplyError, "", false},
	}
	for _, tt := range tests {
		reply := ParseReply(tt.line)
		assert.Equal(t, tt.kind, reply.Kind, tt.line)
		assert.Equal(t, tt.payload, reply.Payload, tt.line)
		assert.Equal(t, tt.ack, reply.Ack(), tt.line)
	}
}

func TestParseStatus(t *testing.T) {
	readiness, err := ParseStatus("battery=87,charging=1,fp=1,rfid=0,display=1")
	require.NoError(t, err)
	assert.Equal(t, device.Readiness{Fingerprint: true, RFID: false, Display: true, Battery: 87, Charging: true}, readiness)

	readiness, err = ParseStatus("fp=1, uptime=300")
	require.NoError(t, err)
	assert.True(t, readiness.Fingerprint)

	for _, bad := range []string{"", "battery", "battery=full", "fp=yes"} {
		_, err := ParseStatus(bad)
		var parseErr *device.ParseError
		assert.ErrorAs(t, err, &parseErr, bad)
	}
}

func TestParseSubject(t *testing.T) {
	info, err := ParseSubject("STU-1", ParseReply("SUCCESS:fp=1,rfid=a1-b2"))
	require.NoError(t, err)
	assert.Equal(t, &device.SubjectInfo{SubjectID: "STU-1", Fingerprint: true, RFIDTag: "A1B2"}, info)

	info, err = ParseSubject("STU-2", ParseReply("OK"))
	require.NoError(t, err)
	assert.Equal(t, &device.SubjectInfo{SubjectID: "STU-2"}, info)

	_, err = ParseSubject("STU-3", ParseReply("NOT_FOUND"))
	assert.ErrorIs(t, err, device.ErrSubjectNotFound)

	_, err = ParseSubject("STU-4", ParseReply("ERR_SENSOR"))
	var deviceErr *DeviceError
	require.ErrorAs(t, err, &deviceErr)
	assert.Equal(t, "GET_USER:STU-4", deviceErr.Command)

	_, err = ParseSubject("STU-5", ParseReply("SUCCESS:fp=maybe"))
	var parseErr *device.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		want Event
	}{
		{"FP:0a0b", true, Event{Kind: EventFingerprint, Payload: "0a0b", Modality: device.ModalityFingerprint}},
		{"RFID:A1B2", true, Event{Kind: EventRFID, Payload: "A1B2", Modality: device.ModalityRFID}},
		{"MATCH:STU-1,fp", true, Event{Kind: EventMatch, Payload: "STU-1,fp", Subject: "STU-1", Modality: device.ModalityFingerprint}},
		{"MATCH:STU-2", true, Event{Kind: EventMatch, Payload: "STU-2", Subject: "STU-2"}},
		{"NOMATCH", true, Event{Kind: EventNoMatch}},
		{"NOMATCH:rfid", true, Event{Kind: EventNoMatch, Payload: "rfid", Modality: device.ModalityRFID}},
		{"OK", false, Event{}},
		{"FP_TIMEOUT", false, Event{}},
	}
	for _, tt := range tests {
		got, ok := ParseEvent(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestNormalizeTag(t *testing.T) {
	tests := map[string]string{
		"a1b2c3":       "A1B2C3",
		" 04:A3:9F:12 ": "04A39F12",
		"\x02AB-12\x03": "AB12",
		"":             "",
	}
	for raw, want := range tests {
		assert.Equal(t, want, NormalizeTag(raw), "%q", raw)
	}
}

func TestDecodeTemplate(t *testing.T) {
	template, err := DecodeTemplate(" 0a0B ")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, template)

	for _, bad := range []string{"", "abc", "zz"} {
		_, err := DecodeTemplate(bad)
		var parseErr *device.ParseError
		assert.ErrorAs(t, err, &parseErr, bad)
	}
}

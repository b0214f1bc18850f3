package messages

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage_AudioStream(t *testing.T) {
	env, err := DecodeClientMessage([]byte(`{"type":"audio_stream","payload":"AQID"}`))
	require.NoError(t, err)
	assert.Equal(t, KindAudioStream, env.Kind)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, env.Payload)

	frame, ok := env.Frame()
	require.True(t, ok)
	assert.Equal(t, MIMEAudioPCM, frame.MIMEType)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, frame.Data)
}

func TestDecodeClientMessage_VideoStream(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}
	raw := `{"type":"video_stream","payload":"` + base64.StdEncoding.EncodeToString(jpeg) + `"}`

	env, err := DecodeClientMessage([]byte(raw))
	require.NoError(t, err)

	frame, ok := env.Frame()
	require.True(t, ok)
	assert.Equal(t, MIMEImageJPEG, frame.MIMEType)
	assert.Equal(t, jpeg, frame.Data)
}

func TestDecodeClientMessage_PayloadRoundTrip(t *testing.T) {
	payloads := []string{"AQID", "AA==", "/w==", "SGVsbG8sIHdvcmxkIQ==", base64.StdEncoding.EncodeToString(make([]byte, 4096))}
	for _, typ := range []string{TypeAudioStream, TypeVideoStream} {
		for _, p := range payloads {
			env, err := DecodeClientMessage([]byte(`{"type":"` + typ + `","payload":"` + p + `"}`))
			require.NoError(t, err, "type=%s payload=%s", typ, p)
			assert.Equal(t, p, base64.StdEncoding.EncodeToString(env.Payload))
		}
	}
}

func TestDecodeClientMessage_ConnectionTest(t *testing.T) {
	env, err := DecodeClientMessage([]byte(`{"type":"connection_test","payload":"ignored"}`))
	require.NoError(t, err)
	assert.Equal(t, KindConnectionTest, env.Kind)
	assert.Nil(t, env.Payload)

	_, ok := env.Frame()
	assert.False(t, ok, "heartbeat must never produce an upstream frame")
}

func TestDecodeClientMessage_Unknown(t *testing.T) {
	env, err := DecodeClientMessage([]byte(`{"type":"text_stream","payload":"AQID"}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, env.Kind)
	assert.Equal(t, "text_stream", env.Type)

	_, ok := env.Frame()
	assert.False(t, ok)
}

func TestDecodeClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"type":`, ErrMalformedEnvelope},
		{"array", `[1,2,3]`, ErrMalformedEnvelope},
		{"null", `null`, ErrMalformedEnvelope},
		{"missing type", `{"payload":"AQID"}`, ErrMalformedEnvelope},
		{"numeric type", `{"type":7}`, ErrMalformedEnvelope},
		{"missing payload", `{"type":"audio_stream"}`, ErrMissingPayload},
		{"null payload", `{"type":"video_stream","payload":null}`, ErrMissingPayload},
		{"empty payload", `{"type":"audio_stream","payload":""}`, ErrMissingPayload},
		{"bad base64", `{"type":"audio_stream","payload":"not base64!"}`, ErrBadEncoding},
		{"numeric payload", `{"type":"video_stream","payload":12}`, ErrBadEncoding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

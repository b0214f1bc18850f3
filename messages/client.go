package messages

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Client message types
const (
	TypeConnectionTest = "connection_test"
	TypeAudioStream    = "audio_stream"
	TypeVideoStream    = "video_stream"
)

// MIME types forwarded to the upstream session
const (
	MIMEAudioPCM  = "audio/pcm"
	MIMEImageJPEG = "image/jpeg"
)

// Decode errors. All of them are message-level: the caller drops the message
// and keeps the connection open.
var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingPayload    = errors.New("missing payload")
	ErrBadEncoding       = errors.New("payload is not valid base64")
)

// Kind classifies a decoded client envelope
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionTest
	KindAudioStream
	KindVideoStream
)

func (k Kind) String() string {
	switch k {
	case KindConnectionTest:
		return TypeConnectionTest
	case KindAudioStream:
		return TypeAudioStream
	case KindVideoStream:
		return TypeVideoStream
	default:
		return "unknown"
	}
}

// ClientEnvelope is one decoded message from the client
type ClientEnvelope struct {
	Kind    Kind
	Type    string // raw discriminator, kept so unknown types can be reported
	Payload []byte // decoded bytes; nil for connection_test and unknown types
}

// UpstreamFrame is a media chunk bound for the upstream session
type UpstreamFrame struct {
	MIMEType string
	Data     []byte
}

// Frame translates a streaming envelope into an upstream frame.
// It reports false for heartbeats and unknown types.
func (e ClientEnvelope) Frame() (UpstreamFrame, bool) {
	switch e.Kind {
	case KindAudioStream:
		return UpstreamFrame{MIMEType: MIMEAudioPCM, Data: e.Payload}, true
	case KindVideoStream:
		return UpstreamFrame{MIMEType: MIMEImageJPEG, Data: e.Payload}, true
	default:
		return UpstreamFrame{}, false
	}
}

// DecodeClientMessage parses a client text frame:
//
//	{"type":"audio_stream","payload":"<base64>"}
//
// Unknown types decode successfully with KindUnknown.
func DecodeClientMessage(raw []byte) (ClientEnvelope, error) {
	var msg map[string]any
	if err := sonic.ConfigStd.Unmarshal(raw, &msg); err != nil {
		return ClientEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if msg == nil {
		return ClientEnvelope{}, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}

	msgType, ok := msg["type"].(string)
	if !ok {
		return ClientEnvelope{}, fmt.Errorf("%w: missing string field 'type'", ErrMalformedEnvelope)
	}

	env := ClientEnvelope{Type: msgType}
	switch msgType {
	case TypeConnectionTest:
		env.Kind = KindConnectionTest
		return env, nil
	case TypeAudioStream:
		env.Kind = KindAudioStream
	case TypeVideoStream:
		env.Kind = KindVideoStream
	default:
		env.Kind = KindUnknown
		return env, nil
	}

	rawPayload, present := msg["payload"]
	if !present || rawPayload == nil || rawPayload == "" {
		return ClientEnvelope{}, fmt.Errorf("%w: %s", ErrMissingPayload, msgType)
	}
	encoded, ok := rawPayload.(string)
	if !ok {
		return ClientEnvelope{}, fmt.Errorf("%w: %s payload is not a string", ErrBadEncoding, msgType)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ClientEnvelope{}, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	env.Payload = data
	return env, nil
}

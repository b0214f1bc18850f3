package messages

import "github.com/bytedance/sonic"

// Error codes for best-effort failure notification
const (
	ErrCodeSessionFailed = "SESSION_FAILED"
	ErrCodeCapacity      = "CAPACITY"
)

// Server message types
const (
	TypeServerReady = "server_ready"
	TypeGeminiReady = "gemini_ready"
	TypeUICommand   = "ui_command"
	TypeError       = "error"
)

// StatusMessage is the readiness acknowledgment sent during the handshake
type StatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// UICommand is forwarded to the client once per recognized update_ui call.
// Data is an opaque JSON-encoded string the relay never interprets.
type UICommand struct {
	Type          string `json:"type"`
	Action        string `json:"action"`
	ComponentID   string `json:"component_id"`
	ComponentType string `json:"component_type"`
	Data          string `json:"data"`
}

// ErrorMessage reports a connection-level failure before the socket closes
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewServerReady is sent as soon as the client connection is accepted
func NewServerReady() *StatusMessage {
	return &StatusMessage{Type: TypeServerReady, Status: "connected"}
}

// NewGeminiReady is sent once the upstream session is established
func NewGeminiReady() *StatusMessage {
	return &StatusMessage{Type: TypeGeminiReady, Status: "ready"}
}

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// Marshal encodes a server message for a text frame
func Marshal(msg any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(msg)
}

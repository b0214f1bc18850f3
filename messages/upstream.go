package messages

// UpdateUIToolName is the only tool call relayed to the client
const UpdateUIToolName = "update_ui"

// UpstreamEvent is one item of an upstream turn. The set of variants is closed:
// AudioChunk, TextChunk and ToolCall.
type UpstreamEvent interface {
	upstreamEvent()
}

// AudioChunk carries raw audio produced by the model
type AudioChunk struct {
	Data []byte
}

// TextChunk carries text produced by the model; it is never sent to the client
type TextChunk struct {
	Text string
}

// ToolCall carries every function call the model issued in one message
type ToolCall struct {
	Parts []ToolCallPart
}

// ToolCallPart is a single function invocation with its arguments flattened to strings
type ToolCallPart struct {
	ID   string
	Name string
	Args map[string]string
}

func (AudioChunk) upstreamEvent() {}
func (TextChunk) upstreamEvent()  {}
func (ToolCall) upstreamEvent()   {}

// OutboundKind tells the writer how to frame an outbound message
type OutboundKind int

const (
	OutboundBinary OutboundKind = iota + 1
	OutboundJSON
)

// OutboundMessage is one frame to write to the client
type OutboundMessage struct {
	Kind    OutboundKind
	Binary  []byte
	Command *UICommand
}

// Payload returns the bytes to put on the wire
func (m OutboundMessage) Payload() ([]byte, error) {
	if m.Kind == OutboundJSON {
		return Marshal(m.Command)
	}
	return m.Binary, nil
}

// ClassifyUpstreamEvent maps an upstream event to the frames the client should
// receive. Text and unrecognized tool calls yield nothing.
func ClassifyUpstreamEvent(ev UpstreamEvent) []OutboundMessage {
	switch ev := ev.(type) {
	case AudioChunk:
		if len(ev.Data) == 0 {
			return nil
		}
		return []OutboundMessage{{Kind: OutboundBinary, Binary: ev.Data}}
	case TextChunk:
		return nil
	case ToolCall:
		var out []OutboundMessage
		for _, part := range ev.Parts {
			if part.Name != UpdateUIToolName {
				continue
			}
			out = append(out, OutboundMessage{Kind: OutboundJSON, Command: NewUICommand(part.Args)})
		}
		return out
	default:
		return nil
	}
}

// NewUICommand builds a ui_command from update_ui arguments. Missing fields
// default to empty strings, except data which defaults to an empty JSON object.
func NewUICommand(args map[string]string) *UICommand {
	data, ok := args["data"]
	if !ok {
		data = "{}"
	}
	return &UICommand{
		Type:          TypeUICommand,
		Action:        args["action"],
		ComponentID:   args["component_id"],
		ComponentType: args["component_type"],
		Data:          data,
	}
}

package schema

// MessageType enumerates the frames published on the streaming bus.
type MessageType string

const (
	MessageStatus     MessageType = "status"
	MessageNodeUpdate MessageType = "node_update"
	MessageLog        MessageType = "log"
	MessageCompletion MessageType = "completion"
	MessageError      MessageType = "error"
)

// IsTerminal reports whether a subscription ends after this message kind.
func (t MessageType) IsTerminal() bool {
	return t == MessageCompletion || t == MessageError
}

// Message is one live-stream frame for an execution.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

package relay

// Frame types exchanged over the persistent connection.
const (
	FrameMessage  = "message"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameTyping   = "typing"
	FrameResponse = "response"
	FrameError    = "error"
)

// ClientFrame is one inbound JSON frame.
type ClientFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ServerFrame is one outbound JSON frame.
type ServerFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

package models

const (
	EventTypeMessage = "message"
	EventTypeHello   = "hello"
)

// Event is the envelope every real-time frame is serialized into.
type Event struct {
	Type string `json:"type"`
	Body any    `json:"body"`
}

// MessageBody is the body of a "message" event. Nonce is only set on the
// copy echoed back to the author's own connections.
type MessageBody struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
	Nonce          *int64  `json:"nonce,omitempty"`
}

// HelloBody is sent once on every new connection so the client knows the id
// to pass as origin when it posts.
type HelloBody struct {
	ConnectionID string `json:"connectionId"`
}

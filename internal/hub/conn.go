package hub

import "encoding/json"

// Conn is the hub's view of an attached client. The gateway's WebSocket
// wrapper implements it; tests use in-memory fakes.
type Conn interface {
	// ID identifies the connection for logging.
	ID() string

	// Send queues a frame that must not be dropped (sync traffic, error
	// frames). Implementations apply backpressure policy internally.
	Send(frame []byte)

	// SendTransient queues a droppable frame (awareness deltas). Returns
	// false when the frame was shed for a slow consumer.
	SendTransient(frame []byte) bool

	// Close terminates the connection with a WebSocket close code.
	Close(code int, reason string)
}

// Close codes the server uses.
const (
	CloseNormal      = 1000 // server shutdown, document deleted
	CloseAuthFailure = 1008
	CloseServerError = 1011 // slow consumer, protocol abuse, fatal hub error
)

// ErrorPayload is the JSON body of a stateless error frame.
type ErrorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorPayload(code, message string) []byte {
	b, _ := json.Marshal(ErrorPayload{Type: "error", Code: code, Message: message})
	return b
}

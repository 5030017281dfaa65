package messaging

import (
	"strings"
	"time"
)

// ControlMessage is an out-of-band message read from the admin connection
// after the handshake completed.
type ControlMessage struct {
	Source    string    // ID of the admin channel that read it
	Kind      string    // leading token, e.g. "PING" for "PING:123"
	Payload   string    // the full message as framed
	Timestamp time.Time // when it was read
}

// NewControlMessage splits the kind off the payload: everything before the
// first ':' or whitespace.
func NewControlMessage(source, payload string) ControlMessage {
	kind := payload
	if i := strings.IndexAny(payload, ": \t"); i >= 0 {
		kind = payload[:i]
	}
	return ControlMessage{
		Source:    source,
		Kind:      strings.ToUpper(kind),
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Broker fans control messages out to subscribers
type Broker interface {
	// Publish delivers msg to every subscriber
	Publish(msg ControlMessage) error
	// Subscribe registers a subscriber
	Subscribe(id string, ch chan<- ControlMessage) error
	// Unsubscribe removes a subscriber
	Unsubscribe(id string) error
}

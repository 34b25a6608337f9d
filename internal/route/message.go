package route

// Message is the unit exchanged with the transport: a path and an opaque
// payload. A nil payload is a zero-argument ping.
type Message struct {
	Path    Path    `json:"route"`
	Payload *string `json:"payload"`
}

// NewMessage returns a message carrying payload.
func NewMessage(p Path, payload string) Message {
	return Message{Path: p, Payload: &payload}
}

// NewPing returns a zero-argument signal message.
func NewPing(p Path) Message {
	return Message{Path: p}
}

// IsPing reports whether the message carries no payload.
func (m Message) IsPing() bool { return m.Payload == nil }

// PayloadString returns the payload, or "" for a ping.
func (m Message) PayloadString() string {
	if m.Payload == nil {
		return ""
	}
	return *m.Payload
}

// Equal compares path and payload, treating two pings as equal.
func (m Message) Equal(o Message) bool {
	if !m.Path.Equal(o.Path) {
		return false
	}
	if m.Payload == nil || o.Payload == nil {
		return m.Payload == nil && o.Payload == nil
	}
	return *m.Payload == *o.Payload
}

func (m Message) String() string {
	if m.Payload == nil {
		return m.Path.String() + " <ping>"
	}
	return m.Path.String() + " " + *m.Payload
}

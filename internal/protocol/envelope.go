// Package protocol defines the JSON envelopes exchanged over the WebSocket
// endpoint and routes inbound messages to the handler registered for their
// method.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout renders timestamps as hh:mm:ss DD.MM.YY on a 12-hour clock.
const DateLayout = "03:04:05 02.01.06"

// Request is the inbound envelope.
type Request struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response is the outbound envelope, used for replies and broadcasts alike.
type Response struct {
	Method string `json:"method"`
	Status bool   `json:"status"`
	Text   string `json:"text,omitempty"`
	Date   string `json:"date,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Conn is one connected endpoint.
type Conn interface {
	ID() string
	Send(msg []byte) error
}

// Broadcaster delivers a message to every connected endpoint.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FormatDate formats t with DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Reply encodes r and sends it to conn only.
func Reply(conn Conn, r Response) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s response: %w", r.Method, err)
	}
	if err := conn.Send(payload); err != nil {
		return fmt.Errorf("send %s response to %s: %w", r.Method, conn.ID(), err)
	}
	return nil
}

// Broadcast encodes r and hands it to b for delivery to every endpoint.
func Broadcast(b Broadcaster, r Response) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s broadcast: %w", r.Method, err)
	}
	b.Broadcast(payload)
	return nil
}

// Absent reports whether a request carried no usable data field.
func Absent(data json.RawMessage) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || bytes.Equal(d, []byte("null"))
}

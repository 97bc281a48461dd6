// Package prototest provides in-memory Conn and Broadcaster implementations
// for exercising protocol handlers without a socket.
package prototest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/Tyrowin/dashrouter/internal/protocol"
)

// ErrClosed is returned by Send on a closed Conn.
var ErrClosed = errors.New("prototest: connection closed")

// Conn records every message sent to it.
type Conn struct {
	id string

	mu     sync.Mutex
	msgs   [][]byte
	closed bool
}

// NewConn returns an open Conn with the given id.
func NewConn(id string) *Conn {
	return &Conn{id: id}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

// Close makes subsequent sends fail.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Responses decodes everything received so far.
func (c *Conn) Responses() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return decodeAll(c.msgs)
}

// Len reports how many messages were received.
func (c *Conn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// Hub is a Broadcaster that fans out to a fixed set of Conns.
type Hub struct {
	mu    sync.Mutex
	conns []*Conn
}

// NewHub returns a Hub delivering to conns.
func NewHub(conns ...*Conn) *Hub {
	return &Hub{conns: conns}
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.Send(msg)
	}
}

// Response mirrors protocol.Response with Data kept raw for inspection.
type Response struct {
	Method string          `json:"method"`
	Status bool            `json:"status"`
	Text   string          `json:"text"`
	Date   string          `json:"date"`
	Data   json.RawMessage `json:"data"`
}

// HasData reports whether the data field was present.
func (r Response) HasData() bool {
	return len(r.Data) > 0
}

// DecodeData unmarshals the data field into v.
func (r Response) DecodeData(v any) error {
	return json.Unmarshal(r.Data, v)
}

func decodeAll(msgs [][]byte) []Response {
	out := make([]Response, 0, len(msgs))
	for _, m := range msgs {
		var r Response
		if err := json.Unmarshal(m, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

var (
	_ protocol.Conn        = (*Conn)(nil)
	_ protocol.Broadcaster = (*Hub)(nil)
)

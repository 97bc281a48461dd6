package server

import (
	"errors"
	"strings"

	"github.com/Tyrowin/dashrouter/internal/protocol"
)

var (
	// ErrClientGone is returned when sending to a client that has disconnected.
	ErrClientGone = errors.New("client disconnected")
	// ErrSendBufferFull is returned when a client's outbound queue is full.
	ErrSendBufferFull = errors.New("client send buffer full")
)

var (
	_ protocol.Conn        = (*Client)(nil)
	_ protocol.Broadcaster = (*Hub)(nil)
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

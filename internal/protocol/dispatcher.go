package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/dashrouter/internal/metrics"
)

// HandlerFunc handles the data of one inbound request on behalf of conn.
type HandlerFunc func(ctx context.Context, conn Conn, data json.RawMessage)

// Dispatcher is the single entry point for inbound messages. Messages that
// cannot be parsed, carry no method, or name an unknown method are dropped
// without a reply.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a Dispatcher with no registered methods. m may be nil.
func NewDispatcher(logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		metrics:  m,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds fn to method, replacing any previous binding.
func (d *Dispatcher) Register(method string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[method] = fn
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle parses raw and runs the matching handler. A panicking handler is
// recovered so that one message never takes down the connection.
func (d *Dispatcher) Handle(ctx context.Context, conn Conn, raw []byte) {
	logger := d.logger.With(zap.String("conn", conn.ID()))

	req, ok := parseRequest(raw)
	if !ok {
		logger.Warn("dropping malformed message", zap.Int("bytes", len(raw)))
		d.metrics.Dropped(metrics.ReasonMalformed)
		return
	}

	d.mu.RLock()
	fn, ok := d.handlers[req.Method]
	d.mu.RUnlock()
	if !ok {
		logger.Warn("dropping message with unknown method", zap.String("method", req.Method))
		d.metrics.Dropped(metrics.ReasonUnknownMethod)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered from panic in handler",
				zap.String("method", req.Method),
				zap.Any("panic", r))
			d.metrics.Dropped(metrics.ReasonPanic)
		}
	}()

	logger.Debug("dispatching", zap.String("method", req.Method))
	d.metrics.Handled(req.Method)
	fn(ctx, conn, req.Data)
}

func parseRequest(raw []byte) (Request, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Request{}, false
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return Request{}, false
	}
	if req.Method == "" {
		return Request{}, false
	}
	return req, true
}

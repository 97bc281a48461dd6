// Package events publishes domain events produced by the router (instance
// lifecycle transitions and chat activity) to an external bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects the router publishes on.
const (
	SubjectInstances = "instances.events"
	SubjectChat      = "chat.events"
)

// Event names.
const (
	InstanceCreated  = "instance.created"
	InstanceSwitched = "instance.switched"
	InstanceDeleted  = "instance.deleted"
	UserJoined       = "chat.user.joined"
	UserLeft         = "chat.user.left"
	MessagePosted    = "chat.message.posted"
)

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats not connected")

// Event is the JSON document published for every domain event.
type Event struct {
	Event string         `json:"event"`
	ID    string         `json:"id,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
	Time  int64          `json:"time"`
}

// Publisher sends raw payloads to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Close()
}

// Emit encodes ev, stamps it with the current time and publishes it. Failures
// are logged and swallowed: the event bus never affects a client reply.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, subject string, ev Event) {
	if p == nil {
		return
	}
	if ev.Time == 0 {
		ev.Time = time.Now().Unix()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("encode event", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	if err := p.Publish(ctx, subject, payload); err != nil {
		logger.Warn("publish event",
			zap.String("subject", subject),
			zap.String("event", ev.Event),
			zap.Error(err))
	}
}

// Nop discards every event. Used when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, []byte) error { return nil }
func (Nop) Close()                                        {}

// NATSPublisher publishes events on a NATS connection that reconnects
// forever in the background.
type NATSPublisher struct {
	nc     *nats.Conn
	url    string
	logger *zap.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	logger = logger.Named("nats")
	opts := []nats.Option{
		nats.Name("dashrouter"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, url: url, logger: logger}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	return p.nc.Publish(subject, payload)
}

// Close drains pending publishes and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain", zap.Error(err))
	}
	p.nc.Close()
}

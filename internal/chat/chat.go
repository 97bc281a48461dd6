package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Tyrowin/dashrouter/internal/events"
	"github.com/Tyrowin/dashrouter/internal/protocol"
)

// Inbound methods handled by Service. Responses reuse the request method.
const (
	MethodNewNick = "newNick"
	MethodDelUser = "delUser"
	MethodNewMsg  = "newMsg"
)

const (
	textInvalidNick    = "Nickname must be a non-empty string"
	textInvalidMessage = "Message must be an object with a userName"
	textNotRegistered  = "User is not registered"
)

// Service is the chat room. Every successful change, and every rejected
// nickname, is broadcast to all connections so each dashboard shows the
// same roster. Structurally invalid requests get a private failure reply.
//
// mu serializes each registry change with its broadcast, so broadcasts
// leave in the order the registry changed.
type Service struct {
	mu          sync.Mutex
	registry    *Registry
	broadcaster protocol.Broadcaster
	publisher   events.Publisher
	logger      *zap.Logger
	onChange    func(users int)
}

// NewService wires the chat component. pub and onChange may be nil.
func NewService(registry *Registry, b protocol.Broadcaster, pub events.Publisher, logger *zap.Logger, onChange func(users int)) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		registry:    registry,
		broadcaster: b,
		publisher:   pub,
		logger:      logger.Named("chat"),
		onChange:    onChange,
	}
}

// Register binds the chat methods on d.
func (s *Service) Register(d *protocol.Dispatcher) {
	d.Register(MethodNewNick, s.NewNick)
	d.Register(MethodDelUser, s.DelUser)
	d.Register(MethodNewMsg, s.NewMsg)
}

// Registry returns the backing user registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// NewNick registers a nickname.
func (s *Service) NewNick(ctx context.Context, conn protocol.Conn, data json.RawMessage) {
	name, ok := decodeName(data)
	if !ok {
		s.reply(conn, protocol.Response{Method: MethodNewNick, Status: false, Text: textInvalidNick})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.registry.Register(name)
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			s.logger.Info("nickname rejected", zap.String("name", name), zap.String("conn", conn.ID()))
		} else {
			s.logger.Warn("nickname not registered", zap.String("name", name), zap.String("conn", conn.ID()), zap.Error(err))
		}
		s.broadcast(protocol.Response{Method: MethodNewNick, Status: false})
		return
	}

	s.logger.Info("user joined", zap.String("name", name), zap.Int("users", len(users)))
	s.changed(len(users))
	events.Emit(ctx, s.publisher, s.logger, events.SubjectChat, events.Event{
		Event: events.UserJoined,
		ID:    name,
	})
	s.broadcast(protocol.Response{Method: MethodNewNick, Status: true, Data: users})
}

// DelUser removes a nickname; removing an unknown one still broadcasts the
// unchanged roster.
func (s *Service) DelUser(ctx context.Context, conn protocol.Conn, data json.RawMessage) {
	name, ok := decodeName(data)
	if !ok {
		s.reply(conn, protocol.Response{Method: MethodDelUser, Status: false, Text: textInvalidNick})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, removed := s.registry.Remove(name)
	if removed {
		s.logger.Info("user left", zap.String("name", name), zap.Int("users", len(users)))
		s.changed(len(users))
		events.Emit(ctx, s.publisher, s.logger, events.SubjectChat, events.Event{
			Event: events.UserLeft,
			ID:    name,
		})
	}
	s.broadcast(protocol.Response{Method: MethodDelUser, Status: true, Data: users})
}

// NewMsg appends the posted message to its author's history and broadcasts
// the message itself.
func (s *Service) NewMsg(ctx context.Context, conn protocol.Conn, data json.RawMessage) {
	if protocol.Absent(data) || !gjson.ValidBytes(data) {
		s.reply(conn, protocol.Response{Method: MethodNewMsg, Status: false, Text: textInvalidMessage})
		return
	}
	parsed := gjson.ParseBytes(data)
	author := parsed.Get("userName")
	if !parsed.IsObject() || author.Type != gjson.String || author.Str == "" {
		s.reply(conn, protocol.Response{Method: MethodNewMsg, Status: false, Text: textInvalidMessage})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.AppendMessage(author.Str, data); err != nil {
		s.logger.Warn("message from unregistered user",
			zap.String("name", author.Str),
			zap.String("conn", conn.ID()))
		s.reply(conn, protocol.Response{Method: MethodNewMsg, Status: false, Text: textNotRegistered})
		return
	}

	events.Emit(ctx, s.publisher, s.logger, events.SubjectChat, events.Event{
		Event: events.MessagePosted,
		ID:    author.Str,
	})
	s.broadcast(protocol.Response{Method: MethodNewMsg, Status: true, Data: data})
}

func decodeName(data json.RawMessage) (string, bool) {
	if protocol.Absent(data) {
		return "", false
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil || name == "" {
		return "", false
	}
	return name, true
}

func (s *Service) changed(users int) {
	if s.onChange != nil {
		s.onChange(users)
	}
}

func (s *Service) broadcast(r protocol.Response) {
	if err := protocol.Broadcast(s.broadcaster, r); err != nil {
		s.logger.Error("broadcast failed", zap.String("method", r.Method), zap.Error(err))
	}
}

func (s *Service) reply(conn protocol.Conn, r protocol.Response) {
	if err := protocol.Reply(conn, r); err != nil {
		s.logger.Debug("reply not delivered", zap.String("method", r.Method), zap.Error(err))
	}
}

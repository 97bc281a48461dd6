package instance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/dashrouter/internal/events"
	"github.com/Tyrowin/dashrouter/internal/protocol"
)

// Inbound methods handled by Service.
const (
	MethodLoad   = "loadInstances"
	MethodCreate = "createRequest"
	MethodSwitch = "switchRequest"
	MethodDelete = "deleteRequest"
)

// Methods of the deferred confirmations.
const (
	MethodCreated  = "createResponse"
	MethodSwitched = "switchResponse"
	MethodDeleted  = "deleteResponse"
)

const (
	textInvalidPayload = "Invalid request payload"
	textNotFound       = "Instance not found"
)

// Service implements the instance lifecycle: every mutating request is
// acknowledged immediately and applied to the store after the scheduler's
// delay. All replies go to the requesting connection only.
type Service struct {
	store     *Store
	scheduler *Scheduler
	publisher events.Publisher
	logger    *zap.Logger

	newID func() string
	now   func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithIDGenerator replaces the uuid-based id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithClock replaces time.Now for reply timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// NewService wires the lifecycle component. pub may be nil.
func NewService(store *Store, scheduler *Scheduler, pub events.Publisher, logger *zap.Logger, opts ...Option) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	s := &Service{
		store:     store,
		scheduler: scheduler,
		publisher: pub,
		logger:    logger.Named("instances"),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds the lifecycle methods on d.
func (s *Service) Register(d *protocol.Dispatcher) {
	d.Register(MethodLoad, s.LoadInstances)
	d.Register(MethodCreate, s.CreateRequest)
	d.Register(MethodSwitch, s.SwitchRequest)
	d.Register(MethodDelete, s.DeleteRequest)
}

// Store returns the backing store.
func (s *Service) Store() *Store {
	return s.store
}

type idPayload struct {
	ID string `json:"id"`
}

type switchPayload struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

// LoadInstances replies with the current snapshot of the store.
func (s *Service) LoadInstances(_ context.Context, conn protocol.Conn, _ json.RawMessage) {
	s.reply(conn, protocol.Response{
		Method: MethodLoad,
		Status: true,
		Data:   s.store.Snapshot(),
	})
}

// CreateRequest acknowledges with a fresh id and appends a stopped instance
// with that id once the delay elapses.
func (s *Service) CreateRequest(ctx context.Context, conn protocol.Conn, _ json.RawMessage) {
	id := s.newID()
	s.reply(conn, protocol.Response{
		Method: MethodCreate,
		Status: true,
		Text:   "Get request on creating",
		Date:   s.date(),
		Data:   idPayload{ID: id},
	})

	ctx = context.WithoutCancel(ctx)
	s.schedule(conn, id, OpCreate, func() {
		inst := Instance{ID: id, State: Stopped}
		if err := s.store.Add(inst); err != nil {
			s.logger.Error("deferred create failed", zap.String("id", id), zap.Error(err))
			s.reply(conn, s.failure(MethodCreated, "Instance could not be created", idPayload{ID: id}))
			return
		}
		s.logger.Info("instance created", zap.String("id", id))
		events.Emit(ctx, s.publisher, s.logger, events.SubjectInstances, events.Event{
			Event: events.InstanceCreated,
			ID:    id,
			Attrs: map[string]any{"state": inst.State},
		})
		s.reply(conn, protocol.Response{
			Method: MethodCreated,
			Status: true,
			Text:   "Created",
			Date:   s.date(),
			Data:   inst,
		})
	})
}

// SwitchRequest acknowledges the intended direction and moves the instance
// to the opposite of the state named in the request once the delay elapses.
// Without a state in the request the instance's current state is used.
func (s *Service) SwitchRequest(ctx context.Context, conn protocol.Conn, data json.RawMessage) {
	var req switchPayload
	if protocol.Absent(data) || json.Unmarshal(data, &req) != nil || req.ID == "" {
		s.reply(conn, s.failure(MethodSwitch, textInvalidPayload, nil))
		return
	}

	current, ok := s.store.Get(req.ID)
	if !ok {
		s.reply(conn, s.failure(MethodSwitch, textNotFound, idPayload{ID: req.ID}))
		return
	}
	from := req.State
	if from == "" {
		from = current.State
	}
	target := from.Opposite()

	verb, done := "stop", "Stopped"
	if target == Running {
		verb, done = "run", "Started"
	}
	s.reply(conn, protocol.Response{
		Method: MethodSwitch,
		Status: true,
		Text:   "Get request on server " + verb,
		Date:   s.date(),
		Data:   idPayload{ID: req.ID},
	})

	ctx = context.WithoutCancel(ctx)
	s.schedule(conn, req.ID, OpSwitch, func() {
		updated, err := s.store.SetState(req.ID, target)
		if err != nil {
			s.logger.Warn("deferred switch target vanished", zap.String("id", req.ID), zap.Error(err))
			s.reply(conn, s.failure(MethodSwitched, textNotFound, idPayload{ID: req.ID}))
			return
		}
		s.logger.Info("instance switched", zap.String("id", req.ID), zap.String("state", string(target)))
		events.Emit(ctx, s.publisher, s.logger, events.SubjectInstances, events.Event{
			Event: events.InstanceSwitched,
			ID:    req.ID,
			Attrs: map[string]any{"state": target},
		})
		s.reply(conn, protocol.Response{
			Method: MethodSwitched,
			Status: true,
			Text:   done,
			Date:   s.date(),
			Data:   updated,
		})
	})
}

// DeleteRequest acknowledges and removes the instance once the delay
// elapses. Deleting an id that is already gone leaves the store untouched.
func (s *Service) DeleteRequest(ctx context.Context, conn protocol.Conn, data json.RawMessage) {
	var req idPayload
	if protocol.Absent(data) || json.Unmarshal(data, &req) != nil || req.ID == "" {
		s.reply(conn, s.failure(MethodDelete, textInvalidPayload, nil))
		return
	}

	s.reply(conn, protocol.Response{
		Method: MethodDelete,
		Status: true,
		Text:   "Get request on server deleting",
		Date:   s.date(),
		Data:   idPayload{ID: req.ID},
	})

	ctx = context.WithoutCancel(ctx)
	s.schedule(conn, req.ID, OpDelete, func() {
		if _, err := s.store.Remove(req.ID); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Error("deferred delete failed", zap.String("id", req.ID), zap.Error(err))
			}
			s.reply(conn, s.failure(MethodDeleted, textNotFound, idPayload{ID: req.ID}))
			return
		}
		s.logger.Info("instance deleted", zap.String("id", req.ID))
		events.Emit(ctx, s.publisher, s.logger, events.SubjectInstances, events.Event{
			Event: events.InstanceDeleted,
			ID:    req.ID,
		})
		s.reply(conn, protocol.Response{
			Method: MethodDeleted,
			Status: true,
			Text:   "Removed",
			Date:   s.date(),
			Data:   idPayload{ID: req.ID},
		})
	})
}

func (s *Service) schedule(conn protocol.Conn, id string, op Op, fn func()) {
	if _, ok := s.scheduler.Schedule(id, op, fn); !ok {
		s.logger.Warn("scheduler stopped, operation not scheduled",
			zap.String("id", id),
			zap.String("op", string(op)),
			zap.String("conn", conn.ID()))
	}
}

func (s *Service) failure(method, text string, data any) protocol.Response {
	return protocol.Response{
		Method: method,
		Status: false,
		Text:   text,
		Date:   s.date(),
		Data:   data,
	}
}

func (s *Service) date() string {
	return protocol.FormatDate(s.now())
}

func (s *Service) reply(conn protocol.Conn, r protocol.Response) {
	if err := protocol.Reply(conn, r); err != nil {
		s.logger.Debug("reply not delivered", zap.String("method", r.Method), zap.Error(err))
	}
}

package server

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/dashrouter/internal/chat"
	"github.com/Tyrowin/dashrouter/internal/events"
	"github.com/Tyrowin/dashrouter/internal/instance"
	"github.com/Tyrowin/dashrouter/internal/metrics"
	"github.com/Tyrowin/dashrouter/internal/protocol"
)

// Server owns every piece of router state: the connection hub, the
// instance store and its scheduler, and the chat registry. Each Server is
// fully isolated, so tests can run several side by side.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	hub        *Hub
	dispatcher *protocol.Dispatcher
	upgrader   *websocket.Upgrader

	scheduler *instance.Scheduler
	instances *instance.Service
	chat      *chat.Service

	hubOnce    sync.Once
	httpServer *http.Server
}

// Option customises a Server.
type Option func(*options)

type options struct {
	seed        []instance.Instance
	instanceOps []instance.Option
}

// WithSeed replaces the default single stopped instance.
func WithSeed(seed ...instance.Instance) Option {
	return func(o *options) { o.seed = seed }
}

// WithInstanceOptions forwards options to the instance lifecycle service.
func WithInstanceOptions(opts ...instance.Option) Option {
	return func(o *options) { o.instanceOps = append(o.instanceOps, opts...) }
}

// New wires a router from cfg. pub may be nil, in which case domain events
// are not published.
func New(cfg Config, logger *zap.Logger, pub events.Publisher, opts ...Option) *Server {
	cfg = cfg.Sanitize()
	if pub == nil {
		pub = events.Nop{}
	}

	o := options{
		seed: []instance.Instance{{ID: uuid.NewString(), State: instance.Stopped}},
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		hub:        NewHub(logger, m),
		dispatcher: protocol.NewDispatcher(logger, m),
		upgrader:   newUpgrader(newOriginPolicy(cfg.AllowedOrigins, logger.Named("origin"))),
	}

	s.scheduler = instance.NewScheduler(cfg.OperationDelay, logger, m.SetPending)
	s.instances = instance.NewService(instance.NewStore(o.seed...), s.scheduler, pub, logger, o.instanceOps...)
	s.chat = chat.NewService(chat.NewRegistry(chat.WithMaxUsers(cfg.MaxChatUsers)), s.hub, pub, logger, m.SetChatUsers)

	s.instances.Register(s.dispatcher)
	s.chat.Register(s.dispatcher)
	s.httpServer = CreateServer(cfg.Port, s.Handler())

	logger.Info("router configured",
		zap.Strings("methods", s.dispatcher.Methods()),
		zap.Duration("operation_delay", cfg.OperationDelay),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))
	return s
}

// Config returns the sanitized configuration in effect.
func (s *Server) Config() Config {
	return s.cfg
}

// Hub returns the connection registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Instances returns the instance store.
func (s *Server) Instances() *instance.Store {
	return s.instances.Store()
}

// Users returns the chat registry.
func (s *Server) Users() *chat.Registry {
	return s.chat.Registry()
}

// Scheduler returns the pending operation registry.
func (s *Server) Scheduler() *instance.Scheduler {
	return s.scheduler
}

// Metrics returns the router's collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// StartHub launches the hub event loop. It is safe to call more than once.
func (s *Server) StartHub() {
	s.hubOnce.Do(func() {
		go s.hub.Run()
		s.logger.Info("hub started and ready to manage WebSocket connections")
	})
}

// Start runs the hub and serves HTTP on the configured port until Shutdown.
func (s *Server) Start() error {
	s.StartHub()
	return StartServer(s.httpServer, s.logger)
}

// Shutdown stops accepting connections, cancels pending instance
// operations and closes every client. Each stage is bounded by the
// configured shutdown timeout.
func (s *Server) Shutdown() error {
	var errs []error
	if err := ShutdownServer(s.httpServer, s.cfg.ShutdownTimeout, s.logger); err != nil {
		errs = append(errs, err)
	}

	s.scheduler.Stop()

	// Run must be live for Shutdown to observe it exiting.
	s.StartHub()
	if err := s.hub.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/dashrouter/internal/metrics"
)

// Hub is the connection registry. Registration, unregistration and
// broadcasts are serialized through Run; direct sends go through safeSend.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates a Hub. m may be nil.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.Named("hub"),
		metrics:    m,
	}
}

// Register hands c to the hub, which starts its pumps. It reports false if
// the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Broadcast queues msg for delivery to every registered client, the sender
// included. Messages broadcast after shutdown are discarded.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
		h.logger.Debug("broadcast after shutdown discarded", zap.Int("bytes", len(msg)))
	}
}

// ClientCount reports the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return ErrClientGone
	}

	select {
	case client.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClients([]*Client{client}, "disconnected")

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.metrics.SetConnected(clientCount)
	h.logger.Info("client registered",
		zap.String("client", client.id),
		zap.String("remote", client.addr),
		zap.Int("clients", clientCount))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleBroadcast(msg []byte) {
	clients := h.getClientSnapshot()
	h.logger.Debug("broadcasting message", zap.Int("clients", len(clients)))

	var failed []*Client
	for _, client := range clients {
		if err := h.safeSend(client, msg); err != nil {
			failed = append(failed, client)
		}
	}
	h.removeClients(failed, "send buffer full")
}

func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeClients drops clients from the registry and closes their send
// channels, which makes their write pumps send a close frame and exit.
func (h *Hub) removeClients(clients []*Client, reason string) {
	if len(clients) == 0 {
		return
	}

	h.mutex.Lock()
	var removed []*Client
	for _, client := range clients {
		if _, exists := h.clients[client]; exists {
			delete(h.clients, client)
			client.closed = true
			close(client.send)
			removed = append(removed, client)
		}
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.metrics.SetConnected(clientCount)
	for _, client := range removed {
		h.logger.Info("client unregistered",
			zap.String("client", client.id),
			zap.String("remote", client.addr),
			zap.String("reason", reason),
			zap.Int("clients", clientCount))
	}
}

func (h *Hub) shutdownClients() {
	clients := h.getClientSnapshot()
	h.logger.Info("shutting down client connections", zap.Int("clients", len(clients)))

	h.removeClients(clients, "shutdown")
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn("error closing client connection",
				zap.String("client", client.id),
				zap.Error(err))
		}
	}
}

// Shutdown stops the event loop, closes every connection and waits for
// the client pumps to finish or the timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

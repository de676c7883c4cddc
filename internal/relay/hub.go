package relay

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages progress subscriptions by deployment ID. The latest payload of
// each deployment is replayed to clients that register after it was sent.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	last      map[string][]byte
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	stop      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	metrics   *Metrics
}

// message couples payload with deployment identifier.
type message struct {
	deploymentID string
	payload      []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	deploymentID string
	client       Subscriber
}

// NewHub creates an initialized Hub. metrics may be nil.
func NewHub(metrics *Metrics) *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		last:      make(map[string][]byte),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		metrics:   metrics,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case <-h.stop:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
					h.metrics.unsubscribed()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.deploymentID][sub.client] = struct{}{}
			h.metrics.subscribed()
			if payload, ok := h.last[sub.deploymentID]; ok {
				if err := sub.client.Send(payload); err != nil {
					h.drop(sub.deploymentID, sub.client)
				}
			}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.deploymentID]; ok {
				if _, ok := clients[sub.client]; ok {
					delete(clients, sub.client)
					h.metrics.unsubscribed()
				}
				if len(clients) == 0 {
					delete(h.clients, sub.deploymentID)
				}
			}
		case msg := <-h.broadcast:
			h.last[msg.deploymentID] = msg.payload
			h.metrics.broadcast()
			if clients, ok := h.clients[msg.deploymentID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						h.drop(msg.deploymentID, c)
					}
				}
			}
		}
	}
}

func (h *Hub) drop(deploymentID string, c Subscriber) {
	c.Close()
	clients := h.clients[deploymentID]
	if _, ok := clients[c]; ok {
		delete(clients, c)
		h.metrics.unsubscribed()
	}
	if len(clients) == 0 {
		delete(h.clients, deploymentID)
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	select {
	case h.register <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.stop:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.stop:
	}
}

// Broadcast sends payload to all deployment clients.
func (h *Hub) Broadcast(deploymentID string, payload []byte) {
	select {
	case h.broadcast <- message{deploymentID: deploymentID, payload: payload}:
	case <-h.stop:
	}
}

// Stop closes every client and ends the hub loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.stopped
}

package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/pkg/logger"
)

const (
	MessageTypePing   = "ping"
	MessageTypePong   = "pong"
	MessageTypeTyping = "typing"
	MessageTypeAck    = "ack"
	MessageTypeRead   = "read"
)

// listenerQueueSize - сколько событий подключения может ждать слушателя
const listenerQueueSize = 1024

// InboundMessage - то, что присылает клиент
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Listener получает события соединений. OnConnect и OnDisconnect приходят по очереди
// из отдельной горутины хаба, остальные из горутины чтения клиента.
type Listener interface {
	OnConnect(userID string)
	// OnDisconnect вызывается, когда закрылось последнее соединение пользователя
	OnDisconnect(userID string)
	OnHeartbeat(userID string)
	OnClientMessage(caller domain.Caller, msg InboundMessage)
}

type lifecycleEvent struct {
	userID    string
	connected bool
}

// Hub хранит активные соединения, сгруппированные по пользователю
type Hub struct {
	clients    map[string]map[*Client]struct{}
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
	listener   Listener
	lifecycle  chan lifecycleEvent
	done       chan struct{}
	log        logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		lifecycle:  make(chan lifecycleEvent, listenerQueueSize),
		done:       make(chan struct{}),
		log:        log,
	}
}

// SetListener нужно вызвать до Serve
func (h *Hub) SetListener(l Listener) {
	h.listener = l
}

func (h *Hub) String() string { return "websocket-hub" }

// Serve обрабатывает подключения и отключения до отмены контекста.
// При остановке закрывает все соединения, чтобы супервизор мог перезапустить хаб начисто.
func (h *Hub) Serve(ctx context.Context) error {
	done := h.begin()
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		h.dispatch(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			close(done)
			<-dispatched
			h.log.Info("Websocket hub stopped", "reason", ctx.Err())
			return ctx.Err()
		case c := <-h.Register:
			h.add(c)
		case c := <-h.Unregister:
			h.remove(c)
		}
	}
}

// begin открывает новый цикл Serve; канал предыдущего цикла к этому моменту закрыт
func (h *Hub) begin() chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		h.done = make(chan struct{})
	default:
	}
	return h.done
}

// Done закрывается, когда текущий цикл Serve завершился
func (h *Hub) Done() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

// dispatch вызывает слушателя вне цикла хаба: медленный Redis не должен задерживать подключения
func (h *Hub) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.lifecycle:
			if h.listener == nil {
				continue
			}
			if ev.connected {
				h.listener.OnConnect(ev.userID)
			} else {
				h.listener.OnDisconnect(ev.userID)
			}
		}
	}
}

func (h *Hub) notify(ev lifecycleEvent) {
	if h.listener == nil {
		return
	}
	select {
	case h.lifecycle <- ev:
	default:
		h.log.Warn("Listener queue is full, dropping connection event",
			"user_id", ev.userID, "connected", ev.connected)
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	first := len(set) == 1
	total := h.countLocked()
	h.mu.Unlock()

	metrics.WebSocketConnections.Set(float64(total))
	h.log.Debug("Websocket client connected", "user_id", c.userID, "total_clients", total)
	if first {
		h.notify(lifecycleEvent{userID: c.userID, connected: true})
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	close(c.send)
	last := len(set) == 0
	if last {
		delete(h.clients, c.userID)
	}
	total := h.countLocked()
	h.mu.Unlock()

	metrics.WebSocketConnections.Set(float64(total))
	h.log.Debug("Websocket client disconnected", "user_id", c.userID, "total_clients", total)
	if last {
		h.notify(lifecycleEvent{userID: c.userID})
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, userID)
	}
	metrics.WebSocketConnections.Set(0)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// EmitToUser кладет событие в буфер каждого соединения пользователя и не ждет отправки.
// Возвращает число соединений, принявших событие; переполненные буферы пропускаются.
func (h *Hub) EmitToUser(userID string, ev domain.Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients[userID] {
		select {
		case c.send <- ev:
			delivered++
		default:
			h.log.Warn("Websocket send buffer full, dropping event", "user_id", userID, "event", ev.Type)
			metrics.PushEventsTotal.WithLabelValues(ev.Type, "dropped").Inc()
		}
	}
	return delivered
}

// EmitToAll рассылает событие всем подключенным пользователям
func (h *Hub) EmitToAll(ev domain.Event) int {
	h.mu.RLock()
	users := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		users = append(users, userID)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, userID := range users {
		delivered += h.EmitToUser(userID, ev)
	}
	return delivered
}

func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

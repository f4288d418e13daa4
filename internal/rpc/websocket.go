package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/insoblok/inso-govqueue/internal/queue"
	"github.com/insoblok/inso-govqueue/pkg/types"
)

// subQueueEvents is the only subscription type: every queue and registry
// event of the scope.
const subQueueEvents = "queueEvents"

const (
	// wsSendBuffer bounds the messages queued for one connection. A client
	// that lets it fill is dropped.
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
)

var errSlowConsumer = errors.New("websocket send queue full")

// WSSubscriptionManager manages WebSocket connections and subscriptions.
type WSSubscriptionManager struct {
	mu          sync.RWMutex
	subscribers map[uint64]*wsSubscription
	nextID      atomic.Uint64
	handler     *Handler
	logger      log.Logger
	upgrader    websocket.Upgrader

	subs []event.Subscription
	wg   sync.WaitGroup
}

type wsSubscription struct {
	id      uint64
	conn    *wsConn
	subType string
	closed  bool
}

// wsConn owns one socket. Gorilla allows a single concurrent writer, so
// every message goes through a bounded queue drained by writeLoop. Nothing
// that enqueues ever waits on the network.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(raw *websocket.Conn) *wsConn {
	return &wsConn{
		conn: raw,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errSlowConsumer
	}
}

// writeLoop sends queued messages until the connection closes. A write that
// misses its deadline closes the socket, which also ends the read loop.
func (c *wsConn) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// NewWSSubscriptionManager creates a new WebSocket subscription manager.
func NewWSSubscriptionManager(handler *Handler) *WSSubscriptionManager {
	return &WSSubscriptionManager{
		subscribers: make(map[uint64]*wsSubscription),
		handler:     handler,
		logger:      log.New("module", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Watch forwards the events of src to queueEvents subscribers until Stop.
func (m *WSSubscriptionManager) Watch(src queue.EventSource) {
	ch := make(chan types.QueueEvent, 256)
	sub := src.SubscribeEvents(ch)

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case ev := <-ch:
				m.BroadcastEvent(ev)
			case <-sub.Err():
				return
			}
		}
	}()
}

// Stop ends every watcher.
func (m *WSSubscriptionManager) Stop() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	m.wg.Wait()
}

// HandleWS upgrades an HTTP connection to WebSocket and manages subscriptions.
func (m *WSSubscriptionManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("WebSocket upgrade failed", "err", err)
		return
	}
	conn := newWSConn(raw)
	defer conn.close()
	go conn.writeLoop()

	m.logger.Debug("WebSocket connection established", "remote", r.RemoteAddr)

	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("WebSocket read error", "err", err)
			}
			m.cleanupConn(conn)
			return
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			m.writeWSError(conn, nil, -32700, "parse error")
			continue
		}

		switch req.Method {
		case "gov_subscribe":
			m.handleSubscribe(conn, &req)
		case "gov_unsubscribe":
			m.handleUnsubscribe(conn, &req)
		default:
			resp := m.handler.Handle(r.Context(), &req)
			m.writeWSResponse(conn, resp)
		}
	}
}

// handleSubscribe processes a gov_subscribe request.
func (m *WSSubscriptionManager) handleSubscribe(conn *wsConn, req *JSONRPCRequest) {
	var subType string
	if err := parseParams(req.Params, 1, &subType); err != nil {
		m.writeWSError(conn, req.ID, -32602, "invalid subscription type")
		return
	}
	if subType != subQueueEvents {
		m.writeWSError(conn, req.ID, -32602, fmt.Sprintf("unsupported subscription type: %s", subType))
		return
	}

	subID := m.nextID.Add(1)
	sub := &wsSubscription{
		id:      subID,
		conn:    conn,
		subType: subType,
	}

	m.mu.Lock()
	m.subscribers[subID] = sub
	m.updateGauge()
	m.mu.Unlock()

	m.logger.Debug("New subscription", "id", subID, "type", subType, "remote", conn.conn.RemoteAddr())
	m.writeResult(conn, req.ID, hexID(subID))
}

// handleUnsubscribe processes a gov_unsubscribe request.
func (m *WSSubscriptionManager) handleUnsubscribe(conn *wsConn, req *JSONRPCRequest) {
	var subIDHex string
	if err := parseParams(req.Params, 1, &subIDHex); err != nil {
		m.writeWSError(conn, req.ID, -32602, "invalid subscription id")
		return
	}

	var subID uint64
	if _, err := fmt.Sscanf(subIDHex, "0x%x", &subID); err != nil {
		m.writeWSError(conn, req.ID, -32602, "invalid subscription id")
		return
	}

	m.mu.Lock()
	sub, exists := m.subscribers[subID]
	if exists && sub.conn == conn {
		sub.closed = true
		delete(m.subscribers, subID)
		m.updateGauge()
	} else {
		exists = false
	}
	m.mu.Unlock()

	m.writeResult(conn, req.ID, exists)
}

// BroadcastEvent queues a notification for every queueEvents subscriber. It
// never blocks: a subscriber whose connection has fallen behind is dropped
// and its connection closed.
func (m *WSSubscriptionManager) BroadcastEvent(ev types.QueueEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subscribers {
		if sub.subType != subQueueEvents || sub.closed {
			continue
		}
		notification := map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "gov_subscription",
			"params": map[string]interface{}{
				"subscription": hexID(sub.id),
				"result":       ev,
			},
		}
		if err := sub.conn.writeJSON(notification); err != nil {
			sub.closed = true
			delete(m.subscribers, id)
			sub.conn.close()
			if errors.Is(err, errSlowConsumer) {
				if m.handler != nil && m.handler.metrics != nil {
					m.handler.metrics.WSSlowDropped.Add(1)
				}
				m.logger.Warn("Dropped slow subscriber", "id", sub.id, "queued", wsSendBuffer)
			} else {
				m.logger.Debug("Failed to write to subscriber", "id", sub.id, "err", err)
			}
		}
	}
	m.updateGauge()
}

// updateGauge publishes the subscriber count. Callers hold m.mu.
func (m *WSSubscriptionManager) updateGauge() {
	if m.handler != nil && m.handler.metrics != nil {
		m.handler.metrics.WSSubscribers.Store(int64(len(m.subscribers)))
	}
}

// SubscriberCount returns the number of active subscriptions.
func (m *WSSubscriptionManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// cleanupConn removes all subscriptions for a disconnected connection.
func (m *WSSubscriptionManager) cleanupConn(conn *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subscribers {
		if sub.conn == conn {
			sub.closed = true
			delete(m.subscribers, id)
		}
	}
	m.updateGauge()
}

func hexID(id uint64) string { return fmt.Sprintf("0x%x", id) }

func (m *WSSubscriptionManager) writeResult(conn *wsConn, id interface{}, result interface{}) {
	encoded, _ := json.Marshal(result)
	raw := json.RawMessage(encoded)
	m.writeWSResponse(conn, &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: &raw})
}

func (m *WSSubscriptionManager) writeWSResponse(conn *wsConn, resp *JSONRPCResponse) {
	if err := conn.writeJSON(resp); err != nil {
		m.logger.Debug("WebSocket write failed", "err", err)
	}
}

func (m *WSSubscriptionManager) writeWSError(conn *wsConn, id interface{}, code int, msg string) {
	resp := &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: msg},
	}
	m.writeWSResponse(conn, resp)
}

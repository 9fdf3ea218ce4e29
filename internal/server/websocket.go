package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/reliefops/fieldsync/internal/bridge"
)

const writeTimeout = 5 * time.Second

// WebSocketBridge connects background sync clients to the message hub.
// Hub messages fan out to every connected socket; control messages read
// from a socket are published back onto the hub for the orchestrator.
type WebSocketBridge struct {
	hub    *bridge.Hub
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]context.CancelFunc
}

func NewWebSocketBridge(hub *bridge.Hub, logger *zap.Logger) *WebSocketBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketBridge{
		hub:     hub,
		logger:  logger,
		clients: make(map[*websocket.Conn]context.CancelFunc),
	}
}

// Handle upgrades the request and runs the connection until either side
// closes it.
func (b *WebSocketBridge) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	b.addClient(conn, cancel)
	defer b.removeClient(conn)

	messages, unsubscribe := b.hub.Subscribe(ctx)
	defer unsubscribe()

	go b.writeLoop(ctx, conn, messages)
	b.readLoop(ctx, conn)
}

// ClientCount reports how many sockets are connected.
func (b *WebSocketBridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *WebSocketBridge) Close() {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		b.removeClient(conn)
	}
}

func (b *WebSocketBridge) writeLoop(ctx context.Context, conn *websocket.Conn, messages <-chan bridge.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			data, err := json.Marshal(message)
			if err != nil {
				b.logger.Error("failed to marshal hub message", zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				b.removeClient(conn)
				return
			}
		}
	}
}

func (b *WebSocketBridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer b.removeClient(conn)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		message, err := bridge.Decode(data)
		if err != nil {
			b.logger.Warn("dropping invalid client message", zap.Error(err))
			continue
		}
		switch message.Kind {
		case bridge.KindRegister, bridge.KindPause, bridge.KindResume:
			b.hub.Publish(message)
		default:
			// Status kinds only flow server to client.
		}
	}
}

func (b *WebSocketBridge) addClient(conn *websocket.Conn, cancel context.CancelFunc) {
	b.mu.Lock()
	b.clients[conn] = cancel
	count := len(b.clients)
	b.mu.Unlock()
	b.logger.Info("sync client connected", zap.Int("clients", count))
}

func (b *WebSocketBridge) removeClient(conn *websocket.Conn) {
	b.mu.Lock()
	cancel, exists := b.clients[conn]
	if exists {
		delete(b.clients, conn)
	}
	count := len(b.clients)
	b.mu.Unlock()
	if !exists {
		return
	}
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	b.logger.Info("sync client disconnected", zap.Int("clients", count))
}

package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicechat-backend/internal/models"
	"voicechat-backend/internal/session"
)

const (
	writeWait     = 10 * time.Second
	subscribeWait = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: writeWait,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

type TokenParser interface {
	ParseToken(token string) (uuid.UUID, error)
}

type SessionStore interface {
	Get(id uuid.UUID) (*session.Session, error)
}

// subscription is the redis channel of one session, shared by all of its
// sockets on this process.
type subscription struct {
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
	refs   int
}

// Hub pushes turn events to the websocket connections of a session. With a
// redis client every event goes through pub/sub so any replica holding the
// socket can deliver it; without one events are delivered in-process.
type Hub struct {
	mu            sync.Mutex
	connections   map[uuid.UUID][]*websocket.Conn
	subscriptions map[uuid.UUID]*subscription
	redisClient   *redis.Client
	tokens        TokenParser
	sessions      SessionStore
	logger        *zap.Logger
}

func NewHub(redisClient *redis.Client, tokens TokenParser, sessions SessionStore, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections:   make(map[uuid.UUID][]*websocket.Conn),
		subscriptions: make(map[uuid.UUID]*subscription),
		redisClient:   redisClient,
		tokens:        tokens,
		sessions:      sessions,
		logger:        logger.Named("ws"),
	}
}

func channelName(sessionID uuid.UUID) string {
	return "session_updates:" + sessionID.String()
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Authenticate via token query param
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := h.tokens.ParseToken(tokenStr)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := h.sessions.Get(sessionID); err != nil {
		writeSessionExpired(w, r)
		return
	}

	// The subscription is live before the handshake completes, so nothing
	// published after the client connects is missed.
	if err := h.acquire(r.Context(), sessionID); err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		http.Error(w, "Live updates unavailable", http.StatusServiceUnavailable)
		return
	}

	// The connection is registered under the same lock as the handshake so
	// a publish racing the client's first read still reaches it.
	h.mu.Lock()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.mu.Unlock()
		h.release(sessionID)
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.registerLocked(sessionID, conn)
	h.mu.Unlock()

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(sessionID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeSessionExpired(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: models.APIError{
			Code:      "SESSION_EXPIRED",
			Message:   "Session has ended, start a new one",
			RequestID: r.Header.Get("X-Request-ID"),
		},
	})
}

func (h *Hub) registerLocked(sessionID uuid.UUID, conn *websocket.Conn) {
	h.connections[sessionID] = append(h.connections[sessionID], conn)

	h.logger.Info("websocket connected",
		zap.String("session_id", sessionID.String()),
		zap.Int("connections", len(h.connections[sessionID])),
	)
}

func (h *Hub) unregisterConnection(sessionID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	conn.Close()

	conns := h.connections[sessionID]
	for i, c := range conns {
		if c == conn {
			h.connections[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.connections[sessionID]) == 0 {
		delete(h.connections, sessionID)
	}
	h.mu.Unlock()

	h.release(sessionID)
	h.logger.Info("websocket disconnected", zap.String("session_id", sessionID.String()))
}

// acquire takes a reference on the session's redis subscription, starting
// it if needed, and waits until redis has confirmed it.
func (h *Hub) acquire(ctx context.Context, sessionID uuid.UUID) error {
	if h.redisClient == nil {
		return nil
	}

	h.mu.Lock()
	sub, ok := h.subscriptions[sessionID]
	if ok {
		sub.refs++
		h.mu.Unlock()

		select {
		case <-sub.ready:
		case <-ctx.Done():
			h.release(sessionID)
			return ctx.Err()
		}
		if sub.err != nil {
			h.release(sessionID)
			return sub.err
		}
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub = &subscription{cancel: cancel, ready: make(chan struct{}), refs: 1}
	h.subscriptions[sessionID] = sub
	h.mu.Unlock()

	pubsub := h.redisClient.Subscribe(subCtx, channelName(sessionID))

	waitCtx, waitCancel := context.WithTimeout(ctx, subscribeWait)
	_, err := pubsub.Receive(waitCtx)
	waitCancel()

	sub.err = err
	close(sub.ready)

	if err != nil {
		pubsub.Close()
		h.release(sessionID)
		return err
	}

	go h.listen(subCtx, sessionID, pubsub)
	return nil
}

// release drops a reference; the last one stops the subscription.
func (h *Hub) release(sessionID uuid.UUID) {
	if h.redisClient == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscriptions[sessionID]
	if !ok {
		return
	}
	sub.refs--
	if sub.refs <= 0 {
		sub.cancel()
		delete(h.subscriptions, sessionID)
	}
}

func (h *Hub) listen(ctx context.Context, sessionID uuid.UUID, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(sessionID, []byte(msg.Payload))
		}
	}
}

// broadcast holds the lock for the whole fan-out since a gorilla conn
// allows only one concurrent writer.
func (h *Hub) broadcast(sessionID uuid.UUID, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conn := range h.connections[sessionID] {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}
}

// Publish delivers msg to every connection watching the session.
func (h *Hub) Publish(ctx context.Context, sessionID uuid.UUID, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode websocket message", zap.Error(err))
		return
	}

	if h.redisClient == nil {
		h.broadcast(sessionID, data)
		return
	}
	if err := h.redisClient.Publish(ctx, channelName(sessionID), data).Err(); err != nil {
		h.logger.Warn("redis publish failed, delivering locally",
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
		h.broadcast(sessionID, data)
	}
}

// CloseSession tells the session's sockets it has ended and closes them.
// Their reader goroutines release the redis subscription.
func (h *Hub) CloseSession(sessionID uuid.UUID) {
	data, _ := json.Marshal(models.WSMessage{Type: "session_ended", Data: map[string]string{"session_id": sessionID.String()}})

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conn := range h.connections[sessionID] {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
	}
	delete(h.connections, sessionID)
}

// Connections reports how many sockets watch the session.
func (h *Hub) Connections(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections[sessionID])
}

// Subscribed reports whether this process holds a redis subscription for the session.
func (h *Hub) Subscribed(sessionID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subscriptions[sessionID]
	return ok
}

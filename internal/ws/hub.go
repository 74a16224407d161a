package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/shopchat/internal/ai"
	"github.com/suPer8Hu/shopchat/internal/auth"
	"github.com/suPer8Hu/shopchat/internal/chat"
	"github.com/suPer8Hu/shopchat/internal/common"
	"github.com/suPer8Hu/shopchat/internal/metrics"
	"github.com/suPer8Hu/shopchat/internal/models"
)

// ChatService is the part of *chat.Service the relay needs.
type ChatService interface {
	OwnedSession(ctx context.Context, userID uint64, sessionID string) (*chat.Session, error)
	History(ctx context.Context, sessionID string) ([]ai.Message, error)
	BuildContext(history []ai.Message) []ai.Message
	ProviderFor(ctx context.Context, sess *chat.Session) (ai.Provider, error)
	SaveMessage(ctx context.Context, sess *chat.Session, role, content string, streamID *string) (*chat.Message, error)
}

type TokenParser interface {
	ParseAccess(ctx context.Context, token string) (*auth.Claims, error)
}

// UserLoader returns live users; *user.Service implements it.
type UserLoader interface {
	Get(ctx context.Context, id uint64) (*models.User, error)
}

type Config struct {
	HeartbeatInterval time.Duration // ping connections not pinged for this long
	HeartbeatTimeout  time.Duration // close connections idle for this long
	CheckInterval     time.Duration
	AllowedOrigins    []string // empty allows any origin
}

func (c *Config) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
}

type Hub struct {
	chat     ChatService
	tokens   TokenParser
	users    UserLoader
	log      logrus.FieldLogger
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHub(chatSvc ChatService, tokens TokenParser, users UserLoader, log logrus.FieldLogger, cfg Config) *Hub {
	cfg.defaults()
	h := &Hub{
		chat:   chatSvc,
		tokens: tokens,
		users:  users,
		log:    log,
		cfg:    cfg,
		conns:  make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// reject reports a handshake-level failure on a freshly upgraded socket and
// closes it.
func (h *Hub) reject(ws *websocket.Conn, msg string) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(errorFrame(msg))
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg), time.Now().Add(writeWait))
	_ = ws.Close()
}

// ServeWS upgrades GET /ws?token=...&session_id=... and blocks running the
// connection's read loop.
func (h *Hub) ServeWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	ctx := c.Request.Context()

	token := c.Query("token")
	if token == "" {
		token = auth.TokenFromRequest(c.Request)
	}
	claims, err := h.tokens.ParseAccess(ctx, token)
	if err != nil {
		h.reject(ws, "token verification failed, please log in again")
		return
	}
	u, err := h.users.Get(ctx, claims.UserID)
	if err != nil || u.IsDeleted || !u.IsActive {
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			h.log.WithError(err).WithField("user_id", claims.UserID).Error("load user for websocket")
		}
		h.reject(ws, "user info not found")
		return
	}

	sessionID := c.Query("session_id")
	sess, err := h.chat.OwnedSession(ctx, u.ID, sessionID)
	if err != nil {
		h.reject(ws, "session not found")
		return
	}

	history, err := h.chat.History(ctx, sessionID)
	if err != nil {
		h.log.WithError(err).WithField("session_id", sessionID).Error("load chat history")
		h.reject(ws, "failed to load chat history")
		return
	}

	conn := newConn(uuid.NewString(), ws, h, sess, history)
	h.register(conn)
	go conn.writePump()

	conn.Send(Frame{Type: TypeSystem, Content: "welcome to chat session " + sessionID})
	h.log.WithFields(logrus.Fields{"conn_id": conn.id, "session_id": sessionID, "user_id": u.ID}).Info("websocket connected")

	conn.readPump()
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.WSConnected()
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	if ok {
		metrics.WSDisconnected()
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Run is the liveness loop. It returns, closing every connection, when ctx
// is done.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case now := <-t.C:
			h.check(now)
		}
	}
}

func (h *Hub) check(now time.Time) {
	for _, c := range h.snapshot() {
		lastActivity, lastPing := c.times()

		if now.Sub(lastActivity) > h.cfg.HeartbeatTimeout {
			h.log.WithField("conn_id", c.id).Info("heartbeat timeout, closing connection")
			c.Close()
			metrics.HeartbeatEvicted()
			continue
		}

		if now.Sub(lastPing) > h.cfg.HeartbeatInterval {
			ok := c.Send(Frame{Type: TypeHeartbeatPing, Timestamp: unixSeconds(now), Message: "ping"})
			if !ok {
				h.log.WithField("conn_id", c.id).Warn("send heartbeat failed")
				c.Close()
				continue
			}
			c.pinged(now)
		}
	}
}

func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		c.Close()
	}
}

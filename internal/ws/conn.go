package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/shopchat/internal/ai"
	"github.com/suPer8Hu/shopchat/internal/chat"
	"github.com/suPer8Hu/shopchat/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

// Conn is one relay connection bound to a chat session.
type Conn struct {
	id      string
	ws      *websocket.Conn
	hub     *Hub
	session *chat.Session
	log     logrus.FieldLogger

	send   chan Frame
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu              sync.Mutex
	lastActivity    time.Time
	lastPing        time.Time
	waitingPong     bool
	currentStreamID string

	// history is only touched by the relay goroutine; busy serialises relays.
	history []ai.Message
	busy    atomic.Bool
}

func newConn(id string, ws *websocket.Conn, h *Hub, sess *chat.Session, history []ai.Message) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Conn{
		id:           id,
		ws:           ws,
		hub:          h,
		session:      sess,
		log:          h.log.WithFields(logrus.Fields{"conn_id": id, "session_id": sess.SessionID}),
		send:         make(chan Frame, sendBuffer),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: now,
		lastPing:     now,
		history:      history,
	}
}

// Send queues f for the write pump. It reports false when the connection is
// closed or the queue stays full for writeWait.
func (c *Conn) Send(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	t := time.NewTimer(writeWait)
	defer t.Stop()
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	case <-t.C:
		return false
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		streaming := c.currentStreamID
		c.mu.Unlock()
		if streaming != "" {
			c.log.WithField("stream_id", streaming).Info("connection closed mid-stream")
		}
		c.cancel()
		close(c.done)
		_ = c.ws.Close()
		c.hub.unregister(c)
	})
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) times() (lastActivity, lastPing time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity, c.lastPing
}

func (c *Conn) pinged(at time.Time) {
	c.mu.Lock()
	c.lastPing = at
	c.waitingPong = true
	c.mu.Unlock()
}

func (c *Conn) ponged() {
	c.mu.Lock()
	c.waitingPong = false
	c.mu.Unlock()
}

func (c *Conn) WaitingPong() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitingPong
}

func (c *Conn) setStream(id string) {
	c.mu.Lock()
	c.currentStreamID = id
	c.mu.Unlock()
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.WithError(err).Debug("websocket write failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer c.Close()
	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("websocket read failed")
			}
			return
		}
		c.touch()

		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			c.Send(errorFrame("invalid message format, JSON expected"))
			continue
		}

		switch in.Type {
		case TypeHeartbeatPong:
			c.ponged()
			continue
		case TypeUser:
		default:
			c.log.WithField("type", in.Type).Debug("ignoring non-user frame")
			continue
		}

		content := strings.TrimSpace(in.Content)
		if content == "" {
			c.Send(errorFrame("message content must not be empty"))
			continue
		}
		if !c.busy.CompareAndSwap(false, true) {
			c.Send(errorFrame("a reply is still streaming, wait for stream_end"))
			continue
		}
		go c.relay(content)
	}
}

// relay answers one user message: persist it, stream the provider reply as
// chunk frames, then persist the full reply under the stream id.
func (c *Conn) relay(content string) {
	ctx := c.ctx
	svc := c.hub.chat

	// finish frees the relay before queueing the closing frames, so a client
	// that answers right after stream_end is never told it is still busy.
	finish := func(frames ...Frame) {
		c.setStream("")
		c.busy.Store(false)
		for _, f := range frames {
			c.Send(f)
		}
	}

	if _, err := svc.SaveMessage(ctx, c.session, chat.RoleUser, content, nil); err != nil {
		c.log.WithError(err).Warn("store user message failed")
	}
	c.history = append(c.history, ai.Message{Role: chat.RoleUser, Content: content})

	provider, err := svc.ProviderFor(ctx, c.session)
	if err != nil {
		c.log.WithError(err).Error("resolve provider")
		finish(errorFrame("assistant unavailable"))
		return
	}

	streamID := uuid.NewString()
	c.setStream(streamID)
	c.Send(Frame{Type: TypeStreamStart, StreamID: streamID})

	start := time.Now()
	chunks, errs := ai.Stream(ctx, provider, svc.BuildContext(c.history))
	reply, err := ai.Drain(chunks, errs, func(s string) {
		if s == "" {
			return
		}
		c.Send(Frame{Type: TypeStreamChunk, StreamID: streamID, Content: s})
	})
	metrics.ObserveLLMStream(c.session.Provider, time.Since(start), err)
	if err != nil {
		c.log.WithError(err).Warn("assistant stream failed")
		finish(errorFrame("assistant reply failed: " + err.Error()))
		return
	}

	c.history = append(c.history, ai.Message{Role: chat.RoleAssistant, Content: reply})
	end := Frame{Type: TypeStreamEnd, StreamID: streamID}
	if _, err := svc.SaveMessage(ctx, c.session, chat.RoleAssistant, reply, &streamID); err != nil {
		c.log.WithError(err).Error("store assistant message failed")
		finish(end, errorFrame("failed to save message"))
		return
	}
	finish(end)
}

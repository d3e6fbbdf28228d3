package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/auth"
	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/chatlist"
	"github.com/RishabhIDS/d8-byte-app/internal/chatview"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/presence"
	"github.com/RishabhIDS/d8-byte-app/internal/service"
	"github.com/RishabhIDS/d8-byte-app/internal/typing"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	sendBuffer   = 256
	readLimit    = 64 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	cleanupWait  = 5 * time.Second
)

// Deps 是网关处理帧时用到的服务。
type Deps struct {
	Messages *service.MessageService
	ChatList *chatlist.Aggregator
	Opener   *chatview.Opener
	Typing   *typing.Debouncer
	Presence *presence.Tracker
}

type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	deps   Deps
	lim    *rate.Limiter

	mu      sync.Mutex
	closed  bool
	details map[string]*chatview.Detail
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	TypeOpen   = "open"
	TypeClose  = "close"
	TypeTyping = "typing"
	TypeSend   = "send"
	TypeSeen   = "seen"

	TypeChats = "chats"
	TypeChat  = "chat"
	TypeSent  = "sent"
	TypeError = "error"
)

// InboundMessage 是客户端发来的帧。typing 帧的 Text 是输入框当前内容。
type InboundMessage struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Text   string `json:"text"`
}

type OutboundMessage struct {
	Type      string             `json:"type"`
	PeerID    string             `json:"peer_id,omitempty"`
	Chats     []models.ChatEntry `json:"chats,omitempty"`
	Chat      *chatview.Snapshot `json:"chat,omitempty"`
	Message   *models.Message    `json:"message,omitempty"`
	Error     string             `json:"error,omitempty"`
	Retryable bool               `json:"retryable,omitempty"`
}

// Serve 升级连接；必须挂在认证中间件之后。
func Serve(h *Hub, deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := auth.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(h, conn, userID, deps)
		if !h.register(client) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		log.Debug().Str("user_id", userID).Int("devices", h.Online(userID)).Msg("ws connected")

		ctx, cancel := context.WithCancel(context.Background())
		go client.writePump()
		client.start(ctx)
		client.readPump(ctx)
		cancel()
		client.cleanup()
	}
}

func newClient(h *Hub, conn *websocket.Conn, userID string, deps Deps) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		userID:  userID,
		deps:    deps,
		lim:     rate.NewLimiter(20, 40),
		details: make(map[string]*chatview.Detail),
	}
}

// start 发布在线状态并订阅聊天列表。
func (c *Client) start(ctx context.Context) {
	if c.deps.Presence != nil {
		sess, err := c.deps.Presence.Connect(ctx, c.userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", c.userID).Msg("presence connect")
		} else {
			go func() {
				<-ctx.Done()
				dctx, cancel := context.WithTimeout(context.Background(), cleanupWait)
				defer cancel()
				if err := sess.Drop(dctx); err != nil {
					log.Warn().Err(err).Str("user_id", c.userID).Msg("presence drop")
				}
			}()
		}
	}
	if c.deps.ChatList != nil {
		sub, err := c.deps.ChatList.Subscribe(ctx, c.userID)
		if err != nil {
			c.fail("", err)
			return
		}
		go func() {
			for entries := range sub.C() {
				c.write(OutboundMessage{Type: TypeChats, Chats: entries})
			}
		}()
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user_id", c.userID).Msg("ws read")
			}
			return
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			c.fail("", errs.Validation("malformed frame"))
			continue
		}
		if !c.lim.Allow() {
			c.write(OutboundMessage{Type: TypeError, PeerID: in.PeerID, Error: "too many requests", Retryable: true})
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *Client) handle(ctx context.Context, in InboundMessage) {
	switch in.Type {
	case TypeOpen:
		c.open(ctx, in.PeerID)
	case TypeClose:
		c.closeDetail(in.PeerID)
	case TypeTyping:
		convID, err := chatid.Resolve(c.userID, in.PeerID)
		if err == nil {
			err = c.deps.Typing.Keystroke(ctx, c.userID, convID, in.Text)
		}
		if err != nil {
			c.fail(in.PeerID, err)
		}
	case TypeSend:
		if convID, err := chatid.Resolve(c.userID, in.PeerID); err == nil {
			if err := c.deps.Typing.Cancel(ctx, c.userID, convID); err != nil {
				log.Debug().Err(err).Str("conversation_id", convID).Msg("typing cancel on send")
			}
		}
		msg, err := c.deps.Messages.Append(ctx, c.userID, in.PeerID, in.Text)
		if msg.ID != "" {
			c.write(OutboundMessage{Type: TypeSent, PeerID: in.PeerID, Message: &msg})
		}
		if err != nil {
			c.fail(in.PeerID, err)
		}
	case TypeSeen:
		if _, err := c.deps.Messages.MarkSeen(ctx, c.userID, in.PeerID); err != nil {
			c.fail(in.PeerID, err)
		}
	default:
		c.fail(in.PeerID, errs.Validation("unknown frame type %q", in.Type))
	}
}

func (c *Client) open(ctx context.Context, peerID string) {
	d, err := c.deps.Opener.Open(ctx, c.userID, peerID)
	if err != nil {
		c.fail(peerID, err)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		d.Close()
		return
	}
	old := c.details[peerID]
	c.details[peerID] = d
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go func() {
		for snap := range d.Updates() {
			snap := snap
			c.write(OutboundMessage{Type: TypeChat, PeerID: peerID, Chat: &snap})
		}
	}()
}

func (c *Client) closeDetail(peerID string) {
	c.mu.Lock()
	d := c.details[peerID]
	delete(c.details, peerID)
	c.mu.Unlock()
	if d != nil {
		d.Close()
	}
}

func (c *Client) fail(peerID string, err error) {
	out := OutboundMessage{Type: TypeError, PeerID: peerID, Error: err.Error()}
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrNotFound):
	case errors.Is(err, errs.ErrTransientIO):
		out.Retryable = true
	default:
		log.Error().Err(err).Str("user_id", c.userID).Msg("ws frame")
		out.Error = "internal error"
	}
	c.write(out)
}

func (c *Client) write(out OutboundMessage) {
	b, err := json.Marshal(out)
	if err != nil {
		log.Error().Err(err).Str("type", out.Type).Msg("ws marshal")
		return
	}
	c.enqueue(b)
}

// enqueue 非阻塞投递；发送缓冲已满的慢连接会被断开。
func (c *Client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		log.Warn().Str("user_id", c.userID).Msg("ws send buffer full")
		c.closeLocked()
		return false
	}
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

// cleanup 在读循环退出后释放订阅、清除输入状态并注销连接。
func (c *Client) cleanup() {
	c.mu.Lock()
	details := c.details
	c.details = make(map[string]*chatview.Detail)
	c.closeLocked()
	c.mu.Unlock()
	for _, d := range details {
		d.Close()
	}
	if c.deps.Typing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupWait)
		c.deps.Typing.Flush(ctx, c.userID)
		cancel()
	}
	c.hub.unregister(c)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

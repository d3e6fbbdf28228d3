package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/auth"
	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/chatlist"
	"github.com/RishabhIDS/d8-byte-app/internal/chatview"
	"github.com/RishabhIDS/d8-byte-app/internal/errs"
	"github.com/RishabhIDS/d8-byte-app/internal/presence"
	"github.com/RishabhIDS/d8-byte-app/internal/service"
	"github.com/RishabhIDS/d8-byte-app/internal/typing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	profiles *service.ProfileService
	messages *service.MessageService
	matches  *service.MatchService
	chatList *chatlist.Aggregator
	opener   *chatview.Opener
	typing   *typing.Debouncer
	presence *presence.Tracker
	now      func() time.Time
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		profiles: d.Profiles,
		messages: d.Messages,
		matches:  d.Matches,
		chatList: d.ChatList,
		opener:   d.Opener,
		typing:   d.Typing,
		presence: d.Presence,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// respondError 按错误类别映射状态码：校验 400、不存在 404、可重试 503，其余 500。
func respondError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrTransientIO):
		log.Warn().Err(err).Str("user_id", auth.GetUserID(c)).Msg(op)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable", "retryable": true})
	default:
		log.Error().Err(err).Str("user_id", auth.GetUserID(c)).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Me 返回当前用户资料。
func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": auth.GetUser(c)})
}

// ListChats 返回聊天列表，q 按名字过滤。
func (h *Handler) ListChats(c *gin.Context) {
	entries, err := h.chatList.List(c.Request.Context(), auth.GetUserID(c), c.Query("q"))
	if err != nil {
		respondError(c, "list chats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": entries})
}

// GetConversation 返回聊天详情快照，并把对方消息标记为已读。
func (h *Handler) GetConversation(c *gin.Context) {
	snap, err := h.opener.Snapshot(c.Request.Context(), auth.GetUserID(c), c.Param("peer"))
	if err != nil {
		respondError(c, "get conversation", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": snap})
}

// ListMessages 按会话顺序返回全部消息。
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.messages.History(c.Request.Context(), auth.GetUserID(c), c.Param("peer"))
	if err != nil {
		respondError(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type sendRequest struct {
	Text string `json:"text" binding:"required"`
}

// SendMessage 发送消息。摘要更新失败时消息已保存，返回 202 与可重试标记。
func (h *Handler) SendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID, peerID := auth.GetUserID(c), c.Param("peer")
	if convID, err := chatid.Resolve(userID, peerID); err == nil && h.typing != nil {
		if err := h.typing.Cancel(c.Request.Context(), userID, convID); err != nil {
			log.Debug().Err(err).Str("conversation_id", convID).Msg("typing cancel on send")
		}
	}
	msg, err := h.messages.Append(c.Request.Context(), userID, peerID, req.Text)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"message": msg})
	case msg.ID != "" && errors.Is(err, errs.ErrTransientIO):
		c.JSON(http.StatusAccepted, gin.H{"message": msg, "error": "summary update pending", "retryable": true})
	default:
		respondError(c, "send message", err)
	}
}

// MarkSeen 把对方发来的消息标记为已读并清零未读数。
func (h *Handler) MarkSeen(c *gin.Context) {
	n, err := h.messages.MarkSeen(c.Request.Context(), auth.GetUserID(c), c.Param("peer"))
	if err != nil {
		respondError(c, "mark seen", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

type typingRequest struct {
	Text string `json:"text"`
}

// SetTyping 上报输入框内容，由防抖器决定何时写入正在输入标记。
func (h *Handler) SetTyping(c *gin.Context) {
	var req typingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID := auth.GetUserID(c)
	convID, err := chatid.Resolve(userID, c.Param("peer"))
	if err != nil {
		respondError(c, "typing", err)
		return
	}
	if err := h.typing.Keystroke(c.Request.Context(), userID, convID, req.Text); err != nil {
		respondError(c, "typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPresence 返回用户在线状态。
func (h *Handler) GetPresence(c *gin.Context) {
	st, err := h.presence.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "get presence", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": st, "header": chatview.HeaderStatus(false, st, h.now())})
}

// Like 记录喜欢关系，返回双方是否已互相喜欢。
func (h *Handler) Like(c *gin.Context) {
	userID, target := auth.GetUserID(c), c.Param("id")
	if _, err := h.profiles.Get(c.Request.Context(), target); err != nil {
		respondError(c, "like", err)
		return
	}
	if err := h.matches.Like(c.Request.Context(), userID, target); err != nil {
		respondError(c, "like", err)
		return
	}
	mutual, err := h.matches.CanChat(c.Request.Context(), userID, target)
	if err != nil {
		respondError(c, "like", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mutual": mutual})
}

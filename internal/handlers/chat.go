package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/caselink/caselink/internal/chat"
	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/internal/push"
	"github.com/caselink/caselink/pkg/apperr"
)

type ChatHandler struct {
	engine   *chat.Engine
	notifier *push.Notifier
	logger   *zap.SugaredLogger
}

func NewChatHandler(engine *chat.Engine, notifier *push.Notifier, logger *zap.SugaredLogger) *ChatHandler {
	return &ChatHandler{engine: engine, notifier: notifier, logger: logger}
}

func callerID(c *gin.Context) (string, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID.(string), true
}

type CreateConversationRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

// CreateConversation opens the direct conversation with a peer, creating it
// on first request. 200 for an existing conversation, 201 for a new one.
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	conv, created, err := h.engine.CreateConversation(userID, req.PeerID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conv)
}

// ListConversations returns the caller's conversations, most recently active
// first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	convs, err := h.engine.ListConversations(userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// ListMessages pages backwards through a conversation's history. Query
// parameters: before (RFC 3339 timestamp) and limit.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	conversationID := c.Param("id")

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		before = &t
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := h.engine.ListMessages(c.Request.Context(), userID, conversationID, before, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// SendMessage posts a text message over REST; delivery fan-out is identical
// to the websocket path.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	payload, err := h.engine.SendMessage(c.Request.Context(), userID, c.Param("id"), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payload)
}

// UploadAttachment accepts a multipart upload with an optional caption field.
func (h *ChatHandler) UploadAttachment(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field is required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, apperr.Wrap(apperr.CodeInternal, "failed to read upload", err))
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	caption := c.PostForm("caption")

	payload, err := h.engine.SendAttachment(c.Request.Context(), userID, c.Param("id"),
		fileHeader.Filename, contentType, fileHeader.Size, file, caption)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payload)
}

type AcknowledgeRequest struct {
	Status string `json:"status" binding:"required"`
}

// AcknowledgeMessage advances the caller's receipt on a message.
func (h *ChatHandler) AcknowledgeMessage(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.engine.Acknowledge(userID, c.Param("id"), models.DeliveryStatus(req.Status)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type SubscribePushRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

// SubscribePush stores a browser push subscription for the caller.
func (h *ChatHandler) SubscribePush(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	if h.notifier == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "push notifications are not configured"})
		return
	}

	var req SubscribePushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := h.notifier.Subscribe(userID, req.Endpoint, req.Keys.P256dh, req.Keys.Auth); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vapid_public_key": h.notifier.VAPIDPublicKey()})
}

// Health reports liveness plus the number of users currently connected.
func (h *ChatHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"online_users": h.engine.OnlineCount(),
	})
}

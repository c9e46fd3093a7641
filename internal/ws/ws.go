// Package ws owns the websocket lifecycle: authentication at upgrade,
// decoding inbound frames, and the per-connection writer that serializes all
// socket writes.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caselink/caselink/internal/auth"
	"github.com/caselink/caselink/internal/chat"
	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/internal/presence"
	"github.com/caselink/caselink/internal/ratelimit"
	"github.com/caselink/caselink/internal/store"
	"github.com/caselink/caselink/pkg/apperr"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

type Handler struct {
	authSvc  *auth.Service
	store    *store.Store
	engine   *chat.Engine
	registry *presence.Registry
	limiter  *ratelimit.SlidingWindow
	logger   *zap.SugaredLogger
}

func NewHandler(authSvc *auth.Service, st *store.Store, engine *chat.Engine,
	registry *presence.Registry, limiter *ratelimit.SlidingWindow, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		authSvc:  authSvc,
		store:    st,
		engine:   engine,
		registry: registry,
		limiter:  limiter,
		logger:   logger,
	}
}

// HandleWebSocket upgrades GET /ws?token=... into a chat session. Browsers
// cannot set headers on websocket requests, so the token rides in the query
// string.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	claims, err := h.authSvc.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	user, err := h.store.UserByID(claims.UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown user"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	sess := &session{
		userID:  user.ID,
		conn:    conn,
		handler: h,
		send:    make(chan any, sendBuffer),
		done:    make(chan struct{}),
	}

	h.registry.Connect(user.ID, sess)
	go sess.writePump()

	// Every connect announces online, additional devices included; offline
	// goes out only when the last connection closes.
	h.engine.BroadcastOnline(user.ID)

	h.logger.Infow("websocket connected", "user_id", user.ID)
	sess.readLoop()
}

type session struct {
	userID  string
	conn    *websocket.Conn
	handler *Handler

	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

// Enqueue hands a payload to the writer without blocking. A full buffer or a
// closed session is a transport failure; the registry evicts us in response.
func (s *session) Enqueue(payload any) error {
	select {
	case <-s.done:
		return apperr.Internal("session closed")
	default:
	}

	select {
	case s.send <- payload:
		return nil
	default:
		return apperr.Internal("send buffer full")
	}
}

func (s *session) readLoop() {
	defer s.teardown()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.handler.logger.Warnw("websocket read error", "user_id", s.userID, "error", err)
			}
			return
		}
		s.dispatch(data)
	}
}

// teardown runs exactly once per session, whether the peer closed cleanly,
// the read failed, or the registry evicted us.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		h := s.handler

		h.registry.Disconnect(s.userID, s)
		if !h.registry.IsOnline(s.userID) {
			h.limiter.Reset(s.userID)
			h.engine.BroadcastOffline(s.userID)
		}

		s.conn.Close()
		h.logger.Infow("websocket disconnected", "user_id", s.userID)
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.teardown()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteJSON(payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sendMessageEvent struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

type typingEvent struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type ackEvent struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// dispatch decodes one inbound frame and runs it through the engine. Failures
// never terminate the session: the sender gets a private error frame and the
// loop keeps reading.
func (s *session) dispatch(data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError("malformed frame")
		return
	}

	ctx := context.Background()
	switch env.Type {
	case chat.FrameMessage:
		var ev sendMessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.sendError("malformed message event")
			return
		}
		if _, err := s.handler.engine.SendMessage(ctx, s.userID, ev.ConversationID, ev.Content); err != nil {
			s.sendError(apperr.From(err).Message)
		}

	case chat.FrameTyping:
		var ev typingEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.sendError("malformed typing event")
			return
		}
		if err := s.handler.engine.Typing(s.userID, ev.ConversationID, ev.Typing); err != nil {
			s.sendError(apperr.From(err).Message)
		}

	case "ack":
		var ev ackEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			s.sendError("malformed ack event")
			return
		}
		if err := s.handler.engine.Acknowledge(s.userID, ev.MessageID, models.DeliveryStatus(ev.Status)); err != nil {
			s.sendError(apperr.From(err).Message)
		}

	default:
		s.sendError("unknown event type")
	}
}

func (s *session) sendError(message string) {
	// Best effort; a saturated buffer will get this session evicted anyway.
	_ = s.Enqueue(chat.ErrorFrame(message))
}

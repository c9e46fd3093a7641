package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/caselink/caselink/internal/auth"
	"github.com/caselink/caselink/internal/chat"
	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/internal/presence"
	"github.com/caselink/caselink/internal/ratelimit"
	"github.com/caselink/caselink/internal/store"
)

var handlersDBCounter int

type fixture struct {
	router *gin.Engine
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	handlersDBCounter++
	dsn := fmt.Sprintf("file:handlers_test_%d?mode=memory&cache=shared", handlersDBCounter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	log := zap.NewNop().Sugar()
	st := store.New(db, log)
	registry := presence.NewRegistry(log)
	limiter := ratelimit.NewSlidingWindow(100, 10*time.Second)
	authSvc := auth.New(db, "test-secret")

	engine := chat.NewEngine(st, registry, limiter, nil, nil, chat.Config{
		MaxMessageLength: 4000,
		MaxPageSize:      100,
	}, log)

	authHandler := NewAuthHandler(authSvc)
	chatHandler := NewChatHandler(engine, nil, log)

	router := gin.New()
	router.GET("/health", chatHandler.Health)
	router.POST("/api/auth/register", authHandler.Register)
	router.POST("/api/auth/login", authHandler.Login)

	api := router.Group("/api", authHandler.AuthMiddleware())
	api.POST("/conversations", chatHandler.CreateConversation)
	api.GET("/conversations", chatHandler.ListConversations)
	api.GET("/conversations/:id/messages", chatHandler.ListMessages)
	api.POST("/conversations/:id/messages", chatHandler.SendMessage)
	api.POST("/conversations/:id/attachments", chatHandler.UploadAttachment)
	api.POST("/messages/:id/ack", chatHandler.AcknowledgeMessage)
	api.POST("/push/subscriptions", chatHandler.SubscribePush)

	return &fixture{router: router, store: st}
}

func (fx *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	fx.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func (fx *fixture) registerUser(t *testing.T, username string) AuthResponse {
	t.Helper()
	w := fx.do(t, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "hunter22",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d body=%s", w.Code, w.Body.String())
	}
	var resp AuthResponse
	decode(t, w, &resp)
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	fx := newFixture(t)

	reg := fx.registerUser(t, "alice")
	if reg.Token == "" || reg.UserID == "" {
		t.Fatalf("incomplete register response: %+v", reg)
	}

	w := fx.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{
		Email:    "alice@example.com",
		Password: "hunter22",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d body=%s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{
		Email:    "alice@example.com",
		Password: "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", w.Code)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	fx := newFixture(t)
	fx.registerUser(t, "alice")

	w := fx.do(t, http.MethodPost, "/api/auth/register", "", RegisterRequest{
		Username: "alice2",
		Email:    "alice@example.com",
		Password: "hunter22",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCreateConversationIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")
	bob := fx.registerUser(t, "bob")

	w := fx.do(t, http.MethodPost, "/api/conversations", alice.Token,
		CreateConversationRequest{PeerID: bob.UserID})
	if w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d body=%s", w.Code, w.Body.String())
	}
	var first models.Conversation
	decode(t, w, &first)

	w = fx.do(t, http.MethodPost, "/api/conversations", bob.Token,
		CreateConversationRequest{PeerID: alice.UserID})
	if w.Code != http.StatusOK {
		t.Fatalf("second create status = %d, want 200", w.Code)
	}
	var second models.Conversation
	decode(t, w, &second)

	if first.ID != second.ID {
		t.Fatalf("conversation ids differ: %q vs %q", first.ID, second.ID)
	}
}

func TestSendAndListMessages(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")
	bob := fx.registerUser(t, "bob")

	w := fx.do(t, http.MethodPost, "/api/conversations", alice.Token,
		CreateConversationRequest{PeerID: bob.UserID})
	var conv models.Conversation
	decode(t, w, &conv)

	w = fx.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice.Token,
		SendMessageRequest{Content: "hello bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d body=%s", w.Code, w.Body.String())
	}

	w = fx.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", bob.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d body=%s", w.Code, w.Body.String())
	}
	var listed struct {
		Messages []chat.MessagePayload `json:"messages"`
	}
	decode(t, w, &listed)
	if len(listed.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(listed.Messages))
	}
	msg := listed.Messages[0]
	if msg.Content == nil || *msg.Content != "hello bob" {
		t.Fatalf("content = %v", msg.Content)
	}
	// Fetching history marked the message delivered to bob.
	if len(msg.Receipts) != 1 || msg.Receipts[0].DeliveredAt == nil {
		t.Fatalf("receipts = %+v", msg.Receipts)
	}
}

func TestSendMessageModeration(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")
	bob := fx.registerUser(t, "bob")

	w := fx.do(t, http.MethodPost, "/api/conversations", alice.Token,
		CreateConversationRequest{PeerID: bob.UserID})
	var conv models.Conversation
	decode(t, w, &conv)

	w = fx.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice.Token,
		SendMessageRequest{Content: "find me at https://offsite.example"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp struct {
		Code string `json:"code"`
	}
	decode(t, w, &resp)
	if resp.Code != "VALIDATION" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestNonParticipantGetsForbidden(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")
	bob := fx.registerUser(t, "bob")
	mallory := fx.registerUser(t, "mallory")

	w := fx.do(t, http.MethodPost, "/api/conversations", alice.Token,
		CreateConversationRequest{PeerID: bob.UserID})
	var conv models.Conversation
	decode(t, w, &conv)

	w = fx.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", mallory.Token, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestAcknowledgeEndpoint(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")
	bob := fx.registerUser(t, "bob")

	w := fx.do(t, http.MethodPost, "/api/conversations", alice.Token,
		CreateConversationRequest{PeerID: bob.UserID})
	var conv models.Conversation
	decode(t, w, &conv)

	w = fx.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice.Token,
		SendMessageRequest{Content: "please read"})
	var msg chat.MessagePayload
	decode(t, w, &msg)

	w = fx.do(t, http.MethodPost, "/api/messages/"+msg.ID+"/ack", bob.Token,
		AcknowledgeRequest{Status: "read"})
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d body=%s", w.Code, w.Body.String())
	}

	// The sender cannot acknowledge their own message.
	w = fx.do(t, http.MethodPost, "/api/messages/"+msg.ID+"/ack", alice.Token,
		AcknowledgeRequest{Status: "read"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("self-ack status = %d, want 403", w.Code)
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")
	bob := fx.registerUser(t, "bob")

	w := fx.do(t, http.MethodPost, "/api/conversations", alice.Token,
		CreateConversationRequest{PeerID: bob.UserID})
	var conv models.Conversation
	decode(t, w, &conv)

	var last *httptest.ResponseRecorder
	for i := 0; i < 101; i++ {
		last = fx.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", alice.Token,
			SendMessageRequest{Content: fmt.Sprintf("msg %d", i)})
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")
	bob := fx.registerUser(t, "bob")

	w := fx.do(t, http.MethodPost, "/api/conversations", alice.Token,
		CreateConversationRequest{PeerID: bob.UserID})
	var conv models.Conversation
	decode(t, w, &conv)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("caption", "no file here")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+conv.ID+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/api/conversations", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHealthReportsOnlineCount(t *testing.T) {
	fx := newFixture(t)

	w := fx.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Status      string `json:"status"`
		OnlineUsers int    `json:"online_users"`
	}
	decode(t, w, &resp)
	if resp.Status != "ok" || resp.OnlineUsers != 0 {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestSubscribePushUnavailableWithoutKeys(t *testing.T) {
	fx := newFixture(t)
	alice := fx.registerUser(t, "alice")

	w := fx.do(t, http.MethodPost, "/api/push/subscriptions", alice.Token, map[string]any{
		"endpoint": "https://push.example/ep",
		"keys":     map[string]string{"p256dh": "k", "auth": "a"},
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/auth"
	"github.com/RishabhIDS/d8-byte-app/internal/chatlist"
	"github.com/RishabhIDS/d8-byte-app/internal/chatview"
	"github.com/RishabhIDS/d8-byte-app/internal/config"
	"github.com/RishabhIDS/d8-byte-app/internal/models"
	"github.com/RishabhIDS/d8-byte-app/internal/presence"
	"github.com/RishabhIDS/d8-byte-app/internal/service"
	"github.com/RishabhIDS/d8-byte-app/internal/store/memstore"
	"github.com/RishabhIDS/d8-byte-app/internal/typing"
	"github.com/RishabhIDS/d8-byte-app/internal/ws"

	"github.com/gin-gonic/gin"
)

var testCfg = config.Config{Port: "0", JWTSecret: "secret", Env: "dev", AccessTokenTTLMinutes: 15}

type testServer struct {
	engine    *gin.Engine
	summaries *memstore.Summaries
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	profiles := memstore.NewProfiles(
		models.User{ID: "u1", DisplayName: "Ana"},
		models.User{ID: "u2", DisplayName: "Ben"},
	)
	summaries := memstore.NewSummaries()
	bots, err := chatlist.LoadBots("")
	if err != nil {
		t.Fatal(err)
	}
	profileSvc := service.NewProfileService(profiles)
	messages := service.NewMessageService(memstore.NewMessages(), summaries, bots)
	matches := service.NewMatchService(memstore.NewMatches())
	tc := typing.NewChannel(typing.NewMemoryStore())
	tracker := presence.NewTracker(presence.NewMemoryStore(time.Minute), profiles, time.Minute)
	deb := typing.NewDebouncer(tc, 5*time.Second)
	t.Cleanup(deb.Stop)

	engine := SetupRouter(testCfg, Deps{
		Profiles: profileSvc,
		Messages: messages,
		Matches:  matches,
		ChatList: chatlist.NewAggregator(summaries, profiles, bots),
		Opener:   chatview.NewOpener(messages, profileSvc, tc, tracker, matches),
		Typing:   deb,
		Presence: tracker,
		Hub:      ws.NewHub(),
	})
	return testServer{engine: engine, summaries: summaries}
}

func (s testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := auth.GenerateAccessToken(user, "", testCfg.JWTSecret, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" || body["connections"] != float64(0) {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/api/v1/chats", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAPI_SendAndList(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/conversations/u2/messages", "u1", gin.H{"text": "hi"})
	if w.Code != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	sent := decode[struct{ Message models.Message }](t, w)
	if sent.Message.ConversationID != "u1_u2" {
		t.Errorf("send: conversation = %q", sent.Message.ConversationID)
	}

	w = s.do(t, http.MethodGet, "/api/v1/chats", "u2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("chats: expected 200, got %d", w.Code)
	}
	list := decode[struct{ Chats []models.ChatEntry }](t, w)
	if len(list.Chats) != 4 {
		t.Fatalf("chats: got %d entries, want 1 human + 3 bots", len(list.Chats))
	}
	if e := list.Chats[0]; e.ID != "u1" || e.UnreadCount != 1 || e.LastMessage != "hi" {
		t.Errorf("chats: first entry = %+v", e)
	}

	w = s.do(t, http.MethodGet, "/api/v1/chats?q=an", "u2", nil)
	list = decode[struct{ Chats []models.ChatEntry }](t, w)
	if len(list.Chats) != 1 || list.Chats[0].Name != "Ana" {
		t.Errorf("chats?q=an = %+v", list.Chats)
	}

	w = s.do(t, http.MethodGet, "/api/v1/conversations/u1", "u2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("conversation: expected 200, got %d", w.Code)
	}
	detail := decode[struct{ Chat chatview.Snapshot }](t, w)
	if len(detail.Chat.Groups) != 1 || !detail.Chat.Groups[0].Messages[0].Seen {
		t.Errorf("conversation: groups = %+v", detail.Chat.Groups)
	}

	w = s.do(t, http.MethodGet, "/api/v1/chats", "u2", nil)
	list = decode[struct{ Chats []models.ChatEntry }](t, w)
	if list.Chats[0].UnreadCount != 0 {
		t.Errorf("unread after open = %d, want 0", list.Chats[0].UnreadCount)
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"empty text", http.MethodPost, "/api/v1/conversations/u2/messages", gin.H{"text": "   "}, http.StatusBadRequest},
		{"missing text", http.MethodPost, "/api/v1/conversations/u2/messages", gin.H{}, http.StatusBadRequest},
		{"message to self", http.MethodPost, "/api/v1/conversations/u1/messages", gin.H{"text": "hi"}, http.StatusBadRequest},
		{"message to bot", http.MethodPost, "/api/v1/conversations/bot-aria/messages", gin.H{"text": "hi"}, http.StatusBadRequest},
		{"unknown peer", http.MethodGet, "/api/v1/conversations/u9", nil, http.StatusNotFound},
		{"bad peer id", http.MethodGet, "/api/v1/conversations/a_b", nil, http.StatusBadRequest},
		{"like unknown", http.MethodPost, "/api/v1/users/u9/like", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, "u1", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPI_SummaryOutageReturnsAccepted(t *testing.T) {
	s := newTestServer(t)
	s.summaries.Fail = errors.New("down")
	w := s.do(t, http.MethodPost, "/api/v1/conversations/u2/messages", "u1", gin.H{"text": "hi"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	s.summaries.Fail = nil
}

func TestAPI_TypingAndPresence(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPut, "/api/v1/conversations/u2/typing", "u1", gin.H{"text": "he"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("typing: expected 204, got %d", w.Code)
	}
	w = s.do(t, http.MethodGet, "/api/v1/conversations/u1", "u2", nil)
	detail := decode[struct{ Chat chatview.Snapshot }](t, w)
	if detail.Chat.Header != chatview.StatusTyping {
		t.Errorf("header while typing = %q", detail.Chat.Header)
	}

	w = s.do(t, http.MethodGet, "/api/v1/users/u2/presence", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("presence: expected 200, got %d", w.Code)
	}
	p := decode[struct {
		Presence models.PresenceState
		Header   string
	}](t, w)
	if p.Presence.Online() || p.Header != chatview.StatusOffline {
		t.Errorf("presence = %+v", p)
	}
}

func TestAPI_LikeGate(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/v1/users/u2/like", "u1", nil)
	if m := decode[struct{ Mutual bool }](t, w); m.Mutual {
		t.Error("one-sided like reported mutual")
	}
	w = s.do(t, http.MethodPost, "/api/v1/users/u1/like", "u2", nil)
	if m := decode[struct{ Mutual bool }](t, w); !m.Mutual {
		t.Error("mutual like not reported")
	}
	w = s.do(t, http.MethodGet, "/api/v1/conversations/u2", "u1", nil)
	if d := decode[struct{ Chat chatview.Snapshot }](t, w); !d.Chat.CanChat {
		t.Error("CanChat = false after mutual like")
	}
}

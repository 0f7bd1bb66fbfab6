package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/signalhub/signalhub/internal/authtoken"
	"github.com/signalhub/signalhub/internal/frame"
	"github.com/signalhub/signalhub/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHub(developmentMode bool) *Hub {
	return New(Config{
		Verifier:           authtoken.NewVerifier("01234567890123456789012345678901", time.Minute),
		Registry:           registry.New(),
		AllowedOrigins:     []string{"http://good.example"},
		DevelopmentMode:    developmentMode,
		MaxFrameBytes:      65536,
		HeartbeatInterval:  time.Hour,
		HeartbeatMaxMissed: 3,
	})
}

func TestServeWsRejectsDisallowedOrigin(t *testing.T) {
	hub := newTestHub(false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/ws?token=x", nil)
	c.Request.Header.Set("Origin", "http://evil.example")

	hub.ServeWs(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestServeWsRejectsMissingToken(t *testing.T) {
	hub := newTestHub(false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/ws", nil)
	c.Request.Header.Set("Origin", "http://good.example")

	hub.ServeWs(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestServeWsRejectsInvalidToken(t *testing.T) {
	hub := newTestHub(false)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	c.Request.Header.Set("Origin", "http://good.example")

	hub.ServeWs(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestServeWsUpgradeSucceedsAndSendsConnected(t *testing.T) {
	hub := newTestHub(false)
	verifier := authtoken.NewVerifier("01234567890123456789012345678901", time.Minute)
	token, err := verifier.Issue("user-1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := gin.CreateTestContext(w)
		c.Request = r
		hub.ServeWs(c)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	header := http.Header{}
	header.Set("Origin", "http://good.example")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v (resp=%v)", err, resp)
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var out frame.Outbound
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("failed to decode connected frame: %v", err)
	}
	if out.Type != frame.TypeConnected {
		t.Errorf("Type = %q, want %q", out.Type, frame.TypeConnected)
	}
}

func TestServeWsDevelopmentModeBypassesAuth(t *testing.T) {
	hub := newTestHub(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := gin.CreateTestContext(w)
		c.Request = r
		hub.ServeWs(c)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed in development mode: %v", err)
	}
	defer conn.Close()
}

func TestServeWsDevelopmentModeHonorsQueryUserID(t *testing.T) {
	hub := newTestHub(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := gin.CreateTestContext(w)
		c.Request = r
		hub.ServeWs(c)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?userId=alice&roomId=room-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed in development mode: %v", err)
	}
	defer conn.Close()

	if _, ok := hub.ByUserID("alice"); !ok {
		t.Error("expected dev-mode connection to register under the query userId \"alice\"")
	}
}

func TestServeWsReconnectEvictsStaleConnection(t *testing.T) {
	hub := newTestHub(false)
	verifier := authtoken.NewVerifier("01234567890123456789012345678901", time.Minute)
	token, err := verifier.Issue("user-1", "")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := gin.CreateTestContext(w)
		c.Request = r
		hub.ServeWs(c)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	header := http.Header{}
	header.Set("Origin", "http://good.example")

	first, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("first dial failed: %v", err)
	}
	defer first.Close()
	if _, _, err := first.ReadMessage(); err != nil {
		t.Fatalf("first connected frame read failed: %v", err)
	}

	second, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("second dial failed: %v", err)
	}
	defer second.Close()
	if _, _, err := second.ReadMessage(); err != nil {
		t.Fatalf("second connected frame read failed: %v", err)
	}

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("expected the stale first connection to be closed after reconnect")
	}
}

func TestValidateOriginAllowsEmptyOrigin(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	if err := validateOrigin(r, []string{"http://good.example"}); err != nil {
		t.Errorf("expected no-origin request to be allowed, got %v", err)
	}
}

func TestValidateOriginRejectsMismatch(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://evil.example")
	if err := validateOrigin(r, []string{"http://good.example"}); err == nil {
		t.Error("expected mismatched origin to be rejected")
	}
}

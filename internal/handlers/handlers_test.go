package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"agentworks/internal/channel"
	"agentworks/internal/hub"
	"agentworks/internal/protocol"
	"agentworks/pkg/testutil"
)

var jwtHelper = testutil.NewJWTTestHelper()

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := hub.NewHub(logger, nil, hub.DefaultConfig())
	handlers := NewSemaphoreHandlers(h, nil, logger, string(jwtHelper.Secret))

	router := gin.New()
	router.GET("/ws", handlers.HandleWebSocket)
	router.GET("/hub/stats", handlers.HandleStats)
	router.POST("/hub/publish", handlers.HandlePublish)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := testutil.AdminTestUser().GenerateJWT(jwtHelper)
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	return token
}

func userToken(t *testing.T, userID string, workspaceIDs []string) string {
	t.Helper()
	token, err := jwtHelper.GenerateValidJWT(userID, workspaceIDs, "user")
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}
	return token
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame did not decode: %v (%s)", err, data)
	}
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readConnected(t *testing.T, conn *websocket.Conn) (connectionID string) {
	t.Helper()
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeConnected {
		t.Fatalf("first frame = %v, want connected", frame["type"])
	}
	caps := frame["capabilities"].(map[string]interface{})
	if caps["backfill"] != true || caps["acknowledgment"] != true {
		t.Fatalf("capabilities = %v", caps)
	}
	if frame["heartbeatIntervalMs"].(float64) <= 0 {
		t.Fatal("heartbeatIntervalMs missing")
	}
	return frame["connectionId"].(string)
}

func TestGuestPreSeededSubscriptionDropped(t *testing.T) {
	srv, h := newTestServer(t)

	seed := url.QueryEscape(`{"agent:output:agent-1":"cursor_1"}`)
	conn := dial(t, srv, "?subscriptions="+seed)

	connectionID := readConnected(t, conn)
	expectNoFrame(t, conn)

	subs, ok := h.Subscriptions(connectionID)
	if !ok {
		t.Fatal("connection not registered")
	}
	if len(subs) != 0 {
		t.Fatalf("guest subscriptions = %v, want none", subs)
	}
}

func TestAdminPreSeededSubscriptionPreserved(t *testing.T) {
	srv, h := newTestServer(t)

	seed := url.QueryEscape(`{"agent:output:agent-1":"cursor_1"}`)
	conn := dial(t, srv, "?token="+adminToken(t)+"&subscriptions="+seed)

	connectionID := readConnected(t, conn)

	// A ping round trip guarantees the pre-seeded subscriptions have been
	// registered before the hub state is inspected.
	sendFrame(t, conn, map[string]interface{}{"type": "ping", "timestamp": 1})
	if frame := readFrame(t, conn); frame["type"] != protocol.TypePong {
		t.Fatalf("frame = %v, want pong", frame)
	}

	subs, _ := h.Subscriptions(connectionID)
	if subs["agent:output:agent-1"] != "cursor_1" {
		t.Fatalf("subscriptions = %v, want agent:output:agent-1 at cursor_1", subs)
	}
}

func TestExpiredTokenDegradesToGuest(t *testing.T) {
	srv, h := newTestServer(t)
	token, err := jwtHelper.GenerateExpiredJWT("u-1", nil, "admin")
	if err != nil {
		t.Fatalf("token generation failed: %v", err)
	}

	conn := dial(t, srv, "?token="+token+"&channels=system:health")
	connectionID := readConnected(t, conn)

	subs, _ := h.Subscriptions(connectionID)
	if len(subs) != 0 {
		t.Fatalf("expired token retained subscriptions: %v", subs)
	}
}

func TestSubscribeFromZeroReplaysThenConfirms(t *testing.T) {
	srv, h := newTestServer(t)
	ch, _ := channel.Parse("agent:output:agent-1")
	a := h.Publish(ch, "output", json.RawMessage(`{"line":"a"}`), nil)
	b := h.Publish(ch, "output", json.RawMessage(`{"line":"b"}`), nil)

	conn := dial(t, srv, "?token="+adminToken(t))
	connectionID := readConnected(t, conn)

	sendFrame(t, conn, map[string]string{"type": "subscribe", "channel": "agent:output:agent-1", "cursor": "0"})

	for _, want := range []string{a.ID, b.ID} {
		frame := readFrame(t, conn)
		if frame["type"] != protocol.TypeMessage {
			t.Fatalf("frame = %v, want message", frame)
		}
		msg := frame["message"].(map[string]interface{})
		if msg["id"] != want {
			t.Fatalf("message id = %v, want %s", msg["id"], want)
		}
	}

	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeSubscribed || frame["cursor"] != b.Cursor {
		t.Fatalf("subscribed frame = %v, want cursor %s", frame, b.Cursor)
	}

	subs, _ := h.Subscriptions(connectionID)
	if subs["agent:output:agent-1"] != b.Cursor {
		t.Fatalf("stored cursor = %v, want %s", subs["agent:output:agent-1"], b.Cursor)
	}
}

func TestSubscribeDeniedKeepsConnectionOpen(t *testing.T) {
	srv, h := newTestServer(t)
	conn := dial(t, srv, "?token="+userToken(t, "u-1", nil))
	connectionID := readConnected(t, conn)

	sendFrame(t, conn, map[string]string{"type": "subscribe", "channel": "system:health"})
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeError || frame["code"] != protocol.CodeSubscriptionDenied {
		t.Fatalf("frame = %v, want %s error", frame, protocol.CodeSubscriptionDenied)
	}
	if frame["channel"] != "system:health" {
		t.Fatalf("error channel = %v", frame["channel"])
	}

	subs, _ := h.Subscriptions(connectionID)
	if len(subs) != 0 {
		t.Fatalf("denied subscribe left state: %v", subs)
	}

	// The connection survives the denial.
	sendFrame(t, conn, map[string]interface{}{"type": "ping", "timestamp": 7})
	if frame := readFrame(t, conn); frame["type"] != protocol.TypePong {
		t.Fatalf("frame = %v, want pong", frame)
	}
}

func TestMalformedFrameReportsInvalidFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "?token="+adminToken(t))
	readConnected(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeError || frame["code"] != protocol.CodeInvalidFormat {
		t.Fatalf("frame = %v, want %s error", frame, protocol.CodeInvalidFormat)
	}
}

func TestSubscribeUnknownChannel(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "?token="+adminToken(t))
	readConnected(t, conn)

	sendFrame(t, conn, map[string]string{"type": "subscribe", "channel": "bogus:kind:id"})
	frame := readFrame(t, conn)
	if frame["code"] != protocol.CodeInvalidChannel {
		t.Fatalf("frame = %v, want %s error", frame, protocol.CodeInvalidChannel)
	}
}

func TestPingReportsSubscriptions(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, "?token="+adminToken(t))
	readConnected(t, conn)

	sendFrame(t, conn, map[string]string{"type": "subscribe", "channel": "workspace:git:ws-1", "cursor": "0"})
	if frame := readFrame(t, conn); frame["type"] != protocol.TypeSubscribed {
		t.Fatalf("frame = %v, want subscribed", frame)
	}

	sendFrame(t, conn, map[string]interface{}{"type": "ping", "timestamp": 1712345})
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypePong {
		t.Fatalf("frame = %v, want pong", frame)
	}
	if frame["timestamp"].(float64) != 1712345 {
		t.Fatalf("timestamp = %v", frame["timestamp"])
	}
	subs := frame["subscriptions"].([]interface{})
	if len(subs) != 1 || subs[0] != "workspace:git:ws-1" {
		t.Fatalf("subscriptions = %v", subs)
	}
}

func TestUnsubscribeConfirms(t *testing.T) {
	srv, h := newTestServer(t)
	conn := dial(t, srv, "?token="+adminToken(t))
	connectionID := readConnected(t, conn)

	sendFrame(t, conn, map[string]string{"type": "subscribe", "channel": "workspace:git:ws-1", "cursor": "0"})
	readFrame(t, conn)

	sendFrame(t, conn, map[string]string{"type": "unsubscribe", "channel": "workspace:git:ws-1"})
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeUnsubscribed || frame["channel"] != "workspace:git:ws-1" {
		t.Fatalf("frame = %v, want unsubscribed", frame)
	}
	subs, _ := h.Subscriptions(connectionID)
	if len(subs) != 0 {
		t.Fatalf("subscriptions = %v, want empty", subs)
	}
}

func TestBackfillResponse(t *testing.T) {
	srv, h := newTestServer(t)
	ch, _ := channel.Parse("workspace:git:ws-1")
	for i := 0; i < 3; i++ {
		h.Publish(ch, "git", json.RawMessage(`{}`), nil)
	}

	conn := dial(t, srv, "?token="+adminToken(t))
	readConnected(t, conn)

	sendFrame(t, conn, map[string]interface{}{
		"type": "backfill", "channel": "workspace:git:ws-1", "fromCursor": "0", "limit": 2,
	})
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeBackfillResponse {
		t.Fatalf("frame = %v, want backfill_response", frame)
	}
	messages := frame["messages"].([]interface{})
	if len(messages) != 2 || frame["hasMore"] != true {
		t.Fatalf("messages = %d, hasMore = %v", len(messages), frame["hasMore"])
	}
}

func TestAckRoundTrip(t *testing.T) {
	srv, h := newTestServer(t)
	conn := dial(t, srv, "?token="+adminToken(t))
	connectionID := readConnected(t, conn)

	sendFrame(t, conn, map[string]string{"type": "subscribe", "channel": "workspace:conflicts:w1", "cursor": "0"})
	if frame := readFrame(t, conn); frame["type"] != protocol.TypeSubscribed {
		t.Fatalf("frame = %v, want subscribed", frame)
	}

	ch, _ := channel.Parse("workspace:conflicts:w1")
	msg := h.Publish(ch, "conflict", json.RawMessage(`{}`), nil)

	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeMessage || frame["ackRequired"] != true {
		t.Fatalf("frame = %v, want ack-required message", frame)
	}

	sendFrame(t, conn, map[string]interface{}{"type": "ack", "messageIds": []string{msg.ID}})
	frame = readFrame(t, conn)
	if frame["type"] != protocol.TypeAckResponse || frame["acked"].(float64) != 1 {
		t.Fatalf("frame = %v, want ack_response with acked 1", frame)
	}
	if h.PendingAckCount(connectionID) != 0 {
		t.Fatal("pending ack not cleared")
	}
}

func TestReconnectFrame(t *testing.T) {
	srv, h := newTestServer(t)
	ch, _ := channel.Parse("user:notifications:u1")
	m1 := h.Publish(ch, "notify", json.RawMessage(`{}`), nil)
	m2 := h.Publish(ch, "notify", json.RawMessage(`{}`), nil)

	conn := dial(t, srv, "?token="+userToken(t, "u1", nil))
	readConnected(t, conn)

	sendFrame(t, conn, map[string]interface{}{
		"type":    "reconnect",
		"cursors": map[string]string{"user:notifications:u1": m1.Cursor},
	})
	frame := readFrame(t, conn)
	if frame["type"] != protocol.TypeReconnectAck {
		t.Fatalf("frame = %v, want reconnect_ack", frame)
	}
	channels := frame["channels"].([]interface{})
	if len(channels) != 1 {
		t.Fatalf("channels = %v", channels)
	}
	result := channels[0].(map[string]interface{})
	if result["resumed"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["ackRequired"] != true {
		t.Fatalf("result = %v, want the ack-required flag on user:notifications", result)
	}
	missed := result["missedMessages"].([]interface{})
	if len(missed) != 1 {
		t.Fatalf("missed = %v, want just the second message", missed)
	}
	if missed[0].(map[string]interface{})["id"] != m2.ID {
		t.Fatalf("missed id = %v, want %s", missed[0], m2.ID)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, h := newTestServer(t)
	ch, _ := channel.Parse("agent:output:a-1")
	h.Publish(ch, "output", json.RawMessage(`{}`), nil)

	resp, err := http.Get(srv.URL + "/hub/stats")
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var stats map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if _, ok := stats["total_connections"]; !ok {
		t.Fatalf("stats = %v", stats)
	}
}

func TestPublishEndpoint(t *testing.T) {
	srv, h := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"channel": "workspace:git:ws-1",
		"type":    "git",
		"payload": map[string]string{"ref": "main"},
	})
	resp, err := http.Post(srv.URL+"/hub/publish", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("publish request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ch, _ := channel.Parse("workspace:git:ws-1")
	result := h.Replay(ch, "0", 0)
	if len(result.Messages) != 1 || result.Messages[0].Type != "git" {
		t.Fatalf("replay after publish = %+v", result)
	}
}

func TestPublishEndpointRejectsInvalidChannel(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"channel": "nope", "type": "x"})
	resp, err := http.Post(srv.URL+"/hub/publish", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("publish request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

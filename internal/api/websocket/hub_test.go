package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"guild-console/internal/access"
	"guild-console/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	testSecret     = "u8Qm2Zr7Kp4Wx9Lb3Nc6Vd1Hf5Tg0Js2Ay"
	testPeerSecret = "peer-7Kq2mZ9xWb4Lr8Nd"
)

type fakeAuthz struct {
	mu    sync.Mutex
	allow map[string]bool
	err   error
	calls int
}

func (f *fakeAuthz) Authorize(_ context.Context, _ auth.Principal, guildID string, _ bool) (access.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return access.Verdict{}, f.err
	}
	if f.allow[guildID] {
		return access.Verdict{Authorized: true, Justification: access.JustExplicitGrant}, nil
	}
	return access.Verdict{Justification: access.JustInsufficientPrivilege}, nil
}

func (f *fakeAuthz) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAuthz) set(guildID string, ok bool) {
	f.mu.Lock()
	f.allow[guildID] = ok
	f.mu.Unlock()
}

func newTestHub(t *testing.T, opts Options) (*Hub, *fakeAuthz, *auth.Verifier) {
	t.Helper()
	v, err := auth.NewVerifier(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	authz := &fakeAuthz{allow: map[string]bool{"1": true, "2": true}}
	return NewHub(v, authz, opts), authz, v
}

func principal(ttl time.Duration) *auth.Principal {
	now := time.Now()
	return &auth.Principal{UserID: "42", Role: auth.RoleViewer, IssuedAt: now, ExpiresAt: now.Add(ttl)}
}

type frame struct {
	Type    string          `json:"type"`
	GuildID string          `json:"guildId"`
	Data    json.RawMessage `json:"data"`
}

func drain(c *Conn) []frame {
	var out []frame
	for {
		select {
		case raw := <-c.queue:
			var f frame
			if err := json.Unmarshal(raw, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func TestBroadcastReachesOnlySubscribers(t *testing.T) {
	h, _, _ := newTestHub(t, Options{})
	ctx := context.Background()

	a := h.Attach(principal(time.Hour), []string{"1", "2"})
	b := h.Attach(principal(time.Hour), []string{"2"})
	peer := h.Attach(nil, nil)
	idle := h.Attach(principal(time.Hour), []string{"1"})

	if err := h.Subscribe(ctx, a, "1"); err != nil {
		t.Fatal(err)
	}
	if err := h.Subscribe(ctx, b, "2"); err != nil {
		t.Fatal(err)
	}

	if n := h.Broadcast("1", "config_confirmation", map[string]string{"message": "x"}); n != 2 {
		t.Fatalf("guild broadcast reached %d connections, want 2", n)
	}
	if got := drain(a); len(got) != 1 || got[0].GuildID != "1" || got[0].Type != "config_confirmation" {
		t.Fatalf("subscriber frames = %+v", got)
	}
	if len(drain(b)) != 0 || len(drain(idle)) != 0 {
		t.Fatal("event leaked to a connection not subscribed to the guild")
	}
	if len(drain(peer)) != 1 {
		t.Fatal("server peer should receive every event")
	}

	if n := h.Broadcast("", TypeBotEvent, nil); n != 2 {
		t.Fatalf("global broadcast reached %d connections, want 2", n)
	}
	if len(drain(idle)) != 1 || len(drain(peer)) != 1 {
		t.Fatal("global events go to unsubscribed connections and peers")
	}
	if len(drain(a)) != 0 || len(drain(b)) != 0 {
		t.Fatal("subscribed connections must not receive global events")
	}
}

func TestSubscribeChecksAccessEveryTime(t *testing.T) {
	h, authz, _ := newTestHub(t, Options{})
	ctx := context.Background()
	c := h.Attach(principal(time.Hour), []string{"1"})

	if err := h.Subscribe(ctx, c, "2"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("guild outside the handshake set: got %v", err)
	}
	if err := h.Subscribe(ctx, c, "1"); err != nil {
		t.Fatal(err)
	}

	authz.set("1", false)
	if err := h.Subscribe(ctx, c, "1"); !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("revoked access: got %v", err)
	}
	if len(c.Subscriptions()) != 0 {
		t.Fatal("revoked guild should be removed from the subscriptions")
	}
	authz.set("1", true)
	if err := h.Subscribe(ctx, c, "1"); !errors.Is(err, ErrNotAllowed) {
		t.Fatal("a revoked guild stays out of the allowed set for the connection")
	}

	authz.fail(errors.New("discord down"))
	other := h.Attach(principal(time.Hour), []string{"2"})
	if err := h.Subscribe(ctx, other, "2"); err == nil || errors.Is(err, ErrNotAllowed) {
		t.Fatalf("source failure must surface as an error, got %v", err)
	}
}

func TestSubscribeWithExpiredSessionTerminates(t *testing.T) {
	h, _, _ := newTestHub(t, Options{})
	c := h.Attach(principal(-time.Second), []string{"1"})

	if err := h.Subscribe(context.Background(), c, "1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
	if h.Count() != 0 {
		t.Fatal("expired connection should be removed")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("expired connection should be closed")
	}
}

func TestSlowReaderDropsOldest(t *testing.T) {
	h, _, _ := newTestHub(t, Options{QueueSize: 2})
	c := h.Attach(nil, nil)

	for i := 1; i <= 3; i++ {
		h.Broadcast("1", "n", i)
	}
	got := drain(c)
	if len(got) != 2 || string(got[0].Data) != "2" || string(got[1].Data) != "3" {
		t.Fatalf("frames = %+v, want the two newest", got)
	}
}

func TestSweepTerminatesUnresponsive(t *testing.T) {
	h, _, _ := newTestHub(t, Options{})
	responsive := h.Attach(principal(time.Hour), nil)
	silent := h.Attach(principal(time.Hour), nil)
	expiring := h.Attach(principal(time.Minute), nil)

	now := time.Now()
	if n := h.Sweep(now); n != 0 {
		t.Fatalf("first sweep terminated %d", n)
	}
	responsive.MarkAlive()
	expiring.MarkAlive()

	if n := h.Sweep(now.Add(2 * time.Minute)); n != 2 {
		t.Fatalf("second sweep terminated %d, want 2", n)
	}
	if h.Count() != 1 {
		t.Fatalf("count = %d", h.Count())
	}
	select {
	case <-silent.Done():
	default:
		t.Fatal("silent connection should be closed")
	}
	select {
	case <-responsive.Done():
		t.Fatal("responsive connection should stay open")
	default:
	}
}

func TestServeClosesConnectionsOnShutdown(t *testing.T) {
	h, _, _ := newTestHub(t, Options{PingInterval: time.Hour})
	c := h.Attach(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("connection left open after shutdown")
	}
}

func newTestServer(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", h.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHandshakeRejectsBeforeUpgrade(t *testing.T) {
	h, authz, v := newTestHub(t, Options{PeerSecret: testPeerSecret, CookieName: "console_session"})
	srv := newTestServer(t, h)
	token, _, err := v.Issue("42", auth.RoleViewer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		query  string
		header http.Header
		want   int
	}{
		{"no token", "", nil, http.StatusUnauthorized},
		{"garbage token", "?token=abc", nil, http.StatusUnauthorized},
		{"wrong peer secret", "", http.Header{PeerSecretHeader: {"nope"}}, http.StatusUnauthorized},
		{"denied guild", "?token=" + token + "&guild=1&guild=3", nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/ws"+tc.query, nil)
			for k, vs := range tc.header {
				req.Header[k] = vs
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	authz.fail(errors.New("discord down"))
	resp, err := http.Get(srv.URL + "/ws?token=" + token + "&guild=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func readFrame(t *testing.T, c *websocket.Conn) frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestLiveSessionEndToEnd(t *testing.T) {
	h, _, v := newTestHub(t, Options{PeerSecret: testPeerSecret})
	var (
		mu        sync.Mutex
		forwarded []string
	)
	h.OnPeerEvent = func(guildID, event string, _ json.RawMessage) {
		mu.Lock()
		forwarded = append(forwarded, guildID+":"+event)
		mu.Unlock()
	}
	srv := newTestServer(t, h)
	token, _, _ := v.Issue("42", auth.RoleViewer, time.Hour)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?guild=1"),
		http.Header{"Authorization": {"Bearer " + token}, "Sec-WebSocket-Protocol": {Subprotocol}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if resp.Header.Get("Sec-WebSocket-Protocol") != Subprotocol {
		t.Fatalf("sub-protocol not echoed: %q", resp.Header.Get("Sec-WebSocket-Protocol"))
	}

	if err := client.WriteJSON(Message{Type: TypeSubscribe, GuildID: "1"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, client); f.Type != TypeSubscribed || f.GuildID != "1" {
		t.Fatalf("got %+v, want subscribed", f)
	}
	if err := client.WriteJSON(Message{Type: TypeSubscribe, GuildID: "2"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, client); f.Type != TypeError {
		t.Fatalf("guild outside the handshake set: got %+v", f)
	}
	if err := client.WriteJSON(Message{Type: TypePublish, GuildID: "1", Event: "spoof"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, client); f.Type != TypeError {
		t.Fatalf("browser publish should be refused: %+v", f)
	}

	peer, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), http.Header{PeerSecretHeader: {testPeerSecret}})
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer peer.Close()
	if err := peer.WriteJSON(Message{Type: TypePublish, GuildID: "1", Event: "member_banned", Data: json.RawMessage(`{"user":"7"}`)}); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, client)
	if f.Type != TypeBotEvent || f.GuildID != "1" || !strings.Contains(string(f.Data), "member_banned") {
		t.Fatalf("got %+v, want the peer event", f)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 1 || forwarded[0] != "1:member_banned" {
		t.Fatalf("forwarded = %v", forwarded)
	}
}

func TestSubscribeFrameKeys(t *testing.T) {
	h, _, v := newTestHub(t, Options{})
	srv := newTestServer(t, h)
	token, _, _ := v.Issue("42", auth.RoleViewer, time.Hour)

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?guild=1&guild=2"),
		http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	frames := []struct {
		raw   string
		guild string
	}{
		{`{"type":"subscribe","guildId":"1"}`, "1"},
		{`{"type":"subscribe","tenantId":"2"}`, "2"},
	}
	for _, tc := range frames {
		if err := client.WriteMessage(websocket.TextMessage, []byte(tc.raw)); err != nil {
			t.Fatal(err)
		}
		_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, raw, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !strings.Contains(string(raw), `"guildId":"`+tc.guild+`"`) {
			t.Fatalf("%s: reply %s does not carry guildId", tc.raw, raw)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatal(err)
		}
		if f.Type != TypeSubscribed || f.GuildID != tc.guild {
			t.Fatalf("%s: got %+v, want subscribed", tc.raw, f)
		}
	}
}

func TestHandshakeRejectsCrossOrigin(t *testing.T) {
	h, _, v := newTestHub(t, Options{PeerSecret: testPeerSecret})
	srv := newTestServer(t, h)
	token, _, err := v.Issue("42", auth.RoleViewer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	bearer := "Bearer " + token

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "?guild=1"),
		http.Header{"Authorization": {bearer}, "Origin": {"https://evil.example"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross origin without an allow-list: err = %v", err)
	}

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "?guild=1"),
		http.Header{"Authorization": {bearer}, "Origin": {srv.URL}})
	if err != nil {
		t.Fatalf("same origin: %v", err)
	}
	client.Close()
}

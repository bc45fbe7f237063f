package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callboard-io/callboard/internal/auth"
	"github.com/callboard-io/callboard/internal/config"
	"github.com/callboard-io/callboard/internal/presence"
	"github.com/callboard-io/callboard/internal/store"
	"github.com/callboard-io/callboard/pkg/protocol"
)

func setupServer(t *testing.T) (*httptest.Server, *auth.Service, *presence.Gateway) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:         ":0",
			MaxBodyBytes: 1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	gw := presence.New(authSvc, slog.Default(), presence.Options{})
	srv := NewServer(s, authSvc, authSvc, gw, cfg, slog.Default())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, authSvc, gw
}

// waitForConns polls the gateway registry until it holds want connections.
func waitForConns(t *testing.T, gw *presence.Gateway, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gw.Size() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry size did not reach %d (got %d)", want, gw.Size())
}

// seedLogin registers a user and returns a valid token for it.
func seedLogin(t *testing.T, authSvc *auth.Service, username, role string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, username, "testpassword123", role); err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doRequest(t *testing.T, method, url, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func TestHealthEndpoints(t *testing.T) {
	ts, _, _ := setupServer(t)

	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", resp.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	seedLogin(t, authSvc, "alice", "agent")

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice", "password": "testpassword123",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["token"] == "" {
		t.Error("expected a token in the response")
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"username": "alice", "password": "wrong-password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", resp.StatusCode)
	}
}

func TestGetMe(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	token := seedLogin(t, authSvc, "bob", "supervisor")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var me map[string]string
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatal(err)
	}
	if me["username"] != "bob" || me["role"] != "supervisor" {
		t.Errorf("unexpected identity: %v", me)
	}

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func TestRoleGates(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	agentToken := seedLogin(t, authSvc, "agent1", "agent")
	supToken := seedLogin(t, authSvc, "sup1", "supervisor")

	// Agents cannot see presence.
	resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/presence", agentToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("agent on /api/presence: expected 403, got %d", resp.StatusCode)
	}
	// Supervisors can.
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/presence", supToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("supervisor on /api/presence: expected 200, got %d", resp.StatusCode)
	}

	// Supervisors cannot mutate back-office config.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/trunks", supToken, map[string]any{
		"name": "t1", "host": "sip.example.com",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("supervisor on POST /api/trunks: expected 403, got %d", resp.StatusCode)
	}

	// Supervisors cannot manage users.
	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/users", supToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("supervisor on /api/users: expected 403, got %d", resp.StatusCode)
	}
}

func TestTrunkLifecycle(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	adminToken := seedLogin(t, authSvc, "admin1", "admin")

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/trunks", adminToken, map[string]any{
		"name": "carrier-a", "host": "sip.carrier-a.example.com", "username": "acct1", "secret": "s3cret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created store.Trunk
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Port != 5060 || !created.Active {
		t.Errorf("unexpected trunk: %+v", created)
	}
	// The secret must not leak through the API.
	if strings.Contains(string(body), "s3cret") {
		t.Error("trunk secret leaked in response")
	}

	resp, body = doRequest(t, http.MethodPut, ts.URL+"/api/trunks/"+created.ID, adminToken, map[string]any{
		"name": "carrier-a", "host": "sip2.carrier-a.example.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", resp.StatusCode, body)
	}

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/api/trunks", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	var trunks []store.Trunk
	if err := json.Unmarshal(body, &trunks); err != nil {
		t.Fatal(err)
	}
	if len(trunks) != 1 || trunks[0].Host != "sip2.carrier-a.example.com" {
		t.Errorf("unexpected list: %+v", trunks)
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/trunks/"+created.ID, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/trunks/"+created.ID, adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double delete: expected 404, got %d", resp.StatusCode)
	}
}

func TestTrunkCreate_Validation(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	adminToken := seedLogin(t, authSvc, "admin1", "admin")

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/trunks", adminToken, map[string]any{
		"host": "sip.example.com",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing name: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/trunks", adminToken, map[string]any{
		"name": "t1", "host": "sip.example.com", "port": 70000,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad port: expected 400, got %d", resp.StatusCode)
	}
}

func TestConfigChangePushedToAdmins(t *testing.T) {
	ts, authSvc, gw := setupServer(t)
	adminToken := seedLogin(t, authSvc, "admin1", "admin")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + adminToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	defer conn.Close()
	waitForConns(t, gw, 1)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/campaigns", adminToken, map[string]any{
		"name": "spring-promo",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created store.Campaign
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected configChanged push: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != protocol.TypeConfigChanged {
		t.Fatalf("expected %q, got %q", protocol.TypeConfigChanged, env.Type)
	}
	payload, _ := json.Marshal(env.Payload)
	var cc protocol.ConfigChanged
	if err := json.Unmarshal(payload, &cc); err != nil {
		t.Fatal(err)
	}
	if cc.Entity != "campaign" || cc.Action != "created" || cc.ID != created.ID {
		t.Errorf("unexpected payload: %+v", cc)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	supToken := seedLogin(t, authSvc, "sup1", "supervisor")
	agentToken := seedLogin(t, authSvc, "agent1", "agent")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + agentToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	defer conn.Close()

	// The connection registers just after the handshake completes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/presence", supToken, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var entries []presence.Entry
		if err := json.Unmarshal(body, &entries); err != nil {
			t.Fatal(err)
		}
		if len(entries) == 1 {
			if entries[0].Username != "agent1" || entries[0].Role != presence.RoleAgent {
				t.Errorf("unexpected entry: %+v", entries[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("agent connection never appeared in presence list")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUserManagement(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	adminToken := seedLogin(t, authSvc, "admin1", "admin")

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/users", adminToken, map[string]string{
		"username": "newagent", "password": "longenoughpw", "role": "agent",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var created store.User
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}

	// Duplicate username.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/users", adminToken, map[string]string{
		"username": "newagent", "password": "longenoughpw", "role": "agent",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate user: expected 409, got %d", resp.StatusCode)
	}

	// Short password.
	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/users", adminToken, map[string]string{
		"username": "another", "password": "short", "role": "agent",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("short password: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/users/"+created.ID, adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete user: expected 200, got %d", resp.StatusCode)
	}
}

func TestAuditTrail(t *testing.T) {
	ts, authSvc, _ := setupServer(t)
	adminToken := seedLogin(t, authSvc, "admin1", "admin")

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/dids", adminToken, map[string]any{
		"number": "+15555550100",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/audit", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var events []store.AuditEvent
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range events {
		if e.Action == "did.created" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected did.created audit event, got %+v", events)
	}
}

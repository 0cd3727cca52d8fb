package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, nil)

	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.InsertOrg(ctx, tx, domain.Org{
		ID: "org-1", Name: "Test", Tier: domain.TierFree,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert org: %v", err)
	}
	if err := e.Repo.AssignOrgRole(ctx, tx, "org-1", "alice", "admin"); err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.AssignOrgRole(ctx, tx, "org-1", "bob", "member"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, actor string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/jobs", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", resp.StatusCode, body)
	}
}

func TestCreateAndFetchJob(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/jobs", map[string]any{
		"type":   "export_standard",
		"org_id": "org-1",
	}, "bob")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var created struct {
		Job domain.Job `json:"job"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Job.Queue != "exports" || created.Job.Priority != 70 {
		t.Fatalf("routing over the wire: %+v", created.Job)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/jobs/"+created.Job.ID, nil, "bob")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: %d %s", resp.StatusCode, body)
	}

	// Non-members get a 403 with the envelope.
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/jobs/"+created.Job.ID, nil, "mallory")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider fetch: %d %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("error code: %s (%s)", envelope.Error.Code, body)
	}
}

func TestRunSimulationOverWire(t *testing.T) {
	ts := newTestServer(t)
	req := map[string]any{
		"org_id":   "org-1",
		"model_id": "model-a",
		"units":    1000,
		"seed":     5,
	}
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/simulations", req, "bob")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run: %d %s", resp.StatusCode, body)
	}
	var out struct {
		CacheHit bool        `json:"cache_hit"`
		Credits  int64       `json:"credits_charged"`
		Job      *domain.Job `json:"job"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.CacheHit || out.Job == nil || out.Credits != 1 {
		t.Fatalf("outcome: %+v", out)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/orgs/org-1/balance", nil, "bob")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("balance: %d %s", resp.StatusCode, body)
	}
	var bal struct {
		Balance struct {
			Remaining int64 `json:"remaining"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(body, &bal); err != nil {
		t.Fatal(err)
	}
	if bal.Balance.Remaining != 4 {
		t.Fatalf("remaining: %d", bal.Balance.Remaining)
	}
}

func TestInsufficientCreditsEnvelope(t *testing.T) {
	ts := newTestServer(t)
	req := map[string]any{
		"org_id":   "org-1",
		"model_id": "model-a",
		"units":    9000,
		"seed":     1,
	}
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/simulations", req, "bob")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "insufficient_credits" {
		t.Fatalf("code: %s (%s)", envelope.Error.Code, body)
	}
	if envelope.Error.Details["remedy"] == nil {
		t.Fatalf("details should carry a remedy: %s", body)
	}
}

func TestGrantRequiresAdmin(t *testing.T) {
	ts := newTestServer(t)
	grant := map[string]any{"credits": 10, "reason": "topup"}
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/orgs/org-1/credits/grant", grant, "bob")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("member grant: %d %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/orgs/org-1/credits/grant", grant, "alice")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin grant: %d %s", resp.StatusCode, body)
	}
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"dueline/internal/config"
	"dueline/internal/db"
	"dueline/internal/domain"
	"dueline/internal/engine"
	"dueline/internal/metrics"
	"dueline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := prometheus.NewRegistry()
	e := engine.New(conn, config.Default())
	e.Metrics = metrics.New(reg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Gatherer: reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	testSrv := &testServer{
		URL:    srv.URL,
		client: srv.Client(),
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var tester = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createItem(t *testing.T, srv *testServer, body map[string]any) domain.WorkItem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/items", body, tester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var it domain.WorkItem
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return it
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestItemLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	due := time.Now().UTC().Add(90 * time.Minute).Truncate(time.Second)

	it := createItem(t, srv, map[string]any{
		"id":       "inc-1",
		"kind":     "incident",
		"severity": "critical",
		"title":    "Database down",
		"due_at":   due.Format(time.RFC3339),
	})
	if it.Owner != "incident-responder" || it.Version != 1 || it.Status != domain.StatusNew {
		t.Fatalf("unexpected item: %+v", it)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/inc-1/transition", map[string]any{
		"to": "assigned", "expected_version": 1,
	}, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/inc-1/transition", map[string]any{
		"to": "in_progress", "expected_version": 1,
	}, tester)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "version_conflict" {
		t.Fatalf("expected version conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/inc-1/transition", map[string]any{
		"to": "closed", "expected_version": 2,
	}, tester)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid transition, got %d %s", res.StatusCode, string(data))
	}

	at := due.Add(-90 * time.Minute).Format(time.RFC3339)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/inc-1/status?at="+at, nil, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var view engine.StatusView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if view.SLAStatus != domain.SLAAtRisk || view.LifecycleStatus != domain.StatusAssigned {
		t.Fatalf("unexpected status view: %+v", view)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/inc-1/escalate?at="+at, nil, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escalate %d: %s", res.StatusCode, string(data))
	}
	var out engine.EscalationOutcome
	_ = json.Unmarshal(data, &out)
	if out.Level != 1 || out.Owner != "incident-manager" {
		t.Fatalf("unexpected escalation: %+v", out)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/inc-1/audit", nil, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit %d: %s", res.StatusCode, string(data))
	}
	var trail auditTrail
	_ = json.Unmarshal(data, &trail)
	if len(trail.Entries) != 3 || trail.Entries[2].Action != domain.ActionEscalated {
		t.Fatalf("unexpected trail: %+v", trail.Entries)
	}
}

func TestExceptionDecisionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	now := time.Now().UTC().Truncate(time.Second)
	createItem(t, srv, map[string]any{
		"id": "ob-1", "kind": "obligation", "severity": "high", "due_at": now.Add(-10 * time.Minute).Format(time.RFC3339),
	})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/ob-1/exceptions", map[string]any{
		"reason":     "regulator granted extension",
		"valid_from": now.Add(-time.Hour).Format(time.RFC3339),
		"valid_to":   now.Add(time.Hour).Format(time.RFC3339),
	}, tester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request exception %d: %s", res.StatusCode, string(data))
	}
	var exc domain.Exception
	_ = json.Unmarshal(data, &exc)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/ob-1/exceptions", map[string]any{
		"reason":     "again",
		"valid_from": now.Format(time.RFC3339),
		"valid_to":   now.Add(time.Hour).Format(time.RFC3339),
	}, tester)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "active_exception_exists" {
		t.Fatalf("expected active exception conflict, got %d %s", res.StatusCode, string(data))
	}

	decide := srv.URL + "/v0/exceptions/" + exc.ID + "/decision"
	res, data = doJSON(t, client, http.MethodPost, decide, map[string]any{"decision": "approve"}, map[string]string{"X-Actor-Id": "counsel"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, decide, map[string]any{"decision": "reject"}, map[string]string{"X-Actor-Id": "counsel"})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_decided" {
		t.Fatalf("expected already decided, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/ob-1/status", nil, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var view engine.StatusView
	_ = json.Unmarshal(data, &view)
	if view.SLAStatus != domain.SLAExempt {
		t.Fatalf("expected exempt, got %s", view.SLAStatus)
	}
}

func TestStatusAndEscalateHonorAt(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	due := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	it := createItem(t, srv, map[string]any{
		"kind": "task", "severity": "low", "due_at": due.Format(time.RFC3339),
	})

	at := due.Add(time.Hour)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+it.ID+"/status?at="+at.Format(time.RFC3339), nil, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var view engine.StatusView
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if view.SLAStatus != domain.SLABreached || !view.EvaluatedAt.Equal(at) {
		t.Fatalf("expected breached at %s, got %+v", at, view)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+it.ID+"/escalate?at="+at.Format(time.RFC3339), nil, tester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escalate %d: %s", res.StatusCode, string(data))
	}
	var out engine.EscalationOutcome
	_ = json.Unmarshal(data, &out)
	if out.Action != engine.EscalationRaised || out.SLAStatus != domain.SLABreached {
		t.Fatalf("unexpected escalation: %+v", out)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+it.ID+"/escalate?at=soon", nil, tester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad at, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sweep?at=soon", nil, tester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad sweep at, got %d %s", res.StatusCode, string(data))
	}
}

func TestRequestErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/nope", nil, tester)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"kind": "incident", "severity": "urgent", "due_at": time.Now().UTC().Format(time.RFC3339),
	}, tester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown severity, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/nope/status?at=yesterday", nil, tester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad at, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}

	token, err := SignToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"id": "task-1", "kind": "task", "severity": "low", "due_at": time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339),
	}, bearer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with token %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/task-1/audit", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit %d: %s", res.StatusCode, string(data))
	}
	var trail auditTrail
	_ = json.Unmarshal(data, &trail)
	if len(trail.Entries) != 1 || trail.Entries[0].Actor != "alice" {
		t.Fatalf("expected actor from token subject, got %+v", trail.Entries)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createItem(t, srv, map[string]any{
		"kind": "task", "severity": "medium", "due_at": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "dueline_commands_total") {
		t.Fatalf("expected command counter in metrics output")
	}
}

func TestAuthenticateJWTUsesSubjectOnly(t *testing.T) {
	token, err := SignToken(testSecret, "carol", time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	p, err := authenticateJWT(token, testSecret)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if p != (Principal{ActorID: "carol"}) {
		t.Fatalf("unexpected principal: %+v", p)
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"roles": []string{"admin"}}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := authenticateJWT(noSubject, testSecret); err == nil {
		t.Fatalf("token without subject should be rejected")
	}
	if _, err := authenticateJWT(token, "other-secret"); err == nil {
		t.Fatalf("token signed with another secret should be rejected")
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Get(srv.URL + "/v0/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if !bytes.Equal(bodies[0], bodies[i]) {
			t.Fatalf("openapi document differs between requests")
		}
	}
	var doc map[string]any
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc["paths"]; !ok {
		t.Fatalf("openapi document has no paths")
	}
}

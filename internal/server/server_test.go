package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"launchline/internal/config"
	"launchline/internal/domain"
	"launchline/internal/engine"
	"launchline/internal/testutil"
	"launchline/internal/webhook"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	GW     *testutil.FakeGateway
	client *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

type serverOptions struct {
	jwtSecret     string
	webhookSecret string
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	e := engine.New(env.DB, config.Default(t.TempDir()), gw, nil).WithClock(testutil.Now)
	ing := webhook.New(webhook.Options{
		Repo:           e.Repo,
		Sync:           e.Sync,
		Gates:          e.Gates,
		Secret:         opts.webhookSecret,
		QueueSize:      8,
		EnqueueTimeout: 50 * time.Millisecond,
		Now:            testutil.Now,
	})
	ctx, cancel := context.WithCancel(context.Background())
	ing.Start(ctx)
	handler, err := New(Config{Engine: e, Ingestor: ing, BasePath: "/v1", Auth: AuthConfig{JWTSecret: opts.jwtSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		cancel()
		<-ing.Done()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		GW:     gw,
		client: &http.Client{},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func createACME(t *testing.T, srv *testServer) CreateProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name":     "Acme site",
		"code":     "ACME",
		"decision": map[string]any{"approved_by": "board"},
		"checklists": []map[string]any{
			{"template_id": "seo", "executor_id": "alice", "due_date": "2024-02-01"},
			{"template_id": "tech", "executor_id": "bob"},
			{"template_id": "privacy"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	return decode[CreateProjectResponse](t, data)
}

func instanceFor(t *testing.T, items []domain.ChecklistInstance, templateID string) domain.ChecklistInstance {
	t.Helper()
	for _, ci := range items {
		if ci.TemplateID == templateID {
			return ci
		}
	}
	t.Fatalf("no %s instance in %+v", templateID, items)
	return domain.ChecklistInstance{}
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	if !bytes.Contains(data, []byte("/v1/projects/{project_id}/gates/recalculate")) {
		t.Fatalf("openapi document misses gate recalculation path")
	}
}

func TestCreateProjectLifecycle(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	created := createACME(t, srv)
	if created.Project.Status != string(domain.ProjectInDevelopment) {
		t.Fatalf("expected in_development, got %s", created.Project.Status)
	}
	if created.Project.Decision["approved_by"] != "board" {
		t.Fatalf("decision not kept: %+v", created.Project.Decision)
	}
	if len(created.Instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(created.Instances))
	}
	if created.Sync == nil || created.Sync.Created != 3 {
		t.Fatalf("expected 3 remote tasks, got %+v", created.Sync)
	}
	// bob has no tracker account.
	if len(created.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", created.Warnings)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/ACME", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d: %s", res.StatusCode, string(data))
	}
	ov := decode[ProjectOverviewResponse](t, data)
	if ov.Project.ID != created.Project.ID || len(ov.SyncRecords) != 3 || ov.SyncCounts["synced"] != 3 {
		t.Fatalf("unexpected overview: %+v", ov)
	}

	var last ChecklistStatusResponse
	for _, tpl := range []string{"seo", "tech", "privacy"} {
		ci := instanceFor(t, created.Instances, tpl)
		res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/checklists/"+ci.ID, map[string]any{"status": "completed"}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete %s status %d: %s", tpl, res.StatusCode, string(data))
		}
		last = decode[ChecklistStatusResponse](t, data)
	}
	if last.Gates.NewStatus != domain.ProjectDelivered {
		t.Fatalf("expected delivered, got %s", last.Gates.NewStatus)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/ACME/checklists", map[string]any{"template_id": "performance"}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 adding to delivered project, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/ACME/events?limit=5", nil, map[string]string{"X-Actor-Id": "ops"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	evts := decode[[]EventResponse](t, data)
	if len(evts) != 5 {
		t.Fatalf("expected 5 events, got %d", len(evts))
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	createACME(t, srv)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown project", http.MethodGet, "/v1/projects/nope", nil, http.StatusNotFound, "not_found"},
		{"duplicate code", http.MethodPost, "/v1/projects", map[string]any{"name": "Again", "code": "ACME"}, http.StatusConflict, "conflict"},
		{"blank name", http.MethodPost, "/v1/projects", map[string]any{"name": "  ", "code": "NEW"}, http.StatusUnprocessableEntity, "validation_failed"},
		{"bad due date", http.MethodPost, "/v1/projects", map[string]any{"name": "X", "code": "X", "checklists": []map[string]any{{"template_id": "seo", "due_date": "soon"}}}, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown template", http.MethodPost, "/v1/projects", map[string]any{"name": "X", "code": "X", "checklists": []map[string]any{{"template_id": "ghost"}}}, http.StatusNotFound, "not_found"},
		{"non executor", http.MethodPost, "/v1/projects", map[string]any{"name": "X", "code": "X", "checklists": []map[string]any{{"template_id": "seo", "executor_id": "carol"}}}, http.StatusUnprocessableEntity, "validation_failed"},
		{"duplicate checklist", http.MethodPost, "/v1/projects/ACME/checklists", map[string]any{"template_id": "seo"}, http.StatusConflict, "conflict"},
		{"untracked task", http.MethodPost, "/v1/sync/tasks/task-999", nil, http.StatusNotFound, "not_found"},
		{"empty body", http.MethodPost, "/v1/projects", nil, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), tc.method, srv.URL+tc.path, tc.body, nil)
			if res.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.StatusCode, string(data))
			}
			var env struct {
				Error apiErrorBody `json:"error"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("error envelope: %v", err)
			}
			if env.Error.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, env.Error.Code)
			}
		})
	}
}

func TestSyncEndpointsWithDisabledGateway(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	srv.GW.Disabled = true
	created := createACME(t, srv)
	if created.Sync != nil {
		t.Fatalf("expected no sync with disabled gateway, got %+v", created.Sync)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/ACME/sync", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/integration/ping", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 ping, got %d: %s", res.StatusCode, string(data))
	}

	srv.GW.Disabled = false
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects/ACME/sync", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync status %d: %s", res.StatusCode, string(data))
	}
	tally := decode[SyncTallyResponse](t, data)
	if tally.Created != 3 {
		t.Fatalf("expected 3 created, got %+v", tally)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/ACME/sync-records", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync records status %d: %s", res.StatusCode, string(data))
	}
	if recs := decode[[]domain.SyncRecord](t, data); len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
}

func TestSyncTaskPullsRemoteCompletion(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	created := createACME(t, srv)
	seo := instanceFor(t, created.Instances, "seo")
	if seo.ExternalTaskID == nil {
		t.Fatalf("seo instance not synced")
	}
	srv.GW.SetCompleted(*seo.ExternalTaskID, true)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/sync/tasks/"+*seo.ExternalTaskID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync task status %d: %s", res.StatusCode, string(data))
	}
	out := decode[TaskSyncResponse](t, data)
	if !out.Changed || out.Instance.Status != domain.ChecklistCompleted {
		t.Fatalf("expected completed transition, got %+v", out)
	}
}

func TestWebhookReceiver(t *testing.T) {
	const secret = "hook-secret"
	srv := newTestServer(t, serverOptions{webhookSecret: secret, jwtSecret: "api-secret"})
	token, err := SignToken("api-secret", "ops", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	authz := map[string]string{"Authorization": "Bearer " + token}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/tasks", nil, map[string]string{"X-Hook-Secret": "handshake-123"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("handshake status %d: %s", res.StatusCode, string(data))
	}
	if got := res.Header.Get("X-Hook-Secret"); got != "handshake-123" {
		t.Fatalf("handshake secret not echoed: %q", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name": "Acme site", "code": "ACME",
		"checklists": []map[string]any{{"template_id": "seo"}},
	}, authz)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	created := decode[CreateProjectResponse](t, data)
	taskID := *instanceFor(t, created.Instances, "seo").ExternalTaskID

	body := []byte(`{"events":[{"id":"evt-1","action":"changed","resource":{"id":"` + taskID + `","kind":"task"},"change":{"field":"completed","new_value":true}}]}`)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/tasks", body, map[string]string{"X-Hook-Signature": "deadbeef"})
	if res.StatusCode != http.StatusOK || !decode[WebhookReceiptResponse](t, data).Received {
		t.Fatalf("bad signature must still be acknowledged, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/tasks", body, map[string]string{"X-Hook-Signature": webhook.Sign(secret, body)})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delivery status %d: %s", res.StatusCode, string(data))
	}

	deadline := time.Now().Add(3 * time.Second)
	var audit []domain.WebhookAuditEntry
	for time.Now().Before(deadline) {
		_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/webhooks/audit?resource_id="+taskID, nil, authz)
		audit = decode[[]domain.WebhookAuditEntry](t, data)
		if len(audit) == 1 && audit[0].Status != domain.AuditProcessing {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(audit) != 1 || audit[0].Status != domain.AuditProcessed || audit[0].EventID != "evt-1" {
		t.Fatalf("expected one processed audit entry, got %+v", audit)
	}

	ci, err := srv.Engine.Repo.GetInstance(context.Background(), instanceFor(t, created.Instances, "seo").ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if ci.Status != domain.ChecklistCompleted {
		t.Fatalf("expected completed instance, got %s", ci.Status)
	}

	var stats WebhookStatsResponse
	for time.Now().Before(deadline) {
		_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/webhooks/stats", nil, authz)
		stats = decode[WebhookStatsResponse](t, data)
		if stats.Processed == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if stats.Rejected != 1 || stats.Enqueued != 1 || stats.Processed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWebhookReceiverCapsBody(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	oversized := []byte(`{"events":[],"pad":"` + strings.Repeat("x", maxWebhookBodyBytes) + `"}`)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/tasks", oversized, nil)
	if res.StatusCode != http.StatusOK || !decode[WebhookReceiptResponse](t, data).Received {
		t.Fatalf("oversized delivery must still be acknowledged, got %d: %s", res.StatusCode, string(data))
	}

	small := []byte(`{"events":[]}`)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/webhooks/tasks", small, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delivery status %d: %s", res.StatusCode, string(data))
	}

	_, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/webhooks/stats", nil, nil)
	stats := decode[WebhookStatsResponse](t, data)
	if stats.Received != 2 || stats.Malformed != 1 {
		t.Fatalf("oversized body must be dropped as malformed: %+v", stats)
	}
}

func TestBearerAuth(t *testing.T) {
	srv := newTestServer(t, serverOptions{jwtSecret: "api-secret"})

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must be open, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	forged, err := SignToken("other-secret", "ops", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged token, got %d", res.StatusCode)
	}
	expired, err := SignToken("api-secret", "ops", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{"Authorization": "Bearer " + expired})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token, got %d", res.StatusCode)
	}

	token, err := SignToken("api-secret", "ops", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	authz := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{"name": "Acme", "code": "ACME"}, authz)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	created := decode[CreateProjectResponse](t, data)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects/ACME/events", nil, authz)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	for _, evt := range decode[[]EventResponse](t, data) {
		if evt.Type == "project.created" && evt.ActorID != "ops" {
			t.Fatalf("expected project.created by ops, got %s", evt.ActorID)
		}
	}
	if created.Project.Code != "ACME" {
		t.Fatalf("unexpected project %+v", created.Project)
	}
}

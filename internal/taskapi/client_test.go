package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recorded struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

func newFakeRemote(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body map[string]any)) (*Client, *[]recorded) {
	t.Helper()
	var mu sync.Mutex
	calls := []recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Data map[string]any `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&env)
		mu.Lock()
		calls = append(calls, recorded{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: env.Data})
		mu.Unlock()
		handler(w, r, env.Data)
	}))
	t.Cleanup(srv.Close)
	return &Client{BaseURL: srv.URL + "/api/1.0", Token: "tok", WorkspaceID: "ws-1", DefaultContainerID: "container-default"}, &calls
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestCreateTaskDefaultsContainer(t *testing.T) {
	c, calls := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeData(w, map[string]any{"id": "remote-1", "name": body["name"], "completed": false})
	})
	task, err := c.CreateTask(context.Background(), CreateTaskInput{
		Name:         "[ACME] SEO",
		CustomFields: map[string]string{"f-proj": "p1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID != "remote-1" || task.Name != "[ACME] SEO" {
		t.Fatalf("unexpected task %+v", task)
	}
	got := (*calls)[0]
	if got.Method != http.MethodPost || got.Path != "/api/1.0/tasks" {
		t.Fatalf("unexpected request %s %s", got.Method, got.Path)
	}
	if got.Auth != "Bearer tok" {
		t.Fatalf("expected bearer token, got %q", got.Auth)
	}
	projects, _ := got.Body["projects"].([]any)
	if len(projects) != 1 || projects[0] != "container-default" {
		t.Fatalf("expected default container, got %v", got.Body["projects"])
	}
	if got.Body["workspace"] != "ws-1" {
		t.Fatalf("expected workspace, got %v", got.Body["workspace"])
	}
}

func TestCreateTaskKeepsExplicitContainer(t *testing.T) {
	c, calls := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeData(w, map[string]any{"id": "remote-2"})
	})
	if _, err := c.CreateTask(context.Background(), CreateTaskInput{Name: "x", Projects: []string{"c-9"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	projects, _ := (*calls)[0].Body["projects"].([]any)
	if len(projects) != 1 || projects[0] != "c-9" {
		t.Fatalf("expected explicit container, got %v", projects)
	}
}

func TestNotConfiguredFailsFast(t *testing.T) {
	c := &Client{}
	if c.Enabled() {
		t.Fatalf("expected disabled client")
	}
	if _, err := c.GetTask(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := c.DeleteTask(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if n := c.AddDependencies(context.Background(), "x", []string{"a", "b"}); n != 0 {
		t.Fatalf("expected no dependencies applied, got %d", n)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	c, _ := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		http.Error(w, `{"errors":[{"message":"task not found"}]}`, http.StatusNotFound)
	})
	_, err := c.GetTask(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || !strings.Contains(apiErr.Body, "task not found") {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestDependencyFailuresDoNotAbortBatch(t *testing.T) {
	c, calls := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		deps, _ := body["dependencies"].([]any)
		if len(deps) == 1 && deps[0] == "bad" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		writeData(w, map[string]any{})
	})
	n := c.AddDependencies(context.Background(), "t1", []string{"a", "bad", "c"})
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}
	if len(*calls) != 3 {
		t.Fatalf("expected one call per dependency, got %d", len(*calls))
	}
	for _, call := range *calls {
		if call.Path != "/api/1.0/tasks/t1/addDependencies" {
			t.Fatalf("unexpected path %s", call.Path)
		}
	}
}

func TestUpdateTaskSendsOnlySetFields(t *testing.T) {
	c, calls := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		writeData(w, map[string]any{"id": "t1", "completed": true})
	})
	done := true
	task, err := c.UpdateTask(context.Background(), "t1", UpdateTaskInput{Completed: &done})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !task.Completed {
		t.Fatalf("expected completed task")
	}
	body := (*calls)[0].Body
	if len(body) != 1 || body["completed"] != true {
		t.Fatalf("expected only completed field, got %v", body)
	}
	if (*calls)[0].Method != http.MethodPut {
		t.Fatalf("expected PUT, got %s", (*calls)[0].Method)
	}
}

func TestMe(t *testing.T) {
	c, _ := newFakeRemote(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
		if r.URL.Path != "/api/1.0/users/me" {
			http.NotFound(w, r)
			return
		}
		writeData(w, map[string]any{"id": "u-1", "name": "Bot"})
	})
	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if me.ID != "u-1" || me.Name != "Bot" {
		t.Fatalf("unexpected identity %+v", me)
	}
}

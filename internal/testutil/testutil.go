// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"launchline/internal/catalog"
	"launchline/internal/config"
	"launchline/internal/db"
	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/migrate"
	"launchline/internal/repo"
)

// FixedNow is the clock used by fixtures.
var FixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func Now() time.Time { return FixedNow }

// Env is a migrated workspace database with the default catalog imported.
type Env struct {
	Ctx    context.Context
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
}

func NewEnv(t *testing.T) Env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	seed := config.DefaultSeed()
	seed.Users = append(seed.Users,
		config.SeedUser{ID: "alice", Name: "Alice", Executor: true, ExternalID: "remote-alice"},
		config.SeedUser{ID: "bob", Name: "Bob", Executor: true},
		config.SeedUser{ID: "carol", Name: "Carol"},
	)
	if _, err := (catalog.Catalog{Repo: r, Now: Now}).Import(ctx, seed); err != nil {
		t.Fatalf("import catalog: %v", err)
	}
	return Env{Ctx: ctx, DB: conn, Repo: r, Events: events.Writer{DB: conn, Now: Now}}
}

// AddProject inserts a project and one pending instance per template.
func (e Env) AddProject(t *testing.T, id, code string, templateIDs ...string) domain.Project {
	t.Helper()
	ts := repo.Timestamp(FixedNow)
	p := domain.Project{ID: id, Name: "Project " + code, Code: code, Status: domain.ProjectInDevelopment, CreatedAt: ts, UpdatedAt: ts}
	if err := e.Repo.InsertProject(e.Ctx, nil, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	for _, tpl := range templateIDs {
		e.AddInstance(t, id, tpl)
	}
	return p
}

// AddInstance assigns a template to a project and returns the instance.
func (e Env) AddInstance(t *testing.T, projectID, templateID string) domain.ChecklistInstance {
	t.Helper()
	ts := repo.Timestamp(FixedNow)
	ci := domain.ChecklistInstance{
		ID:              projectID + "-" + templateID,
		ProjectID:       projectID,
		TemplateID:      templateID,
		TemplateVersion: 1,
		Status:          domain.ChecklistPending,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
	if err := e.Repo.InsertInstance(e.Ctx, nil, ci); err != nil {
		t.Fatalf("insert instance: %v", err)
	}
	return ci
}

// SetStatus writes an instance status directly.
func (e Env) SetStatus(t *testing.T, instanceID string, status domain.ChecklistStatus) {
	t.Helper()
	if err := e.Repo.SetInstanceStatus(e.Ctx, nil, instanceID, status, repo.Timestamp(FixedNow)); err != nil {
		t.Fatalf("set status: %v", err)
	}
}

// ProjectStatus reads the cached project status.
func (e Env) ProjectStatus(t *testing.T, projectID string) domain.ProjectStatus {
	t.Helper()
	p, err := e.Repo.GetProject(e.Ctx, projectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	return p.Status
}

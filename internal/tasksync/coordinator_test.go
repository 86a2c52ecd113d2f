package tasksync_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"launchline/internal/db"
	"launchline/internal/directory"
	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/repo"
	"launchline/internal/taskapi"
	"launchline/internal/tasksync"
	"launchline/internal/testutil"
)

func newCoordinator(env testutil.Env, gw *testutil.FakeGateway) tasksync.Coordinator {
	return tasksync.Coordinator{
		Repo:      env.Repo,
		Gateway:   gw,
		Directory: directory.Service{Repo: env.Repo, Now: testutil.Now},
		Fields:    tasksync.Fields{ProjectID: "cf-project", ChecklistInstanceID: "cf-instance"},
		Events:    env.Events,
		Now:       testutil.Now,
		ClaimTTL:  10 * time.Minute,
	}
}

func TestCreateTasksForProject(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo", "tech")

	tally, err := c.CreateTasksForProject(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if tally.Created != 2 || tally.Failed != 0 {
		t.Fatalf("unexpected tally %+v", tally)
	}
	if gw.Creates[0].Name != "[ACME] SEO" {
		t.Fatalf("unexpected task name %q", gw.Creates[0].Name)
	}
	fields := gw.Creates[0].CustomFields
	if fields["cf-project"] != "p1" || fields["cf-instance"] != "p1-seo" {
		t.Fatalf("unexpected custom fields %v", fields)
	}
	if !strings.Contains(gw.Creates[0].Notes, "Sitemap submitted") {
		t.Fatalf("notes missing items: %q", gw.Creates[0].Notes)
	}
	ci, err := env.Repo.GetInstance(env.Ctx, "p1-seo")
	if err != nil {
		t.Fatal(err)
	}
	if ci.ExternalTaskID == nil {
		t.Fatalf("expected external task id to be back-filled")
	}
	rec, err := env.Repo.GetSyncRecordByInstance(env.Ctx, "p1-seo")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.SyncSynced || rec.RemoteTaskID != *ci.ExternalTaskID {
		t.Fatalf("unexpected record %+v", rec)
	}

	// second pass finds nothing left to create
	tally, err = c.CreateTasksForProject(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if tally.Created != 0 || gw.CreateCount() != 2 {
		t.Fatalf("expected no new creations, got %+v (%d calls)", tally, gw.CreateCount())
	}
}

func TestCreateFailureRecordsError(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	gw.FailCreate = func(name string) error {
		if strings.Contains(name, "Tech") {
			return &taskapi.APIError{StatusCode: 500, Body: "boom"}
		}
		return nil
	}
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo", "tech")

	tally, err := c.CreateTasksForProject(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("failure must not surface as error: %v", err)
	}
	if tally.Created != 1 || tally.Failed != 1 {
		t.Fatalf("unexpected tally %+v", tally)
	}
	rec, err := env.Repo.GetSyncRecordByInstance(env.Ctx, "p1-tech")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.SyncError || !strings.HasPrefix(rec.RemoteTaskID, "failed-") {
		t.Fatalf("unexpected error record %+v", rec)
	}
	if !strings.Contains(rec.PayloadJSON, "boom") {
		t.Fatalf("error payload missing cause: %s", rec.PayloadJSON)
	}
	ci, _ := env.Repo.GetInstance(env.Ctx, "p1-tech")
	if ci.ExternalTaskID != nil {
		t.Fatalf("failed instance must not be linked")
	}
	n, _ := env.Repo.CountEvents(env.Ctx, "p1", events.SyncTaskFailed)
	if n != 1 {
		t.Fatalf("expected one failure event, got %d", n)
	}
}

func TestRetryConverges(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	failing := true
	gw.FailCreate = func(name string) error {
		if failing {
			return errors.New("remote down")
		}
		return nil
	}
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo", "tech", "privacy")

	tally, err := c.CreateTasksForProject(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if tally.Failed != 3 {
		t.Fatalf("expected 3 failures, got %+v", tally)
	}

	failing = false
	retry, err := c.RetryFailedTasks(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if retry.Succeeded != 3 || retry.Failed != 0 {
		t.Fatalf("unexpected retry tally %+v", retry)
	}
	records, err := env.Repo.ListSyncRecords(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("expected exactly one record per instance, got %d", len(records))
	}
	for _, rec := range records {
		if rec.Status != domain.SyncSynced {
			t.Fatalf("record %s not synced: %s", rec.ID, rec.Status)
		}
	}

	again, err := c.RetryFailedTasks(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Succeeded != 0 || again.Failed != 0 {
		t.Fatalf("expected nothing to retry, got %+v", again)
	}
}

func TestRetryReclaimsStalePendingOnly(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo", "tech")

	stale := repo.Timestamp(testutil.FixedNow.Add(-time.Hour))
	fresh := repo.Timestamp(testutil.FixedNow)
	for _, claim := range []domain.SyncRecord{
		{ID: "r-stale", ChecklistInstanceID: "p1-seo", ProjectID: "p1", RemoteTaskID: "pending-a", Status: domain.SyncPending, LastSyncedAt: stale, CreatedAt: stale},
		{ID: "r-fresh", ChecklistInstanceID: "p1-tech", ProjectID: "p1", RemoteTaskID: "pending-b", Status: domain.SyncPending, LastSyncedAt: fresh, CreatedAt: fresh},
	} {
		if _, err := env.Repo.ClaimSyncSlot(env.Ctx, claim); err != nil {
			t.Fatal(err)
		}
	}
	retry, err := c.RetryFailedTasks(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if retry.Succeeded != 1 {
		t.Fatalf("expected only the stale claim to be retried, got %+v", retry)
	}
	rec, err := env.Repo.GetSyncRecordByInstance(env.Ctx, "p1-tech")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != "r-fresh" || rec.Status != domain.SyncPending {
		t.Fatalf("fresh claim was disturbed: %+v", rec)
	}
}

func TestConcurrentCreateClaimsOnce(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	project := env.AddProject(t, "p1", "ACME")
	ci := env.AddInstance(t, "p1", "seo")
	tpl, err := env.Repo.GetTemplate(env.Ctx, "seo")
	if err != nil {
		t.Fatal(err)
	}

	const workers = 5
	results := make([]tasksync.Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.CreateTaskForChecklist(env.Ctx, ci, project, tpl, "", "")
		}(i)
	}
	wg.Wait()

	created, skipped := 0, 0
	for _, r := range results {
		switch {
		case r.OK():
			created++
		case r.Skipped:
			skipped++
		default:
			t.Fatalf("unexpected result %+v", r)
		}
	}
	if created != 1 || skipped != workers-1 {
		t.Fatalf("expected one creation, got created=%d skipped=%d", created, skipped)
	}
	if gw.CreateCount() != 1 {
		t.Fatalf("expected one remote call, got %d", gw.CreateCount())
	}
}

func TestRetryAdoptsTaskCreatedButNotRecorded(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo")

	// Linking the instance fails after the remote task exists.
	if _, err := env.DB.Exec(`CREATE TRIGGER block_link BEFORE UPDATE OF external_task_id ON checklist_instances
BEGIN SELECT RAISE(ABORT, 'link blocked'); END`); err != nil {
		t.Fatal(err)
	}
	tally, err := c.CreateTasksForProject(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if tally.Failed != 1 || gw.CreateCount() != 1 {
		t.Fatalf("unexpected tally %+v (%d creates)", tally, gw.CreateCount())
	}
	rec, err := env.Repo.GetSyncRecordByInstance(env.Ctx, "p1-seo")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.SyncError || rec.RemoteTaskID != "task-1" {
		t.Fatalf("expected error record keeping the remote id, got %+v", rec)
	}

	if _, err := env.DB.Exec(`DROP TRIGGER block_link`); err != nil {
		t.Fatal(err)
	}
	retry, err := c.RetryFailedTasks(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if retry.Succeeded != 1 || gw.CreateCount() != 1 {
		t.Fatalf("expected adoption without a second create, got %+v (%d creates)", retry, gw.CreateCount())
	}
	ci, _ := env.Repo.GetInstance(env.Ctx, "p1-seo")
	if ci.ExternalTaskID == nil || *ci.ExternalTaskID != "task-1" {
		t.Fatalf("instance not linked to adopted task: %+v", ci)
	}
	rec, _ = env.Repo.GetSyncRecordByInstance(env.Ctx, "p1-seo")
	if rec.Status != domain.SyncSynced {
		t.Fatalf("adopted record not synced: %+v", rec)
	}
}

func TestRetryRecreatesWhenRecordedTaskIsGone(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo")
	ts := repo.Timestamp(testutil.FixedNow)
	orphan := domain.SyncRecord{ID: "r1", ChecklistInstanceID: "p1-seo", ProjectID: "p1", RemoteTaskID: "task-gone", Status: domain.SyncError, LastSyncedAt: ts, CreatedAt: ts}
	if _, err := env.Repo.ClaimSyncSlot(env.Ctx, orphan); err != nil {
		t.Fatal(err)
	}
	retry, err := c.RetryFailedTasks(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if retry.Succeeded != 1 || gw.CreateCount() != 1 {
		t.Fatalf("expected one recreation, got %+v (%d creates)", retry, gw.CreateCount())
	}
	rec, _ := env.Repo.GetSyncRecordByInstance(env.Ctx, "p1-seo")
	if rec.RemoteTaskID != "task-1" || rec.Status != domain.SyncSynced {
		t.Fatalf("unexpected record after recreation %+v", rec)
	}
}

func TestSyncTaskStatusOnlyWritesTransitions(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo")
	if _, err := c.CreateTasksForProject(env.Ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	ci, _ := env.Repo.GetInstance(env.Ctx, "p1-seo")
	remoteID := *ci.ExternalTaskID

	gw.SetCompleted(remoteID, true)
	res, err := c.SyncTaskStatus(env.Ctx, remoteID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Instance.Status != domain.ChecklistCompleted || res.Instance.CompletedAt == nil {
		t.Fatalf("expected completion, got %+v", res)
	}
	res, err = c.SyncTaskStatus(env.Ctx, remoteID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Fatalf("repeated sync must not change status")
	}
	n, _ := env.Repo.CountEvents(env.Ctx, "p1", events.ChecklistStatusChanged)
	if n != 1 {
		t.Fatalf("expected one status event, got %d", n)
	}

	gw.SetCompleted(remoteID, false)
	res, err = c.SyncTaskStatus(env.Ctx, remoteID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Instance.Status != domain.ChecklistPending || res.Instance.CompletedAt != nil {
		t.Fatalf("expected reopen to pending, got %+v", res)
	}
}

func TestRemoteReopenResetsToPending(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo", "tech")
	if _, err := c.CreateTasksForProject(env.Ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		instanceID string
		from       domain.ChecklistStatus
	}{
		{"p1-seo", domain.ChecklistInProgress},
		{"p1-tech", domain.ChecklistSkipped},
	} {
		env.SetStatus(t, tc.instanceID, tc.from)
		rec, err := env.Repo.GetSyncRecordByInstance(env.Ctx, tc.instanceID)
		if err != nil {
			t.Fatal(err)
		}
		res, err := c.ApplyRemoteCompletion(env.Ctx, rec, false, "{}", events.WebhookActor)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Changed || res.PreviousStatus != tc.from || res.Instance.Status != domain.ChecklistPending {
			t.Fatalf("%s: expected %s -> pending, got %+v", tc.instanceID, tc.from, res)
		}
	}

	rec, _ := env.Repo.GetSyncRecordByInstance(env.Ctx, "p1-seo")
	res, err := c.ApplyRemoteCompletion(env.Ctx, rec, false, "{}", events.WebhookActor)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed {
		t.Fatalf("pending instance must not be rewritten")
	}
	n, _ := env.Repo.CountEvents(env.Ctx, "p1", events.ChecklistStatusChanged)
	if n != 2 {
		t.Fatalf("expected two status events, got %d", n)
	}
}

func TestSyncTaskStatusUntracked(t *testing.T) {
	env := testutil.NewEnv(t)
	c := newCoordinator(env, testutil.NewFakeGateway())
	if _, err := c.SyncTaskStatus(env.Ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDisabledGateway(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	gw.Disabled = true
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo")
	if _, err := c.CreateTasksForProject(env.Ctx, "p1"); !errors.Is(err, taskapi.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	records, _ := env.Repo.ListSyncRecords(env.Ctx, "p1")
	if len(records) != 0 {
		t.Fatalf("disabled gateway must not write records")
	}
}

func TestDependenciesAttachedAndDetached(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "tech", "performance")
	if _, err := c.CreateTasksForProject(env.Ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	tech, _ := env.Repo.GetInstance(env.Ctx, "p1-tech")
	perf, _ := env.Repo.GetInstance(env.Ctx, "p1-performance")
	deps := gw.DepsAdded[*perf.ExternalTaskID]
	if len(deps) != 1 || deps[0] != *tech.ExternalTaskID {
		t.Fatalf("expected performance to depend on tech, got %v", deps)
	}

	if n := c.DetachDependents(env.Ctx, tech); n != 1 {
		t.Fatalf("expected one detached link, got %d", n)
	}
	gone := gw.DepsGone[*perf.ExternalTaskID]
	if len(gone) != 1 || gone[0] != *tech.ExternalTaskID {
		t.Fatalf("unexpected removed dependencies %v", gone)
	}
}

func TestPushStatusAndDeleteRemote(t *testing.T) {
	env := testutil.NewEnv(t)
	gw := testutil.NewFakeGateway()
	c := newCoordinator(env, gw)
	env.AddProject(t, "p1", "ACME", "seo")
	if _, err := c.CreateTasksForProject(env.Ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	env.SetStatus(t, "p1-seo", domain.ChecklistCompleted)
	ci, _ := env.Repo.GetInstance(env.Ctx, "p1-seo")
	if err := c.PushStatus(env.Ctx, ci); err != nil {
		t.Fatalf("push: %v", err)
	}
	if !gw.Tasks[*ci.ExternalTaskID].Completed {
		t.Fatalf("remote task not completed")
	}

	deleted, failed, err := c.DeleteRemoteTasks(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 || failed != 0 || len(gw.Deleted) != 1 {
		t.Fatalf("unexpected delete outcome deleted=%d failed=%d", deleted, failed)
	}
}

func TestExecutorExternalID(t *testing.T) {
	env := testutil.NewEnv(t)
	c := newCoordinator(env, testutil.NewFakeGateway())
	alice, bob := "alice", "bob"
	if got := c.ExecutorExternalID(env.Ctx, domain.ChecklistInstance{ExecutorID: &alice}); got != "remote-alice" {
		t.Fatalf("unexpected external id %q", got)
	}
	if got := c.ExecutorExternalID(env.Ctx, domain.ChecklistInstance{ExecutorID: &bob}); got != "" {
		t.Fatalf("bob has no external id, got %q", got)
	}
	if got := c.ExecutorExternalID(env.Ctx, domain.ChecklistInstance{}); got != "" {
		t.Fatalf("unassigned executor, got %q", got)
	}

	closed, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	closed.Close()
	var buf bytes.Buffer
	c.Directory = directory.Service{Repo: repo.Repo{DB: closed}, Now: testutil.Now}
	c.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	if got := c.ExecutorExternalID(env.Ctx, domain.ChecklistInstance{ID: "p1-seo", ExecutorID: &alice}); got != "" {
		t.Fatalf("failed lookup must yield no assignee, got %q", got)
	}
	if !strings.Contains(buf.String(), "executor lookup failed") {
		t.Fatalf("lookup failure not logged: %s", buf.String())
	}
}

package gates_test

import (
	"errors"
	"testing"

	"launchline/internal/domain"
	"launchline/internal/events"
	"launchline/internal/gates"
	"launchline/internal/repo"
	"launchline/internal/testutil"
)

func newEvaluator(env testutil.Env) gates.Evaluator {
	return gates.Evaluator{Repo: env.Repo, Events: env.Events, Now: testutil.Now}
}

func TestFullLifecycle(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "p1", "ACME", "seo", "tech", "privacy", "performance")

	res, err := ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.NewStatus != domain.ProjectReadyForPublish || !res.Changed {
		t.Fatalf("expected ready_for_publish, got %+v", res)
	}

	for _, tpl := range []string{"seo", "tech", "privacy"} {
		env.SetStatus(t, "p1-"+tpl, domain.ChecklistCompleted)
	}
	res, err = ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.NewStatus != domain.ProjectPublished {
		t.Fatalf("expected published, got %s", res.NewStatus)
	}

	env.SetStatus(t, "p1-performance", domain.ChecklistCompleted)
	res, err = ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.NewStatus != domain.ProjectDelivered || res.PreviousStatus != domain.ProjectPublished {
		t.Fatalf("expected published -> delivered, got %+v", res)
	}
	if got := env.ProjectStatus(t, "p1"); got != domain.ProjectDelivered {
		t.Fatalf("stored status %s", got)
	}

	// remote reopen regresses the derived status
	env.SetStatus(t, "p1-seo", domain.ChecklistPending)
	res, err = ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.NewStatus != domain.ProjectReadyForPublish {
		t.Fatalf("expected ready_for_publish after reopen, got %s", res.NewStatus)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "p1", "ACME", "seo", "tech", "privacy")

	first, err := ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !first.Changed || second.Changed {
		t.Fatalf("expected change only on first call: %v %v", first.Changed, second.Changed)
	}
	if first.NewStatus != second.NewStatus {
		t.Fatalf("status drifted: %s vs %s", first.NewStatus, second.NewStatus)
	}
	n, err := env.Repo.CountEvents(env.Ctx, "p1", events.ProjectStatusChanged)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one status event, got %d", n)
	}
}

func TestLaterGateCannotPassBeforeEarlierGate(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "p1", "ACME", "seo", "tech", "privacy", "performance")
	env.SetStatus(t, "p1-performance", domain.ChecklistCompleted)

	res, err := ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus == domain.ProjectDelivered {
		t.Fatalf("delivered must not pass while published fails")
	}
	delivered := res.Gates[1]
	if delivered.Name != domain.GateDelivered || delivered.Passed || !delivered.AllRequiredCompleted || delivered.PreviousPassed {
		t.Fatalf("unexpected delivered gate %+v", delivered)
	}
}

func TestUnassignedUnconditionalRequirementBlocks(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "p1", "ACME", "seo", "tech")
	env.SetStatus(t, "p1-seo", domain.ChecklistCompleted)
	env.SetStatus(t, "p1-tech", domain.ChecklistCompleted)

	res, err := ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus != domain.ProjectInDevelopment {
		t.Fatalf("expected in_development without privacy, got %s", res.NewStatus)
	}
}

func TestConditionalRequirementSkippedWhenUnassigned(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "p1", "ACME", "seo", "tech", "privacy")
	for _, tpl := range []string{"seo", "tech", "privacy"} {
		env.SetStatus(t, "p1-"+tpl, domain.ChecklistCompleted)
	}
	res, err := ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus != domain.ProjectDelivered {
		t.Fatalf("expected delivered when performance is not assigned, got %s", res.NewStatus)
	}
}

func TestSkippedDoesNotSatisfyRequirement(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "p1", "ACME", "seo", "tech", "privacy")
	env.SetStatus(t, "p1-seo", domain.ChecklistCompleted)
	env.SetStatus(t, "p1-tech", domain.ChecklistCompleted)
	env.SetStatus(t, "p1-privacy", domain.ChecklistSkipped)

	res, err := ev.Evaluate(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus != domain.ProjectReadyForPublish {
		t.Fatalf("expected ready_for_publish, got %s", res.NewStatus)
	}
}

func TestPreviewDoesNotPersist(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "p1", "ACME", "seo", "tech", "privacy")
	res, err := ev.Preview(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewStatus != domain.ProjectReadyForPublish || !res.Changed {
		t.Fatalf("unexpected preview %+v", res)
	}
	if got := env.ProjectStatus(t, "p1"); got != domain.ProjectInDevelopment {
		t.Fatalf("preview persisted status %s", got)
	}
}

// Publish requirements that are all assigned but still open put the project
// on the ready_for_publish rung; in_development is reserved for projects
// missing an unconditional publish requirement.
func TestAssignedButOpenPublishChecklists(t *testing.T) {
	env := testutil.NewEnv(t)
	ev := newEvaluator(env)
	env.AddProject(t, "acme", "ACME", "seo", "tech", "privacy")

	res, err := ev.Evaluate(env.Ctx, "acme")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Gates[0].Name != domain.GatePublished || res.Gates[0].Passed {
		t.Fatalf("published must not pass yet: %+v", res.Gates[0])
	}
	if res.NewStatus != domain.ProjectReadyForPublish {
		t.Fatalf("expected ready_for_publish, got %s", res.NewStatus)
	}

	for _, tpl := range []string{"seo", "tech", "privacy"} {
		env.SetStatus(t, "acme-"+tpl, domain.ChecklistCompleted)
	}
	if res, err = ev.Evaluate(env.Ctx, "acme"); err != nil || res.NewStatus != domain.ProjectPublished || !res.Gates[0].Passed {
		t.Fatalf("expected published, got %+v %v", res, err)
	}

	env.AddInstance(t, "acme", "performance")
	if res, err = ev.Evaluate(env.Ctx, "acme"); err != nil || res.NewStatus != domain.ProjectPublished {
		t.Fatalf("open performance must hold at published, got %+v %v", res, err)
	}
	env.SetStatus(t, "acme-performance", domain.ChecklistCompleted)
	if res, err = ev.Evaluate(env.Ctx, "acme"); err != nil || res.NewStatus != domain.ProjectDelivered || !res.Gates[1].Passed {
		t.Fatalf("expected delivered, got %+v %v", res, err)
	}

	other := env.AddProject(t, "bare", "BARE", "seo", "tech")
	if res, err = ev.Evaluate(env.Ctx, other.ID); err != nil || res.NewStatus != domain.ProjectInDevelopment {
		t.Fatalf("missing privacy must stay in_development, got %+v %v", res, err)
	}
}

func TestEvaluateUnknownProject(t *testing.T) {
	env := testutil.NewEnv(t)
	_, err := newEvaluator(env).Evaluate(env.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeriveLadder(t *testing.T) {
	published := domain.Gate{ID: "g1", Name: domain.GatePublished, SortOrder: 1, Requirements: []domain.GateRequirement{
		{GateID: "g1", TemplateID: "a", RequiredIfAssigned: true},
	}}
	delivered := domain.Gate{ID: "g2", Name: domain.GateDelivered, SortOrder: 2, Requirements: []domain.GateRequirement{
		{GateID: "g2", TemplateID: "b"},
	}}
	gs := []domain.Gate{published, delivered}
	strict := domain.Gate{ID: "g1", Name: domain.GatePublished, SortOrder: 1, Requirements: []domain.GateRequirement{
		{GateID: "g1", TemplateID: "a", RequiredIfAssigned: true},
		{GateID: "g1", TemplateID: "c"},
	}}
	inst := func(tpl string, st domain.ChecklistStatus) domain.ChecklistInstance {
		return domain.ChecklistInstance{ID: tpl, TemplateID: tpl, Status: st}
	}

	cases := []struct {
		name      string
		gates     []domain.Gate
		instances []domain.ChecklistInstance
		want      domain.ProjectStatus
	}{
		{"empty passes published vacuously", gs, nil, domain.ProjectPublished},
		{"conditional incomplete is ready", gs, []domain.ChecklistInstance{inst("a", domain.ChecklistInProgress)}, domain.ProjectReadyForPublish},
		{"all complete", gs, []domain.ChecklistInstance{inst("a", domain.ChecklistCompleted), inst("b", domain.ChecklistCompleted)}, domain.ProjectDelivered},
		{"delivered blocked by published", gs, []domain.ChecklistInstance{inst("a", domain.ChecklistPending), inst("b", domain.ChecklistCompleted)}, domain.ProjectReadyForPublish},
		{"unassigned unconditional requirement", []domain.Gate{strict, delivered}, []domain.ChecklistInstance{inst("a", domain.ChecklistCompleted), inst("b", domain.ChecklistCompleted)}, domain.ProjectInDevelopment},
		{"unconditional assigned but open is ready", []domain.Gate{strict, delivered}, []domain.ChecklistInstance{inst("c", domain.ChecklistPending)}, domain.ProjectReadyForPublish},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, results := gates.Derive(tc.gates, tc.instances)
			if got != tc.want {
				t.Fatalf("want %s, got %s (%+v)", tc.want, got, results)
			}
			for i := 1; i < len(results); i++ {
				if results[i].Passed && !results[i-1].Passed {
					t.Fatalf("gate %s passed after failing gate %s", results[i].Name, results[i-1].Name)
				}
			}
		})
	}
}

func TestDeriveWithoutGates(t *testing.T) {
	got, results := gates.Derive(nil, []domain.ChecklistInstance{{TemplateID: "x", Status: domain.ChecklistCompleted}})
	if got != domain.ProjectInDevelopment || len(results) != 0 {
		t.Fatalf("expected in_development with no gates, got %s", got)
	}
}

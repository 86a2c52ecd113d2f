package testutil

import (
	"context"
	"fmt"
	"sync"

	"launchline/internal/taskapi"
)

// FakeGateway is an in-memory taskapi.Gateway.
type FakeGateway struct {
	Disabled bool
	// FailCreate, when set, decides whether CreateTask fails for a task name.
	FailCreate func(name string) error

	mu        sync.Mutex
	seq       int
	Tasks     map[string]taskapi.Task
	Creates   []taskapi.CreateTaskInput
	Updates   map[string][]taskapi.UpdateTaskInput
	Deleted   []string
	DepsAdded map[string][]string
	DepsGone  map[string][]string
}

var _ taskapi.Gateway = (*FakeGateway)(nil)

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Tasks:     map[string]taskapi.Task{},
		Updates:   map[string][]taskapi.UpdateTaskInput{},
		DepsAdded: map[string][]string{},
		DepsGone:  map[string][]string{},
	}
}

func (g *FakeGateway) Enabled() bool { return !g.Disabled }

func (g *FakeGateway) CreateTask(ctx context.Context, in taskapi.CreateTaskInput) (taskapi.Task, error) {
	if g.Disabled {
		return taskapi.Task{}, taskapi.ErrNotConfigured
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Creates = append(g.Creates, in)
	if g.FailCreate != nil {
		if err := g.FailCreate(in.Name); err != nil {
			return taskapi.Task{}, err
		}
	}
	g.seq++
	task := taskapi.Task{
		ID:           fmt.Sprintf("task-%d", g.seq),
		Name:         in.Name,
		Notes:        in.Notes,
		Assignee:     in.Assignee,
		DueOn:        in.DueOn,
		Projects:     in.Projects,
		CustomFields: in.CustomFields,
	}
	g.Tasks[task.ID] = task
	return task, nil
}

func (g *FakeGateway) GetTask(ctx context.Context, id string) (taskapi.Task, error) {
	if g.Disabled {
		return taskapi.Task{}, taskapi.ErrNotConfigured
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.Tasks[id]
	if !ok {
		return taskapi.Task{}, &taskapi.APIError{StatusCode: 404, Body: "task not found"}
	}
	return task, nil
}

func (g *FakeGateway) UpdateTask(ctx context.Context, id string, in taskapi.UpdateTaskInput) (taskapi.Task, error) {
	if g.Disabled {
		return taskapi.Task{}, taskapi.ErrNotConfigured
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.Tasks[id]
	if !ok {
		return taskapi.Task{}, &taskapi.APIError{StatusCode: 404, Body: "task not found"}
	}
	if in.Completed != nil {
		task.Completed = *in.Completed
	}
	if in.Name != nil {
		task.Name = *in.Name
	}
	if in.Notes != nil {
		task.Notes = *in.Notes
	}
	if in.DueOn != nil {
		task.DueOn = *in.DueOn
	}
	g.Tasks[id] = task
	g.Updates[id] = append(g.Updates[id], in)
	return task, nil
}

func (g *FakeGateway) DeleteTask(ctx context.Context, id string) error {
	if g.Disabled {
		return taskapi.ErrNotConfigured
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.Tasks, id)
	g.Deleted = append(g.Deleted, id)
	return nil
}

func (g *FakeGateway) AddDependencies(ctx context.Context, taskID string, dependencyIDs []string) int {
	if g.Disabled {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.DepsAdded[taskID] = append(g.DepsAdded[taskID], dependencyIDs...)
	return len(dependencyIDs)
}

func (g *FakeGateway) RemoveDependencies(ctx context.Context, taskID string, dependencyIDs []string) int {
	if g.Disabled {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.DepsGone[taskID] = append(g.DepsGone[taskID], dependencyIDs...)
	return len(dependencyIDs)
}

func (g *FakeGateway) Me(ctx context.Context) (taskapi.Identity, error) {
	if g.Disabled {
		return taskapi.Identity{}, taskapi.ErrNotConfigured
	}
	return taskapi.Identity{ID: "me", Name: "Fake"}, nil
}

// SetCompleted flips a remote task's completion as if a user did it remotely.
func (g *FakeGateway) SetCompleted(id string, completed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task := g.Tasks[id]
	task.ID = id
	task.Completed = completed
	g.Tasks[id] = task
}

// CreateCount returns how many CreateTask calls were made.
func (g *FakeGateway) CreateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Creates)
}

package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"launchline/internal/config"
	"launchline/internal/domain"
	"launchline/internal/repo"
)

// Catalog is the read side of checklist templates and gates.
type Catalog struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (c Catalog) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Catalog) Template(ctx context.Context, id string) (domain.ChecklistTemplate, error) {
	t, err := c.Repo.GetTemplate(ctx, id)
	if err != nil {
		return t, fmt.Errorf("template %s: %w", id, err)
	}
	return t, nil
}

func (c Catalog) Templates(ctx context.Context) ([]domain.ChecklistTemplate, error) {
	return c.Repo.ListTemplates(ctx)
}

// Gates returns gates in ascending sort order.
func (c Catalog) Gates(ctx context.Context) ([]domain.Gate, error) {
	return c.Repo.ListGates(ctx)
}

// GloballyRequired returns the ids of templates that some gate requires
// unconditionally, sorted.
func (c Catalog) GloballyRequired(ctx context.Context) ([]string, error) {
	gates, err := c.Gates(ctx)
	if err != nil {
		return nil, err
	}
	return GloballyRequired(gates), nil
}

func GloballyRequired(gates []domain.Gate) []string {
	seen := map[string]bool{}
	var ids []string
	for _, g := range gates {
		for _, req := range g.Requirements {
			if req.RequiredIfAssigned || seen[req.TemplateID] {
				continue
			}
			seen[req.TemplateID] = true
			ids = append(ids, req.TemplateID)
		}
	}
	sort.Strings(ids)
	return ids
}

// ImportResult tallies what an import wrote.
type ImportResult struct {
	Templates int `json:"templates"`
	Gates     int `json:"gates"`
	Users     int `json:"users"`
}

// Import upserts every template, gate and user of seed in one transaction.
// Gate requirements are replaced wholesale.
func (c Catalog) Import(ctx context.Context, seed *config.Seed) (ImportResult, error) {
	var res ImportResult
	if seed == nil {
		return res, fmt.Errorf("seed is required")
	}
	if err := seed.Validate(); err != nil {
		return res, err
	}
	now := repo.Timestamp(c.now())
	tx, err := c.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	for _, st := range seed.Templates {
		active := true
		if st.Active != nil {
			active = *st.Active
		}
		version := st.Version
		if version == 0 {
			version = 1
		}
		t := domain.ChecklistTemplate{
			ID:        st.ID,
			Name:      st.Name,
			Category:  st.Category,
			Version:   version,
			Active:    active,
			Items:     st.Items,
			DependsOn: st.DependsOn,
		}
		if err := c.Repo.UpsertTemplate(ctx, tx, t, now); err != nil {
			return res, fmt.Errorf("upsert template %s: %w", st.ID, err)
		}
		res.Templates++
	}
	for _, sg := range seed.Gates {
		g := domain.Gate{ID: sg.ID, Name: domain.GateName(sg.Name), SortOrder: sg.SortOrder}
		if err := c.Repo.UpsertGate(ctx, tx, g); err != nil {
			return res, fmt.Errorf("upsert gate %s: %w", sg.ID, err)
		}
		reqs := make([]domain.GateRequirement, 0, len(sg.Requirements))
		for _, r := range sg.Requirements {
			reqs = append(reqs, domain.GateRequirement{GateID: sg.ID, TemplateID: r.Template, RequiredIfAssigned: r.RequiredIfAssigned})
		}
		if err := c.Repo.ReplaceGateRequirements(ctx, tx, sg.ID, reqs); err != nil {
			return res, fmt.Errorf("gate %s requirements: %w", sg.ID, err)
		}
		res.Gates++
	}
	for _, su := range seed.Users {
		u := domain.User{ID: su.ID, Name: su.Name, Email: su.Email, IsExecutor: su.Executor, CreatedAt: now}
		if su.ExternalID != "" {
			ext := su.ExternalID
			u.ExternalID = &ext
		}
		if u.Name == "" {
			u.Name = su.ID
		}
		if err := c.Repo.UpsertUser(ctx, tx, u); err != nil {
			return res, fmt.Errorf("upsert user %s: %w", su.ID, err)
		}
		res.Users++
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"launchline/internal/domain"
)

const templateColumns = `id,name,category,version,active,items_json,depends_on_json`

func scanTemplate(row rowScanner) (domain.ChecklistTemplate, error) {
	var t domain.ChecklistTemplate
	var active int
	var items, deps string
	err := row.Scan(&t.ID, &t.Name, &t.Category, &t.Version, &active, &items, &deps)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Active = active != 0
	if err := json.Unmarshal([]byte(items), &t.Items); err != nil {
		return t, fmt.Errorf("template %s items: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return t, fmt.Errorf("template %s depends_on: %w", t.ID, err)
	}
	return t, nil
}

// UpsertTemplate inserts or replaces a template definition.
func (r Repo) UpsertTemplate(ctx context.Context, tx *sql.Tx, t domain.ChecklistTemplate, now string) error {
	if t.Items == nil {
		t.Items = []domain.TemplateItem{}
	}
	if t.DependsOn == nil {
		t.DependsOn = []string{}
	}
	items, err := json.Marshal(t.Items)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO checklist_templates(id,name,category,version,active,items_json,depends_on_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, version=excluded.version, active=excluded.active,
items_json=excluded.items_json, depends_on_json=excluded.depends_on_json, updated_at=excluded.updated_at`,
		t.ID, t.Name, t.Category, t.Version, boolInt(t.Active), string(items), string(deps), now, now)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.ChecklistTemplate, error) {
	return scanTemplate(r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM checklist_templates WHERE id=?`, id))
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.ChecklistTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM checklist_templates ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO gates(id,name,sort_order) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, sort_order=excluded.sort_order`, g.ID, string(g.Name), g.SortOrder)
	return err
}

// ReplaceGateRequirements swaps the full requirement set of a gate.
func (r Repo) ReplaceGateRequirements(ctx context.Context, tx *sql.Tx, gateID string, reqs []domain.GateRequirement) error {
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM gate_requirements WHERE gate_id=?`, gateID); err != nil {
		return err
	}
	for _, req := range reqs {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO gate_requirements(gate_id,template_id,required_if_assigned) VALUES (?,?,?)`,
			gateID, req.TemplateID, boolInt(req.RequiredIfAssigned)); err != nil {
			return err
		}
	}
	return nil
}

// ListGates returns every gate in ascending sort order with its requirements.
func (r Repo) ListGates(ctx context.Context) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,sort_order FROM gates ORDER BY sort_order ASC`)
	if err != nil {
		return nil, err
	}
	var gates []domain.Gate
	index := map[string]int{}
	for rows.Next() {
		var g domain.Gate
		var name string
		if err := rows.Scan(&g.ID, &name, &g.SortOrder); err != nil {
			rows.Close()
			return nil, err
		}
		g.Name = domain.GateName(name)
		g.Requirements = []domain.GateRequirement{}
		index[g.ID] = len(gates)
		gates = append(gates, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	reqRows, err := r.DB.QueryContext(ctx, `SELECT gate_id,template_id,required_if_assigned FROM gate_requirements ORDER BY gate_id, template_id`)
	if err != nil {
		return nil, err
	}
	defer reqRows.Close()
	for reqRows.Next() {
		var req domain.GateRequirement
		var ria int
		if err := reqRows.Scan(&req.GateID, &req.TemplateID, &ria); err != nil {
			return nil, err
		}
		req.RequiredIfAssigned = ria != 0
		if i, ok := index[req.GateID]; ok {
			gates[i].Requirements = append(gates[i].Requirements, req)
		}
	}
	return gates, reqRows.Err()
}

package gates

import (
	"launchline/internal/domain"
)

// RequirementResult is one (gate, template) requirement as evaluated for a project.
type RequirementResult struct {
	TemplateID         string `json:"template_id"`
	RequiredIfAssigned bool   `json:"required_if_assigned"`
	Assigned           bool   `json:"assigned"`
	Completed          bool   `json:"completed"`
	Required           bool   `json:"required"`
}

// GateResult is the outcome of one gate.
type GateResult struct {
	GateID               string              `json:"gate_id"`
	Name                 domain.GateName     `json:"name"`
	SortOrder            int                 `json:"sort_order"`
	PreviousPassed       bool                `json:"previous_passed"`
	AllRequiredCompleted bool                `json:"all_required_completed"`
	AllRequiredAssigned  bool                `json:"all_required_assigned"`
	Passed               bool                `json:"passed"`
	Requirements         []RequirementResult `json:"requirements"`
}

// Derive evaluates gates (already in ascending sort order) against a
// project's instances and returns the resulting status with the per-gate
// breakdown. A gate can pass only if every earlier gate passed.
func Derive(gates []domain.Gate, instances []domain.ChecklistInstance) (domain.ProjectStatus, []GateResult) {
	byTemplate := make(map[string]domain.ChecklistInstance, len(instances))
	for _, ci := range instances {
		byTemplate[ci.TemplateID] = ci
	}

	results := make([]GateResult, 0, len(gates))
	previousPassed := true
	for _, g := range gates {
		res := GateResult{
			GateID:               g.ID,
			Name:                 g.Name,
			SortOrder:            g.SortOrder,
			PreviousPassed:       previousPassed,
			AllRequiredCompleted: true,
			AllRequiredAssigned:  true,
			Requirements:         make([]RequirementResult, 0, len(g.Requirements)),
		}
		for _, req := range g.Requirements {
			ci, assigned := byTemplate[req.TemplateID]
			rr := RequirementResult{
				TemplateID:         req.TemplateID,
				RequiredIfAssigned: req.RequiredIfAssigned,
				Assigned:           assigned,
				Completed:          assigned && ci.Status.Completed(),
				Required:           !req.RequiredIfAssigned || assigned,
			}
			if rr.Required && !rr.Completed {
				res.AllRequiredCompleted = false
			}
			if rr.Required && !rr.Assigned {
				res.AllRequiredAssigned = false
			}
			res.Requirements = append(res.Requirements, rr)
		}
		res.Passed = previousPassed && res.AllRequiredCompleted
		previousPassed = res.Passed
		results = append(results, res)
	}
	return statusFor(results), results
}

// statusFor applies the status ladder; the first matching rule wins.
func statusFor(results []GateResult) domain.ProjectStatus {
	byName := make(map[domain.GateName]GateResult, len(results))
	for _, r := range results {
		byName[r.Name] = r
	}
	if r, ok := byName[domain.GateDelivered]; ok && r.Passed {
		return domain.ProjectDelivered
	}
	published, ok := byName[domain.GatePublished]
	if ok && published.Passed {
		return domain.ProjectPublished
	}
	if ok && published.AllRequiredAssigned {
		return domain.ProjectReadyForPublish
	}
	return domain.ProjectInDevelopment
}

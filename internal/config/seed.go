package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"launchline/internal/domain"
)

// Seed models catalog.yml: checklist templates, gates with their
// requirements, and the user directory.
type Seed struct {
	Templates []SeedTemplate `yaml:"templates"`
	Gates     []SeedGate     `yaml:"gates"`
	Users     []SeedUser     `yaml:"users"`
}

type SeedTemplate struct {
	ID        string                `yaml:"id"`
	Name      string                `yaml:"name"`
	Category  string                `yaml:"category"`
	Version   int                   `yaml:"version"`
	Active    *bool                 `yaml:"active"`
	Items     []domain.TemplateItem `yaml:"items"`
	DependsOn []string              `yaml:"depends_on"`
}

type SeedGate struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	SortOrder    int               `yaml:"sort_order"`
	Requirements []SeedRequirement `yaml:"requirements"`
}

type SeedRequirement struct {
	Template           string `yaml:"template"`
	RequiredIfAssigned bool   `yaml:"required_if_assigned"`
}

type SeedUser struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	Executor   bool   `yaml:"executor"`
	ExternalID string `yaml:"external_id"`
}

// Validate ensures the seed meets required structure.
func (s *Seed) Validate() error {
	templates := map[string]bool{}
	for _, t := range s.Templates {
		if t.ID == "" {
			return fmt.Errorf("templates: id is required")
		}
		if templates[t.ID] {
			return fmt.Errorf("template %s defined twice", t.ID)
		}
		templates[t.ID] = true
		if t.Name == "" {
			return fmt.Errorf("template %s: name is required", t.ID)
		}
		if t.Category == "" {
			return fmt.Errorf("template %s: category is required", t.ID)
		}
		if t.Version < 0 {
			return fmt.Errorf("template %s: version must not be negative", t.ID)
		}
		for i, item := range t.Items {
			if item.Title == "" {
				return fmt.Errorf("template %s: item %d has empty title", t.ID, i)
			}
		}
	}
	for _, t := range s.Templates {
		for _, dep := range t.DependsOn {
			if !templates[dep] {
				return fmt.Errorf("template %s depends on unknown template %s", t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("template %s depends on itself", t.ID)
			}
		}
	}
	orders := map[int]string{}
	names := map[domain.GateName]bool{}
	for _, g := range s.Gates {
		if g.ID == "" {
			return fmt.Errorf("gates: id is required")
		}
		name, err := domain.ParseGateName(g.Name)
		if err != nil {
			return fmt.Errorf("gate %s: %w", g.ID, err)
		}
		if names[name] {
			return fmt.Errorf("gate name %s defined twice", name)
		}
		names[name] = true
		if other, ok := orders[g.SortOrder]; ok {
			return fmt.Errorf("gates %s and %s share sort_order %d", other, g.ID, g.SortOrder)
		}
		orders[g.SortOrder] = g.ID
		for _, req := range g.Requirements {
			if !templates[req.Template] {
				return fmt.Errorf("gate %s requires unknown template %s", g.ID, req.Template)
			}
		}
	}
	users := map[string]bool{}
	for _, u := range s.Users {
		if u.ID == "" {
			return fmt.Errorf("users: id is required")
		}
		if users[u.ID] {
			return fmt.Errorf("user %s defined twice", u.ID)
		}
		users[u.ID] = true
	}
	return nil
}

// SeedFromYAML parses and validates a seed from raw YAML bytes.
func SeedFromYAML(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid seed yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// SeedFromFile reads a YAML seed from the given path.
func SeedFromFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return SeedFromYAML(data)
}

// DefaultSeed returns the built-in catalog.
func DefaultSeed() *Seed {
	s, err := SeedFromYAML([]byte(defaultSeed))
	if err != nil {
		panic(fmt.Sprintf("default seed: %v", err))
	}
	return s
}

// MarshalSeed renders a seed back to YAML.
func MarshalSeed(s *Seed) ([]byte, error) {
	return yaml.Marshal(s)
}

const defaultSeed = `templates:
  - id: seo
    name: SEO
    category: marketing
    version: 1
    items:
      - {title: "Meta titles and descriptions set", required: true}
      - {title: "Sitemap submitted", required: true}
      - {title: "Structured data validated", required: false}

  - id: tech
    name: Tech
    category: engineering
    version: 1
    items:
      - {title: "TLS certificate valid", required: true}
      - {title: "Error monitoring wired", required: true}
      - {title: "Backups scheduled", required: true}

  - id: privacy
    name: Privacy
    category: legal
    version: 1
    items:
      - {title: "Cookie banner configured", required: true}
      - {title: "Privacy policy published", required: true}

  - id: performance
    name: Performance
    category: engineering
    version: 1
    depends_on: [tech]
    items:
      - {title: "Core Web Vitals within budget", required: true}
      - {title: "CDN caching verified", required: false}

gates:
  - id: gate-published
    name: published
    sort_order: 1
    requirements:
      - {template: seo, required_if_assigned: false}
      - {template: tech, required_if_assigned: false}
      - {template: privacy, required_if_assigned: false}

  - id: gate-delivered
    name: delivered
    sort_order: 2
    requirements:
      - {template: performance, required_if_assigned: true}
`

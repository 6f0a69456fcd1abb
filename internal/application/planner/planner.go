// Package planner provides keyword template planning strategies.
package planner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aescanero/taskloop/pkg/domain"
	"gopkg.in/yaml.v3"
)

// queryPlaceholder is replaced by the user query in step names and descriptions
const queryPlaceholder = "{query}"

// Step is one subtask of a template
type Step struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Effort      int    `yaml:"effort"`
}

// Template is an ordered chain of steps selected by query keywords
type Template struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Steps    []Step   `yaml:"steps"`
}

// Matches reports whether any keyword occurs in the query, case-insensitively
func (t Template) Matches(query string) bool {
	q := strings.ToLower(query)
	for _, kw := range t.Keywords {
		if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// TemplateFile is the YAML layout accepted by LoadTemplates
type TemplateFile struct {
	Templates []Template `yaml:"templates"`
	Fallback  *Template  `yaml:"fallback"`
}

// TemplatePlanner picks the first template whose keywords match the query
// and expands it into a linear chain of subtasks
type TemplatePlanner struct {
	templates []Template
	fallback  Template
}

// NewTemplatePlanner creates a planner from templates, tried in order, and a fallback
func NewTemplatePlanner(templates []Template, fallback Template) *TemplatePlanner {
	return &TemplatePlanner{
		templates: templates,
		fallback:  fallback,
	}
}

// NewDefaultPlanner creates a planner with the built-in feature, report and generic templates
func NewDefaultPlanner() *TemplatePlanner {
	templates, fallback := DefaultTemplates()
	return NewTemplatePlanner(templates, fallback)
}

// DefaultTemplates returns the built-in templates and the generic fallback
func DefaultTemplates() ([]Template, Template) {
	templates := []Template{
		{
			Name:     "feature",
			Keywords: []string{"feature"},
			Steps: []Step{
				{Name: "Design feature", Description: "Detailed design for: {query}"},
				{Name: "Implement feature", Description: "Code implementation for: {query}"},
				{Name: "Test feature", Description: "Unit and integration tests for: {query}"},
			},
		},
		{
			Name:     "report",
			Keywords: []string{"report"},
			Steps: []Step{
				{Name: "Gather data", Description: "Collect the data needed for: {query}"},
				{Name: "Analyze data", Description: "Analyze the collected data for: {query}"},
				{Name: "Generate report", Description: "Write the final report for: {query}"},
			},
		},
	}
	fallback := Template{
		Name: "generic",
		Steps: []Step{
			{Name: "Generic step 1", Description: "First general step for: {query}"},
			{Name: "Generic step 2", Description: "Second general step for: {query}"},
		},
	}
	return templates, fallback
}

// LoadTemplates reads a YAML template file. Without a fallback entry the
// built-in generic template is used.
func LoadTemplates(path string) (*TemplatePlanner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read templates: %w", err)
	}

	var file TemplateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates %s: %w", path, err)
	}

	_, fallback := DefaultTemplates()
	if file.Fallback != nil {
		fallback = *file.Fallback
	}

	for _, t := range append(file.Templates, fallback) {
		if len(t.Steps) == 0 {
			return nil, fmt.Errorf("template %q has no steps", t.Name)
		}
	}

	return NewTemplatePlanner(file.Templates, fallback), nil
}

// Plan implements ports.Planner
func (p *TemplatePlanner) Plan(ctx context.Context, mt *domain.MainTask) ([]domain.SubTask, error) {
	if mt == nil {
		return nil, fmt.Errorf("main task is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmpl := p.Select(mt.UserQuery)
	if len(tmpl.Steps) == 0 {
		return nil, fmt.Errorf("template %q has no steps", tmpl.Name)
	}

	subtasks := make([]domain.SubTask, 0, len(tmpl.Steps))
	for _, step := range tmpl.Steps {
		var deps []string
		if n := len(subtasks); n > 0 {
			deps = append(deps, subtasks[n-1].ID)
		}
		st := domain.NewSubTask(expand(step.Name, mt.UserQuery), expand(step.Description, mt.UserQuery), deps...)
		if step.Effort > 0 {
			st.Effort = step.Effort
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

// Select returns the template used for query
func (p *TemplatePlanner) Select(query string) Template {
	for _, t := range p.templates {
		if t.Matches(query) {
			return t
		}
	}
	return p.fallback
}

func expand(s, query string) string {
	return strings.ReplaceAll(s, queryPlaceholder, query)
}

// Package scenario provides the static coaching-scenario templates and the
// per-session state that walks them.
//
// A template is a directed graph of steps. Each step carries a prompt
// template with `{variable}` placeholders, a set of expected variables to
// extract from the learner's speech, and the list of steps it may advance to.
// Templates are loaded once at startup and never mutated; per-session
// progress lives in [State].
package scenario

import (
	"errors"
	"fmt"
)

// VarType is the semantic type of a scenario variable.
type VarType string

const (
	VarText    VarType = "text"
	VarNumber  VarType = "number"
	VarBoolean VarType = "boolean"
	VarChoice  VarType = "choice"
)

// IsValid reports whether t is a recognised variable type.
func (t VarType) IsValid() bool {
	switch t {
	case VarText, VarNumber, VarBoolean, VarChoice:
		return true
	}
	return false
}

// Variable declares a value the scenario expects to collect from the learner.
type Variable struct {
	Name     string  `yaml:"name" json:"name"`
	Type     VarType `yaml:"type" json:"type"`
	Required bool    `yaml:"required" json:"required"`
	Default  string  `yaml:"default" json:"default"`

	// Choices lists the accepted values for VarChoice variables.
	Choices []string `yaml:"choices" json:"choices"`
}

// Step is one node of the scenario graph.
type Step struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`

	// Expects names the variables this step tries to collect.
	Expects []string `yaml:"expects" json:"expects"`

	// Successors lists the step IDs this step may advance to. Advancement
	// outside this list is rejected.
	Successors []string `yaml:"successors" json:"successors"`

	// Terminal marks steps with no further progression.
	Terminal bool `yaml:"terminal" json:"terminal"`
}

// Template is a full scenario definition.
type Template struct {
	ID        string     `yaml:"id" json:"id"`
	Name      string     `yaml:"name" json:"name"`
	Language  string     `yaml:"language" json:"language"`
	FirstStep string     `yaml:"first_step" json:"first_step"`
	Variables []Variable `yaml:"variables" json:"variables"`
	Steps     []Step     `yaml:"steps" json:"steps"`
}

// StepByID returns the step with the given ID, or nil.
func (t *Template) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// VariableByName returns the declaration of the named variable, or nil.
func (t *Template) VariableByName(name string) *Variable {
	for i := range t.Variables {
		if t.Variables[i].Name == name {
			return &t.Variables[i]
		}
	}
	return nil
}

// Validate checks internal consistency: the first step exists, successors and
// expected variables reference declared entities, and choice variables carry
// options. It returns a joined error listing all failures.
func (t *Template) Validate() error {
	var errs []error

	if t.ID == "" {
		errs = append(errs, errors.New("scenario id must not be empty"))
	}
	if len(t.Steps) == 0 {
		errs = append(errs, errors.New("scenario must declare at least one step"))
	}
	if t.StepByID(t.FirstStep) == nil {
		errs = append(errs, fmt.Errorf("first_step %q is not a declared step", t.FirstStep))
	}

	for _, v := range t.Variables {
		if !v.Type.IsValid() {
			errs = append(errs, fmt.Errorf("variable %q has invalid type %q", v.Name, v.Type))
		}
		if v.Type == VarChoice && len(v.Choices) == 0 {
			errs = append(errs, fmt.Errorf("choice variable %q declares no choices", v.Name))
		}
	}

	seen := make(map[string]bool, len(t.Steps))
	for _, s := range t.Steps {
		if s.ID == "" {
			errs = append(errs, errors.New("step id must not be empty"))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
	}
	for _, s := range t.Steps {
		for _, succ := range s.Successors {
			if !seen[succ] {
				errs = append(errs, fmt.Errorf("step %q lists unknown successor %q", s.ID, succ))
			}
		}
		for _, name := range s.Expects {
			if t.VariableByName(name) == nil {
				errs = append(errs, fmt.Errorf("step %q expects undeclared variable %q", s.ID, name))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("scenario %q: %w", t.ID, errors.Join(errs...))
	}
	return nil
}

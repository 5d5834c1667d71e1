package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Library is the immutable set of scenario templates loaded at startup.
type Library struct {
	templates map[string]*Template
}

// Get returns the template with the given ID, or nil.
func (l *Library) Get(id string) *Template {
	return l.templates[id]
}

// IDs returns the loaded template IDs.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.templates))
	for id := range l.templates {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of loaded templates.
func (l *Library) Len() int { return len(l.templates) }

// LoadDir reads every *.yaml, *.yml, and *.json file in dir as a scenario
// template, validates it, and returns the resulting library. A missing
// directory yields an empty library, not an error, so deployments without
// scenarios stay free-form.
func LoadDir(dir string) (*Library, error) {
	lib := &Library{templates: make(map[string]*Template)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return nil, fmt.Errorf("scenario: read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		tpl, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := lib.templates[tpl.ID]; dup {
			return nil, fmt.Errorf("scenario: duplicate template id %q in %s", tpl.ID, e.Name())
		}
		lib.templates[tpl.ID] = tpl
	}
	return lib, nil
}

// LoadFile reads and validates a single template file. The format is chosen
// by extension: .json uses JSON, everything else YAML.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}

	var tpl Template
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &tpl)
	} else {
		err = yaml.Unmarshal(data, &tpl)
	}
	if err != nil {
		return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
	}

	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("scenario: %s: %w", path, err)
	}
	return &tpl, nil
}

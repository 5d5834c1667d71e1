// Package agentprofile provides the static coach personas. A profile names
// the system prompt, synthesis voice, and default emotion used for a session;
// it is loaded at startup and never mutated.
package agentprofile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

// Profile is one coach persona.
type Profile struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`

	// SystemPrompt is the base instruction prepended to every LLM request
	// for sessions using this profile.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// VoiceID selects the synthesis speaker.
	VoiceID string `yaml:"voice_id" json:"voice_id"`

	// DefaultEmotion seeds the session before the first tagged turn.
	DefaultEmotion voice.Emotion `yaml:"default_emotion" json:"default_emotion"`
}

// Validate checks the profile for internal consistency.
func (p *Profile) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("profile id must not be empty"))
	}
	if p.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt must not be empty"))
	}
	if p.DefaultEmotion != "" && !p.DefaultEmotion.IsValid() {
		errs = append(errs, fmt.Errorf("default_emotion %q is not a recognised label", p.DefaultEmotion))
	}
	if len(errs) > 0 {
		return fmt.Errorf("agent profile %q: %w", p.ID, errors.Join(errs...))
	}
	return nil
}

// DefaultProfile is used when a session names no profile and none is
// configured. The prompt matches the tone of the shipped French coach.
func DefaultProfile() *Profile {
	return &Profile{
		ID:          "coach",
		DisplayName: "Coach Eloquence",
		SystemPrompt: "Tu es un coach d'éloquence bienveillant. Tu aides " +
			"l'utilisateur à améliorer son expression orale en français. " +
			"Réponds de façon concise et encourageante.",
		DefaultEmotion: voice.EmotionNeutral,
	}
}

// Library is the immutable set of loaded profiles.
type Library struct {
	profiles map[string]*Profile
}

// Get returns the profile with the given ID, or nil.
func (l *Library) Get(id string) *Profile { return l.profiles[id] }

// Len returns the number of loaded profiles.
func (l *Library) Len() int { return len(l.profiles) }

// LoadDir reads every *.yaml, *.yml, and *.json file in dir as a profile.
// A missing directory yields an empty library.
func LoadDir(dir string) (*Library, error) {
	lib := &Library{profiles: make(map[string]*Profile)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return nil, fmt.Errorf("agentprofile: read dir %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("agentprofile: read %s: %w", path, err)
		}

		var p Profile
		if ext == ".json" {
			err = json.Unmarshal(data, &p)
		} else {
			err = yaml.Unmarshal(data, &p)
		}
		if err != nil {
			return nil, fmt.Errorf("agentprofile: parse %s: %w", path, err)
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("agentprofile: %s: %w", path, err)
		}
		if _, dup := lib.profiles[p.ID]; dup {
			return nil, fmt.Errorf("agentprofile: duplicate profile id %q in %s", p.ID, e.Name())
		}
		lib.profiles[p.ID] = &p
	}
	return lib, nil
}

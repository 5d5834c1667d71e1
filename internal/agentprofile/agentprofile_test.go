package agentprofile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	src := `
id: recruteur
display_name: Recruteur
system_prompt: "Tu joues un recruteur exigeant mais juste."
voice_id: fr_male_1
default_emotion: neutre
`
	if err := os.WriteFile(filepath.Join(dir, "recruteur.yaml"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	lib, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	p := lib.Get("recruteur")
	if p == nil {
		t.Fatal("profile not loaded")
	}
	if p.VoiceID != "fr_male_1" {
		t.Errorf("VoiceID = %q", p.VoiceID)
	}
	if p.DefaultEmotion != voice.EmotionNeutral {
		t.Errorf("DefaultEmotion = %q, want neutre", p.DefaultEmotion)
	}
}

func TestLoadDir_InvalidEmotionRejected(t *testing.T) {
	dir := t.TempDir()
	src := `
id: bad
system_prompt: "x"
default_emotion: furieux
`
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Fatal("invalid emotion accepted")
	}
}

func TestLoadDir_Missing(t *testing.T) {
	lib, err := LoadDir(filepath.Join(t.TempDir(), "none"))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if lib.Len() != 0 {
		t.Errorf("Len = %d, want 0", lib.Len())
	}
}

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Fatalf("default profile invalid: %v", err)
	}
}

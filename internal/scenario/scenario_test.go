package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// interviewTemplate mirrors the job-interview scenario shipped with the
// server: presentation → parcours → motivation.
func interviewTemplate() *Template {
	return &Template{
		ID:        "entretien_embauche",
		Name:      "Entretien d'embauche",
		Language:  "fr",
		FirstStep: "presentation",
		Variables: []Variable{
			{Name: "prenom", Type: VarText, Required: true},
			{Name: "annees_experience", Type: VarNumber},
			{Name: "disponible", Type: VarBoolean},
			{Name: "poste", Type: VarChoice, Choices: []string{"développeur", "designer", "chef de projet"}},
		},
		Steps: []Step{
			{
				ID:         "presentation",
				Prompt:     "Demande au candidat de se présenter. Prénom connu: {prenom}.",
				Expects:    []string{"prenom"},
				Successors: []string{"parcours"},
			},
			{
				ID:         "parcours",
				Prompt:     "Interroge {prenom} sur son parcours.",
				Expects:    []string{"annees_experience", "poste"},
				Successors: []string{"motivation"},
			},
			{
				ID:       "motivation",
				Prompt:   "Conclus l'entretien.",
				Terminal: true,
			},
		},
	}
}

func TestTemplate_Validate(t *testing.T) {
	if err := interviewTemplate().Validate(); err != nil {
		t.Fatalf("valid template rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Template)
		want   string
	}{
		{
			name:   "unknown first step",
			mutate: func(tpl *Template) { tpl.FirstStep = "absent" },
			want:   "first_step",
		},
		{
			name: "unknown successor",
			mutate: func(tpl *Template) {
				tpl.Steps[0].Successors = []string{"nowhere"}
			},
			want: "unknown successor",
		},
		{
			name: "undeclared expected variable",
			mutate: func(tpl *Template) {
				tpl.Steps[0].Expects = []string{"ghost"}
			},
			want: "undeclared variable",
		},
		{
			name: "choice without options",
			mutate: func(tpl *Template) {
				tpl.Variables[3].Choices = nil
			},
			want: "no choices",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tpl := interviewTemplate()
			tc.mutate(tpl)
			err := tpl.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadDir_YAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlSrc := `
id: accueil
language: fr
first_step: intro
steps:
  - id: intro
    prompt: "Accueille le client."
    terminal: true
`
	jsonSrc := `{
  "id": "vente",
  "language": "fr",
  "first_step": "pitch",
  "steps": [{"id": "pitch", "prompt": "Présente le produit.", "terminal": true}]
}`

	if err := os.WriteFile(filepath.Join(dir, "accueil.yaml"), []byte(yamlSrc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "vente.json"), []byte(jsonSrc), 0o644); err != nil {
		t.Fatal(err)
	}
	// Non-template files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o644); err != nil {
		t.Fatal(err)
	}

	lib, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if lib.Len() != 2 {
		t.Fatalf("loaded %d templates, want 2", lib.Len())
	}
	if lib.Get("accueil") == nil || lib.Get("vente") == nil {
		t.Errorf("missing template, have %v", lib.IDs())
	}
}

func TestLoadDir_MissingDirIsEmpty(t *testing.T) {
	lib, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if lib.Len() != 0 {
		t.Errorf("got %d templates, want 0", lib.Len())
	}
}

func TestState_ObserveExtractsAndAdvances(t *testing.T) {
	st := NewState(interviewTemplate())

	if st.StepID() != "presentation" {
		t.Fatalf("initial step = %q, want presentation", st.StepID())
	}

	// The text variable binds the whole transcript and satisfies the step.
	advanced := st.Observe("Bonjour, je m'appelle Marie.")
	if !advanced {
		t.Fatal("expected advancement after binding prenom")
	}
	if st.StepID() != "parcours" {
		t.Fatalf("step = %q, want parcours", st.StepID())
	}

	// Number and choice extraction on the second step; neither is required,
	// so the step advances once observed.
	st.Observe("J'ai 5 ans d'expérience comme développeur.")
	b := st.Bindings()
	if b["annees_experience"] != "5" {
		t.Errorf("annees_experience = %q, want 5", b["annees_experience"])
	}
	if b["poste"] != "développeur" {
		t.Errorf("poste = %q, want développeur", b["poste"])
	}
}

func TestState_AdvanceRejectsNonSuccessor(t *testing.T) {
	st := NewState(interviewTemplate())

	if err := st.Advance("motivation"); err == nil {
		t.Fatal("advance to non-successor succeeded")
	}
	if st.StepID() != "presentation" {
		t.Errorf("step moved to %q on rejected advance", st.StepID())
	}

	if err := st.Advance("parcours"); err != nil {
		t.Fatalf("advance to declared successor failed: %v", err)
	}
}

func TestState_TerminalStepNeverAdvances(t *testing.T) {
	tpl := interviewTemplate()
	st := NewState(tpl)
	st.stepID = "motivation"

	if st.Observe("peu importe") {
		t.Fatal("terminal step advanced")
	}
	if st.StepID() != "motivation" {
		t.Errorf("step = %q, want motivation", st.StepID())
	}
}

func TestState_PromptFillsPlaceholders(t *testing.T) {
	st := NewState(interviewTemplate())

	// Unbound without default: placeholder survives.
	if got := st.Prompt(); !strings.Contains(got, "{prenom}") {
		t.Errorf("prompt = %q, want untouched placeholder", got)
	}

	st.Observe("Marie")
	st.stepID = "parcours"
	if got := st.Prompt(); got != "Interroge Marie sur son parcours." {
		t.Errorf("prompt = %q", got)
	}
}

func TestExtractBoolean(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Oui, tout à fait.", "true", true},
		{"non merci", "false", true},
		{"peut-être", "", false},
	}
	for _, tc := range cases {
		got, ok := extractBoolean(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("extractBoolean(%q) = (%q, %v), want (%q, %v)",
				tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractChoice_Fuzzy(t *testing.T) {
	choices := []string{"développeur", "designer", "chef de projet"}

	// ASR often mangles accents; fuzzy matching should still land.
	got, ok := extractChoice("je suis developeur web", choices)
	if !ok || got != "développeur" {
		t.Fatalf("extractChoice = (%q, %v), want développeur", got, ok)
	}

	if _, ok := extractChoice("je fais de la boulangerie", choices); ok {
		t.Error("unrelated transcript matched a choice")
	}
}

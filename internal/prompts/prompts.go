package prompts

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Set holds every piece of wording the bot sends to a model or a user.
type Set struct {
	Intake   Intake   `yaml:"intake"`
	Review   Review   `yaml:"review"`
	Vision   Vision   `yaml:"vision"`
	Messages Messages `yaml:"messages"`
}

type Intake struct {
	System          string `yaml:"system"`
	StrictSuffix    string `yaml:"strict_suffix"`
	DefaultQuestion string `yaml:"default_question"`
}

// SystemPrompt is the intake instruction block sent on every turn.
func (i Intake) SystemPrompt() string {
	sys := strings.TrimSpace(i.System)
	if suffix := strings.TrimSpace(i.StrictSuffix); suffix != "" {
		sys += "\n\n" + suffix
	}
	return sys
}

type Review struct {
	System         string `yaml:"system"`
	User           string `yaml:"user"`
	Schema         string `yaml:"schema"`
	FriendlySystem string `yaml:"friendly_system"`
	FriendlyUser   string `yaml:"friendly_user"`
	Apology        string `yaml:"apology"`
}

type Vision struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type Messages struct {
	Welcome          string `yaml:"welcome"`
	NewCase          string `yaml:"new_case"`
	AskText          string `yaml:"ask_text"`
	AskFile          string `yaml:"ask_file"`
	TextAdded        string `yaml:"text_added"`
	FileAdded        string `yaml:"file_added"`
	TechnicalProblem string `yaml:"technical_problem"`
	SummaryTitle     string `yaml:"summary_title"`
	RedFlagsTitle    string `yaml:"red_flags_title"`
	UrgentWarning    string `yaml:"urgent_warning"`
	SummaryFooter    string `yaml:"summary_footer"`
	ReviewHint       string `yaml:"review_hint"`
	NoEvidence       string `yaml:"no_evidence"`
	Analyzing        string `yaml:"analyzing"`
	ReviewFailed     string `yaml:"review_failed"`
	ReviewTitle      string `yaml:"review_title"`
	FreeTextHint     string `yaml:"free_text_hint"`
	ExpectFile       string `yaml:"expect_file"`
	Cancelled        string `yaml:"cancelled"`
	SessionExpired   string `yaml:"session_expired"`
}

// Default returns the embedded wording.
func Default() *Set {
	set, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded defaults: %v", err))
	}
	return set
}

// DefaultYAML returns a copy of the embedded defaults, suitable as a
// starting point for an override file.
func DefaultYAML() []byte {
	return append([]byte(nil), defaultYAML...)
}

// Parse decodes data on top of a zero Set.
func Parse(data []byte) (*Set, error) {
	var set Set
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("prompts: payload is empty")
	}
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("prompts: decode: %w", err)
	}
	return &set, nil
}

// Load reads an override file and layers it over the defaults. An empty
// path returns the defaults.
func Load(path string) (*Set, error) {
	set := Default()
	if strings.TrimSpace(path) == "" {
		return set, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	// yaml.v3 leaves fields absent from the document untouched.
	if err := yaml.Unmarshal(data, set); err != nil {
		return nil, fmt.Errorf("prompts: decode %s: %w", path, err)
	}
	return set, nil
}

// Format substitutes {name} placeholders. kv is a flat list of name, value pairs.
func Format(tmpl string, kv ...string) string {
	if len(kv) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

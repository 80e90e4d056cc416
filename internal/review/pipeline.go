package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/caseintake/internal/contract"
	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/llm"
	"github.com/stellarlinkco/caseintake/internal/prompts"
)

// ErrNoEvidence is returned when a case holds nothing for the requesting user.
var ErrNoEvidence = errors.New("no evidence for this case")

const ellipsis = "…"

// QuoteEvidence renders fragments as bounded quotes in ledger order. A
// fragment longer than limit characters is cut to limit-1 and marked with an
// ellipsis. Blank fragments are skipped.
func QuoteEvidence(records []evidence.Record, limit int) []string {
	quotes := make([]string, 0, len(records))
	for _, r := range records {
		frag := strings.TrimSpace(r.Fragment)
		if frag == "" {
			continue
		}
		if limit > 1 && utf8.RuneCountInString(frag) > limit {
			runes := []rune(frag)
			frag = string(runes[:limit-1]) + ellipsis
		}
		quotes = append(quotes, frag)
	}
	return quotes
}

// Records serves a fixed record set as a Loader, filtered by case and user.
type Records []evidence.Record

func (rs Records) Load(caseID, userID string) ([]evidence.Record, error) {
	out := []evidence.Record{}
	for _, r := range rs {
		if r.CaseID == caseID && r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Package is the review artifact handed to the transport.
type Package struct {
	CaseID       string               `json:"case_id"`
	ClinicalJSON *contract.Assessment `json:"clinical_json"`
	PatientText  string               `json:"patient_text"`

	// Rendered is false when the friendly text is the apology fallback.
	Rendered bool `json:"-"`
}

type Options struct {
	ReasoningModel string
	FriendlyModel  string
	Temperature    float64
	QuoteLimit     int
	Debug          bool
}

// Pipeline turns the ledger of one case into an assessment.
type Pipeline struct {
	loader  evidence.Loader
	client  llm.Client
	prompts *prompts.Set
	opts    Options
}

func NewPipeline(loader evidence.Loader, client llm.Client, set *prompts.Set, opts Options) *Pipeline {
	if set == nil {
		set = prompts.Default()
	}
	if opts.QuoteLimit <= 0 {
		opts.QuoteLimit = 300
	}
	if opts.FriendlyModel == "" {
		opts.FriendlyModel = opts.ReasoningModel
	}
	return &Pipeline{loader: loader, client: client, prompts: set, opts: opts}
}

// Analyze loads the evidence of (caseID, userID) and asks for a
// schema-constrained assessment.
func (p *Pipeline) Analyze(ctx context.Context, caseID, userID string) (*contract.Assessment, error) {
	records, err := p.loader.Load(caseID, userID)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	quotes := QuoteEvidence(records, p.opts.QuoteLimit)
	if len(quotes) == 0 {
		return nil, ErrNoEvidence
	}

	prompt := prompts.Format(p.prompts.Review.User,
		"schema", strings.TrimSpace(p.prompts.Review.Schema),
		"case_id", caseID,
		"evidence", "- "+strings.Join(quotes, "\n- "),
	)
	raw, err := p.client.Complete(ctx, llm.Request{
		Model:       p.opts.ReasoningModel,
		System:      strings.TrimSpace(p.prompts.Review.System),
		Messages:    []model.Message{llm.UserText(prompt)},
		Temperature: llm.Float(p.opts.Temperature),
	})
	if err != nil {
		return nil, err
	}
	if p.opts.Debug {
		log.Printf("[review] raw assessment for %s: %.200s", caseID, raw)
	}

	a, err := contract.ParseAssessment(raw)
	if err != nil {
		return nil, err
	}
	if a.CaseID == "" {
		a.CaseID = caseID
	}
	log.Printf("[review] %s: triage=%s differential=%d", caseID, a.Triage, len(a.Differential))
	return a, nil
}

// Render asks for a human-readable version of a. On failure the apology
// text is returned together with the error.
func (p *Pipeline) Render(ctx context.Context, a *contract.Assessment) (string, error) {
	body, err := MarshalAssessment(a)
	if err != nil {
		return p.prompts.Review.Apology, fmt.Errorf("marshal assessment: %w", err)
	}
	text, err := p.client.Complete(ctx, llm.Request{
		Model:    p.opts.FriendlyModel,
		System:   strings.TrimSpace(p.prompts.Review.FriendlySystem),
		Messages: []model.Message{llm.UserText(prompts.Format(p.prompts.Review.FriendlyUser, "assessment", body))},
	})
	if err != nil {
		log.Printf("[review] render %s failed, using apology: %v", a.CaseID, err)
		return p.prompts.Review.Apology, err
	}
	return strings.TrimSpace(text), nil
}

// Review runs Analyze then Render. Only Analyze errors are returned.
func (p *Pipeline) Review(ctx context.Context, caseID, userID string) (*Package, error) {
	a, err := p.Analyze(ctx, caseID, userID)
	if err != nil {
		return nil, err
	}
	text, renderErr := p.Render(ctx, a)
	return &Package{CaseID: caseID, ClinicalJSON: a, PatientText: text, Rendered: renderErr == nil}, nil
}

// MarshalAssessment encodes a as indented JSON without HTML escaping.
func MarshalAssessment(a *contract.Assessment) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Format renders pkg as markdown: title, friendly text, then the raw JSON.
func (pkg *Package) Format(title string) string {
	body, err := MarshalAssessment(pkg.ClinicalJSON)
	if err != nil {
		body = "{}"
	}
	var sb strings.Builder
	if title != "" {
		sb.WriteString(title)
		sb.WriteString("\n")
	}
	sb.WriteString(pkg.PatientText)
	sb.WriteString("\n\n```json\n")
	sb.WriteString(body)
	sb.WriteString("\n```")
	return sb.String()
}

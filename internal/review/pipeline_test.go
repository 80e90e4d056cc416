package review

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stellarlinkco/caseintake/internal/contract"
	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/llm"
	"github.com/stellarlinkco/caseintake/internal/prompts"
)

const validAssessment = `Here you go:
{"case_id":"c1","summary":"3 days of \"headache\"","triage":"urgent",
 "differential":[{"dx":"Migraine","likelihood":"high","rationale":"typical","evidence_quotes":["headache"]}],
 "red_flags":["thunderclap onset"],"next_steps":["neuro exam"]}`

type fakeClient struct {
	replies []string
	errs    []error
	calls   []llm.Request
}

func (c *fakeClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	i := len(c.calls)
	c.calls = append(c.calls, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.replies) {
		return c.replies[i], nil
	}
	return "", errors.New("unexpected call")
}

type errLoader struct{}

func (errLoader) Load(caseID, userID string) ([]evidence.Record, error) {
	return nil, &evidence.StorageError{Op: "read", Err: errors.New("io")}
}

func seededLedger(t *testing.T, recs ...evidence.Record) *evidence.Ledger {
	t.Helper()
	l := evidence.NewLedger(filepath.Join(t.TempDir(), "evidence.jsonl"))
	if err := l.Append(recs...); err != nil {
		t.Fatal(err)
	}
	return l
}

func rec(caseID, userID, frag string) evidence.Record {
	return evidence.New(caseID, userID, evidence.RolePatientText, frag, evidence.Source{Type: evidence.SourceTest})
}

func TestQuoteEvidence(t *testing.T) {
	long := strings.Repeat("я", 305)
	quotes := QuoteEvidence([]evidence.Record{
		{Fragment: "  short  "},
		{Fragment: "   "},
		{Fragment: long},
		{Fragment: strings.Repeat("a", 300)},
	}, 300)

	if len(quotes) != 3 {
		t.Fatalf("quotes = %d, want 3 (blank skipped)", len(quotes))
	}
	if quotes[0] != "short" {
		t.Errorf("quote 0 = %q", quotes[0])
	}
	if n := utf8.RuneCountInString(quotes[1]); n != 300 {
		t.Errorf("truncated length = %d runes, want 300", n)
	}
	if !strings.HasSuffix(quotes[1], "…") {
		t.Error("truncated quote should end with an ellipsis")
	}
	if quotes[2] != strings.Repeat("a", 300) {
		t.Error("a fragment exactly at the limit is kept whole")
	}
}

func TestAnalyze(t *testing.T) {
	ledger := seededLedger(t, rec("c1", "u1", "headache for 3 days"), rec("c1", "u2", "other user"), rec("c2", "u1", "other case"), rec("c1", "u1", "Hb 120"))
	client := &fakeClient{replies: []string{validAssessment}}
	p := NewPipeline(ledger, client, prompts.Default(), Options{ReasoningModel: "r"})

	a, err := p.Analyze(context.Background(), "c1", "u1")
	if err != nil {
		t.Fatalf("Analyze error: %v", err)
	}
	if a.Triage != contract.TriageUrgent || len(a.Differential) != 1 || a.Differential[0].Dx != "Migraine" {
		t.Errorf("assessment = %+v", a)
	}

	req := client.calls[0]
	if req.Model != "r" || !strings.Contains(req.System, "STRICT JSON") {
		t.Errorf("request = %+v", req)
	}
	prompt := req.Messages[0].Content
	if !strings.Contains(prompt, "Case: c1") || !strings.Contains(prompt, "- headache for 3 days\n- Hb 120") {
		t.Errorf("prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "other user") || strings.Contains(prompt, "other case") {
		t.Error("prompt leaked evidence from another case or user")
	}
	if !strings.Contains(prompt, `"triage": "emergent" | "urgent" | "routine"`) {
		t.Error("prompt should carry the schema")
	}
}

func TestAnalyze_Errors(t *testing.T) {
	collab := &llm.CollaboratorError{Op: "complete", Err: errors.New("timeout")}
	tests := []struct {
		name   string
		loader evidence.Loader
		client *fakeClient
		wantIs error
	}{
		{"no evidence", seededLedger(t), &fakeClient{}, ErrNoEvidence},
		{"blank evidence only", seededLedger(t, rec("c1", "u1", " ")), &fakeClient{}, ErrNoEvidence},
		{"storage", errLoader{}, &fakeClient{}, evidence.ErrStorage},
		{"collaborator", seededLedger(t, rec("c1", "u1", "x")), &fakeClient{errs: []error{collab}}, llm.ErrCollaborator},
		{"prose", seededLedger(t, rec("c1", "u1", "x")), &fakeClient{replies: []string{"I think it is migraine."}}, contract.ErrContractViolation},
		{"missing key", seededLedger(t, rec("c1", "u1", "x")), &fakeClient{replies: []string{`{"case_id":"c1","summary":"s","triage":"routine","differential":[],"red_flags":[]}`}}, contract.ErrContractViolation},
		{"bad triage", seededLedger(t, rec("c1", "u1", "x")), &fakeClient{replies: []string{`{"case_id":"c1","summary":"s","triage":"soon","differential":[],"red_flags":[],"next_steps":[]}`}}, contract.ErrContractViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPipeline(tt.loader, tt.client, nil, Options{})
			_, err := p.Analyze(context.Background(), "c1", "u1")
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("err = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestRender(t *testing.T) {
	a, _ := contract.ParseAssessment(validAssessment)

	client := &fakeClient{replies: []string{"  Friendly text  "}}
	p := NewPipeline(nil, client, nil, Options{ReasoningModel: "r", FriendlyModel: "f"})
	text, err := p.Render(context.Background(), a)
	if err != nil || text != "Friendly text" {
		t.Fatalf("Render = %q, %v", text, err)
	}
	if client.calls[0].Model != "f" {
		t.Errorf("model = %q, want f", client.calls[0].Model)
	}
	if !strings.Contains(client.calls[0].Messages[0].Content, `"dx": "Migraine"`) {
		t.Error("assessment JSON should be embedded in the render prompt")
	}

	failing := &fakeClient{errs: []error{errors.New("503")}}
	text, err = NewPipeline(nil, failing, nil, Options{}).Render(context.Background(), a)
	if err == nil {
		t.Error("expected render error")
	}
	if text != prompts.Default().Review.Apology {
		t.Errorf("fallback = %q", text)
	}
}

func TestReview_RenderFailureIsRecoverable(t *testing.T) {
	ledger := seededLedger(t, rec("c1", "u1", "headache"))
	client := &fakeClient{replies: []string{validAssessment}, errs: []error{nil, errors.New("render down")}}
	p := NewPipeline(ledger, client, nil, Options{})

	pkg, err := p.Review(context.Background(), "c1", "u1")
	if err != nil {
		t.Fatalf("Review error: %v", err)
	}
	if pkg.Rendered {
		t.Error("Rendered should be false on fallback")
	}
	if pkg.PatientText != prompts.Default().Review.Apology {
		t.Errorf("patient text = %q", pkg.PatientText)
	}
	if pkg.ClinicalJSON == nil || pkg.ClinicalJSON.Triage != "urgent" {
		t.Error("structured assessment must survive a render failure")
	}
}

func TestPackage_FormatAndJSON(t *testing.T) {
	a, _ := contract.ParseAssessment(validAssessment)
	pkg := &Package{CaseID: "c1", ClinicalJSON: a, PatientText: "All good", Rendered: true}

	out := pkg.Format("**Clinical summary**")
	if !strings.HasPrefix(out, "**Clinical summary**\nAll good\n\n```json\n{") || !strings.HasSuffix(out, "}\n```") {
		t.Errorf("Format:\n%s", out)
	}

	data, err := json.Marshal(pkg)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	json.Unmarshal(data, &raw)
	for _, key := range []string{"case_id", "clinical_json", "patient_text"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("package JSON missing %q", key)
		}
	}
	if _, ok := raw["Rendered"]; ok {
		t.Error("Rendered must not be serialised")
	}
}

func TestMarshalAssessment_NoHTMLEscape(t *testing.T) {
	a := &contract.Assessment{Summary: "pain <3 days & fever"}
	out, err := MarshalAssessment(a)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "pain <3 days & fever") {
		t.Errorf("out = %s", out)
	}
}

func TestRecords_Load(t *testing.T) {
	rs := Records{rec("c1", "u1", "a"), rec("c1", "u2", "b"), rec("c1", "u1", "c")}
	got, err := rs.Load("c1", "u1")
	if err != nil || len(got) != 2 || got[0].Fragment != "a" || got[1].Fragment != "c" {
		t.Errorf("Load = %+v, %v", got, err)
	}
	if got, _ := rs.Load("c9", "u1"); got == nil || len(got) != 0 {
		t.Error("unknown case should load an empty, non-nil slice")
	}
}

package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/caseintake/internal/bus"
	"github.com/stellarlinkco/caseintake/internal/config"
	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/extract"
	"github.com/stellarlinkco/caseintake/internal/llm"
	"github.com/stellarlinkco/caseintake/internal/prompts"
)

const assessmentJSON = `{"case_id":"x","summary":"tension headache","triage":"routine",
 "differential":[{"dx":"Tension headache","likelihood":"high","rationale":"bilateral","evidence_quotes":["Headache"]}],
 "red_flags":[],"next_steps":["hydration"]}`

// scriptedClient replays replies in order; an error entry fails that call.
type scriptedClient struct {
	mu      sync.Mutex
	replies []any
	calls   []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.calls)
	c.calls = append(c.calls, req)
	if i >= len(c.replies) {
		return `{"ask":"Anything else?"}`, nil
	}
	switch r := c.replies[i].(type) {
	case error:
		return "", r
	case string:
		return r, nil
	}
	return "", errors.New("bad script")
}

type stubExtractor struct {
	doc extract.Document
	err error
}

func (s stubExtractor) Extract(ctx context.Context, path string) (extract.Document, error) {
	return s.doc, s.err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.ArtifactsDir = filepath.Join(dir, "artifacts")
	cfg.Storage.LedgerPath = filepath.Join(dir, "artifacts", "db", "evidence.jsonl")
	cfg.Storage.CompareDir = filepath.Join(dir, "artifacts", "compare")
	return cfg
}

func mockClientFactory(c llm.Client) ClientFactory {
	return func(cfg *config.Config) (llm.Client, error) {
		return c, nil
	}
}

func newTestGateway(t *testing.T, replies ...any) (*Gateway, *scriptedClient) {
	t.Helper()
	client := &scriptedClient{replies: replies}
	g, err := NewWithOptions(testConfig(t), Options{
		ClientFactory: mockClientFactory(client),
		Extractor:     stubExtractor{doc: extract.Document{Full: "Hb 131 g/L"}},
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	return g, client
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", SenderID: "42", ChatID: "100", MessageID: 1, Content: content}
}

// outbound drains every reply queued so far.
func outbound(g *Gateway) []string {
	var out []string
	for {
		select {
		case msg := <-g.bus.Outbound:
			out = append(out, msg.Content)
		default:
			return out
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
		{"aбв", 2, "a..."},
		{"жжж", 4, "жж..."},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestDispatcher_RejectsAfterStop(t *testing.T) {
	var handled atomic.Int32
	d := newDispatcher(func(ctx context.Context, msg bus.InboundMessage) {
		handled.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if d.Submit(ctx, "a", bus.InboundMessage{SenderID: "a"}) {
		t.Error("Submit with a cancelled context should be rejected")
	}

	d.Wait()
	if d.Submit(context.Background(), "a", bus.InboundMessage{SenderID: "a"}) {
		t.Error("Submit after Wait should be rejected")
	}
	d.Wait()

	if handled.Load() != 0 {
		t.Errorf("handled = %d, want 0", handled.Load())
	}
	if d.Pending("a") != 0 {
		t.Errorf("pending = %d, want 0", d.Pending("a"))
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		cmd     string
		arg     string
		command bool
	}{
		{"/new", "new", "", true},
		{"  /review case_abc  ", "review", "case_abc", true},
		{"/Review@caseintake_bot case_abc extra", "review", "case_abc extra", true},
		{"/add_text", "add_text", "", true},
		{"hello /new", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, arg, ok := parseCommand(tt.input)
			if cmd != tt.cmd || arg != tt.arg || ok != tt.command {
				t.Errorf("parseCommand(%q) = (%q, %q, %v)", tt.input, cmd, arg, ok)
			}
		})
	}
}

func TestNewWithOptions_MockClient(t *testing.T) {
	g, client := newTestGateway(t)

	if g.svc.Client != client {
		t.Error("client should be the mock")
	}
	if g.bus == nil || g.cron == nil || g.channels == nil || g.dispatch == nil {
		t.Error("gateway components should be set")
	}
	if g.svc.Ledger.Path() != g.cfg.Storage.LedgerPath {
		t.Errorf("ledger path = %q", g.svc.Ledger.Path())
	}
	g.Shutdown()
}

func TestNewWithOptions_ClientFactoryError(t *testing.T) {
	_, err := NewWithOptions(testConfig(t), Options{
		ClientFactory: func(cfg *config.Config) (llm.Client, error) {
			return nil, context.DeadlineExceeded
		},
	})
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestNewWithOptions_ChannelManagerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true}

	_, err := NewWithOptions(cfg, Options{ClientFactory: mockClientFactory(&scriptedClient{})})
	if err == nil {
		t.Error("expected error for enabled telegram without token")
	}
}

func TestNewWithOptions_PromptsFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	os.WriteFile(path, []byte("messages:\n  welcome: \"Hi there\"\n"), 0644)
	cfg.PromptsPath = path

	g, err := NewWithOptions(cfg, Options{ClientFactory: mockClientFactory(&scriptedClient{})})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	g.handleInbound(context.Background(), inbound("/start"))
	if out := outbound(g); len(out) != 1 || out[0] != "Hi there" {
		t.Errorf("replies = %q", out)
	}

	cfg.PromptsPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewWithOptions(cfg, Options{ClientFactory: mockClientFactory(&scriptedClient{})}); err == nil {
		t.Error("expected error for a missing prompts file")
	}
}

func TestDefaultClientFactory_NoAPIKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Provider.APIKey = ""
	if _, err := DefaultClientFactory(cfg); err == nil {
		t.Error("expected error without API key")
	}
}

func TestNewExtractor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Models.Vision = "vision-model"
	r := NewExtractor(cfg, &scriptedClient{}, prompts.Default())
	v, ok := r.Image.(*extract.VisionOCR)
	if !ok || v.Model != "vision-model" || v.Prompt == "" {
		t.Errorf("image extractor = %#v", r.Image)
	}
	if r.PDF == nil || r.Text == nil {
		t.Error("pdf and text extractors should be wired")
	}
}

func TestGateway_InterviewFlow(t *testing.T) {
	g, client := newTestGateway(t,
		`{"ask":"Where does it hurt?","explain":"Locating the pain"}`,
		`{"summary":"Headache for 3 days","red_flags":["fever"],"urgent":false,"done":true}`,
	)
	ctx := context.Background()
	m := g.svc.Prompts.Messages

	g.handleInbound(ctx, inbound("/start"))
	if out := outbound(g); len(out) != 1 || out[0] != m.Welcome {
		t.Fatalf("start replies = %q", out)
	}

	g.handleInbound(ctx, inbound("/new"))
	caseID, ok := g.svc.Registry.Lookup("42")
	if !ok {
		t.Fatal("expected a current case")
	}
	if out := outbound(g); len(out) != 1 || !strings.Contains(out[0], caseID) {
		t.Fatalf("new replies = %q", out)
	}

	g.handleInbound(ctx, inbound("Headache"))
	out := outbound(g)
	if len(out) != 2 || out[0] != "*Locating the pain*" || out[1] != "Where does it hurt?" {
		t.Fatalf("turn replies = %q", out)
	}

	g.handleInbound(ctx, inbound("Forehead"))
	out = outbound(g)
	if len(out) != 1 || !strings.HasPrefix(out[0], m.SummaryTitle) || !strings.Contains(out[0], "• fever") {
		t.Fatalf("summary = %q", out)
	}
	if _, ok := g.svc.Intake.State("42"); ok {
		t.Error("interview should be closed")
	}

	recs, _ := g.svc.Ledger.Load(caseID, "42")
	if len(recs) != 2 || recs[0].Fragment != "Headache" || recs[1].Fragment != "Forehead" {
		t.Errorf("ledger = %+v", recs)
	}
	if len(client.calls) != 2 {
		t.Errorf("reasoner calls = %d, want 2", len(client.calls))
	}
}

func TestGateway_FreeTextOutsideInterview(t *testing.T) {
	g, _ := newTestGateway(t)
	g.handleInbound(context.Background(), inbound("hello?"))
	if out := outbound(g); len(out) != 1 || out[0] != g.svc.Prompts.Messages.FreeTextHint {
		t.Errorf("replies = %q", out)
	}
}

func TestGateway_AddTextAndCancel(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	g.handleInbound(ctx, inbound("/add_text"))
	caseID, _ := g.svc.Registry.Lookup("42")
	outbound(g)

	g.handleInbound(ctx, inbound("Allergic to penicillin"))
	if out := outbound(g); len(out) != 1 || !strings.Contains(out[0], caseID) {
		t.Errorf("add text replies = %q", out)
	}
	recs, _ := g.svc.Ledger.Load(caseID, "42")
	if len(recs) != 1 || recs[0].Source.Type != evidence.SourceAddText {
		t.Errorf("ledger = %+v", recs)
	}

	g.handleInbound(ctx, inbound("/add_file"))
	g.handleInbound(ctx, inbound("/cancel"))
	out := outbound(g)
	if out[len(out)-1] != g.svc.Prompts.Messages.Cancelled {
		t.Errorf("cancel replies = %q", out)
	}
	if _, ok := g.svc.Intake.State("42"); ok {
		t.Error("cancel should clear the sub-state")
	}
}

func TestGateway_Review(t *testing.T) {
	tests := []struct {
		name    string
		replies []any
		seed    bool
		arg     string
		want    []string
	}{
		{"no current case", nil, false, "", []string{"Use: /review"}},
		{"no evidence", nil, false, "case_missing", []string{"No evidence"}},
		{"success", []any{assessmentJSON, "You likely have a tension headache."}, true, "",
			[]string{"Analysing", "**Clinical summary**\nYou likely have a tension headache.\n\n```json"}},
		{"collaborator failure", []any{&llm.CollaboratorError{Op: "complete", Err: errors.New("503")}}, true, "",
			[]string{"Analysing", "❌ Error while contacting the model.\n`collaborator-error`"}},
		{"contract failure", []any{"no json at all"}, true, "",
			[]string{"Analysing", "`contract-violation`"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, tt.replies...)
			ctx := context.Background()
			if tt.seed {
				caseID := g.svc.Registry.CurrentCaseFor("42")
				g.svc.Ledger.Append(evidence.New(caseID, "42", evidence.RolePatientText, "Headache", evidence.Source{Type: evidence.SourceTest}))
			}

			g.handleInbound(ctx, inbound(strings.TrimSpace("/review "+tt.arg)))
			out := outbound(g)
			if len(out) != len(tt.want) {
				t.Fatalf("replies = %q, want %d", out, len(tt.want))
			}
			for i, w := range tt.want {
				if !strings.Contains(out[i], w) {
					t.Errorf("reply %d = %q, want it to contain %q", i, out[i], w)
				}
			}
		})
	}
}

func TestGateway_ReviewOtherUsersCase(t *testing.T) {
	g, client := newTestGateway(t)
	g.svc.Ledger.Append(evidence.New("case_shared", "7", evidence.RolePatientText, "private", evidence.Source{Type: evidence.SourceTest}))

	g.handleInbound(context.Background(), inbound("/review case_shared"))
	if out := outbound(g); len(out) != 1 || out[0] != g.svc.Prompts.Messages.NoEvidence {
		t.Errorf("replies = %q", out)
	}
	if len(client.calls) != 0 {
		t.Error("reasoner must not see another user's evidence")
	}
}

func writeUpload(t *testing.T, g *Gateway, name string) *bus.Attachment {
	t.Helper()
	dir := g.inboxDir()
	os.MkdirAll(dir, 0755)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("Hb 131 g/L"), 0644); err != nil {
		t.Fatal(err)
	}
	return &bus.Attachment{Path: path, Name: "labs.txt", MimeType: "text/plain"}
}

func TestGateway_FileUpload(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	g.handleInbound(ctx, inbound("/add_file"))
	caseID, _ := g.svc.Registry.Lookup("42")
	outbound(g)

	msg := inbound("")
	msg.MessageID = 9
	msg.File = writeUpload(t, g, "42_9.txt")
	g.handleInbound(ctx, msg)

	if out := outbound(g); len(out) != 1 || !strings.Contains(out[0], "File added") {
		t.Fatalf("replies = %q", out)
	}
	want := filepath.Join(g.cfg.Storage.ArtifactsDir, "upload_"+caseID+"_9.txt")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("upload not filed under the case: %v", err)
	}
	if _, err := os.Stat(msg.File.Path); !os.IsNotExist(err) {
		t.Error("inbox copy should be moved")
	}

	recs, _ := g.svc.Ledger.Load(caseID, "42")
	if len(recs) != 2 {
		t.Fatalf("records = %d, want ocr + lab", len(recs))
	}
	if recs[0].Source.Path != want || recs[0].Source.MessageID != 9 || recs[0].Source.FileName != "labs.txt" {
		t.Errorf("ocr source = %+v", recs[0].Source)
	}
	if recs[1].Role != evidence.RoleLab || recs[1].Fragment != "cbc=131" {
		t.Errorf("lab record = %+v", recs[1])
	}
}

func TestGateway_FileOutsideSubState(t *testing.T) {
	g, _ := newTestGateway(t)

	msg := inbound("")
	msg.File = writeUpload(t, g, "42_1.txt")
	g.handleInbound(context.Background(), msg)

	if out := outbound(g); len(out) != 1 || out[0] != g.svc.Prompts.Messages.FreeTextHint {
		t.Errorf("replies = %q", out)
	}
	if _, err := os.Stat(msg.File.Path); !os.IsNotExist(err) {
		t.Error("stray upload should be removed")
	}
}

func TestGateway_FileDownloadFailed(t *testing.T) {
	g, _ := newTestGateway(t)
	msg := inbound("")
	msg.Metadata = map[string]any{"file_error": "too big"}
	g.handleInbound(context.Background(), msg)

	if out := outbound(g); len(out) != 1 || out[0] != g.svc.Prompts.Messages.TechnicalProblem {
		t.Errorf("replies = %q", out)
	}
}

func TestGateway_SweepIdle(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx := context.Background()

	g.handleInbound(ctx, inbound("/new"))
	caseID, _ := g.svc.Registry.Lookup("42")
	outbound(g)

	// Fresh sessions survive
	if res, _ := g.sweepIdle(ctx); res != "" {
		t.Errorf("sweep result = %q, want nothing expired", res)
	}

	g.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err := g.sweepIdle(ctx)
	if err != nil || res != "expired 1 sessions" {
		t.Fatalf("sweep = %q, %v", res, err)
	}
	if _, ok := g.svc.Intake.State("42"); ok {
		t.Error("idle state should be cleared")
	}

	select {
	case msg := <-g.bus.Outbound:
		if msg.ChatID != "100" || msg.Channel != "telegram" || !strings.Contains(msg.Content, caseID) {
			t.Errorf("notice = %+v", msg)
		}
	default:
		t.Error("expected an expiry notice")
	}
}

func TestGateway_EnsureMaintenanceJobs(t *testing.T) {
	g, _ := newTestGateway(t)
	if err := g.ensureMaintenanceJobs(); err != nil {
		t.Fatalf("ensureMaintenanceJobs error: %v", err)
	}
	g.ensureMaintenanceJobs()
	jobs := g.cron.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != idleSweepJobName || jobs[0].Expr != g.cfg.Intake.SweepSchedule {
		t.Errorf("jobs = %+v", jobs)
	}

	disabled, _ := newTestGateway(t)
	disabled.cfg.Intake.IdleTimeout = "0s"
	disabled.ensureMaintenanceJobs()
	if len(disabled.cron.ListJobs()) != 0 {
		t.Error("zero idle timeout should not schedule a sweep")
	}
}

func TestDispatcher_PerUserOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		seen   = map[string][]string{}
		active = map[string]int{}
		peak   atomic.Int32
		inFly  atomic.Int32
	)
	release := make(chan struct{})
	d := newDispatcher(func(ctx context.Context, msg bus.InboundMessage) {
		mu.Lock()
		active[msg.SenderID]++
		if active[msg.SenderID] > 1 {
			t.Errorf("user %s has %d turns in flight", msg.SenderID, active[msg.SenderID])
		}
		mu.Unlock()
		if n := inFly.Add(1); n > peak.Load() {
			peak.Store(n)
		}
		<-release
		inFly.Add(-1)
		mu.Lock()
		active[msg.SenderID]--
		seen[msg.SenderID] = append(seen[msg.SenderID], msg.Content)
		mu.Unlock()
	})

	ctx := context.Background()
	for _, c := range []string{"1", "2", "3"} {
		d.Submit(ctx, "a", bus.InboundMessage{SenderID: "a", Content: c})
		d.Submit(ctx, "b", bus.InboundMessage{SenderID: "b", Content: c})
	}

	deadline := time.After(2 * time.Second)
	for inFly.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("different users should run concurrently")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if d.Pending("a") != 2 {
		t.Errorf("pending a = %d, want 2", d.Pending("a"))
	}
	close(release)
	d.Wait()

	for _, user := range []string{"a", "b"} {
		if got := strings.Join(seen[user], ","); got != "1,2,3" {
			t.Errorf("user %s order = %s", user, got)
		}
	}
	if d.Pending("a") != 0 {
		t.Error("queues should drain")
	}
}

func TestGateway_ProcessLoop(t *testing.T) {
	g, _ := newTestGateway(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go g.processLoop(ctx)
	g.bus.Inbound <- inbound("/start")

	select {
	case msg := <-g.bus.Outbound:
		if msg.Content != g.svc.Prompts.Messages.Welcome || msg.ChatID != "100" {
			t.Errorf("reply = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a reply")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	g, err := NewWithOptions(testConfig(t), Options{
		ClientFactory: mockClientFactory(&scriptedClient{}),
		SignalChan:    sigCh,
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not exit after signal")
	}

	jobs := g.cron.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != idleSweepJobName {
		t.Errorf("jobs = %+v, want the idle sweep", jobs)
	}
}

func TestGateway_Run_ChannelStartError(t *testing.T) {
	cfg := testConfig(t)
	g, err := NewWithOptions(cfg, Options{ClientFactory: mockClientFactory(&scriptedClient{})})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	g.channels.Register(&failingChannel{})

	if err := g.Run(context.Background()); err == nil {
		t.Error("expected error from channel start")
	}
}

type failingChannel struct{}

func (failingChannel) Name() string                       { return "broken" }
func (failingChannel) Start(ctx context.Context) error    { return errors.New("no network") }
func (failingChannel) Stop() error                        { return nil }
func (failingChannel) Send(msg bus.OutboundMessage) error { return nil }

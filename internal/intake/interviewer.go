package intake

import (
	"context"
	"errors"
	"log"
	"unicode/utf8"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/caseintake/internal/contract"
	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/extract"
	"github.com/stellarlinkco/caseintake/internal/llm"
	"github.com/stellarlinkco/caseintake/internal/prompts"
	"github.com/stellarlinkco/caseintake/internal/session"
)

// Failure reasons attached to a force-closed session.
const (
	ReasonStorage      = "storage-error"
	ReasonContract     = "contract-violation"
	ReasonCollaborator = "collaborator-error"
)

// FailureReason classifies err for the user-facing outcome.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, evidence.ErrStorage):
		return ReasonStorage
	case errors.Is(err, contract.ErrContractViolation):
		return ReasonContract
	default:
		return ReasonCollaborator
	}
}

// Outcome describes what a call did to the session.
type Outcome string

const (
	OutcomeStarted     Outcome = "started"
	OutcomeContinue    Outcome = "continue"
	OutcomeCompleted   Outcome = "completed"
	OutcomeForceClosed Outcome = "force-closed"
	OutcomeAwaiting    Outcome = "awaiting"
	OutcomeStored      Outcome = "stored"
	OutcomeIdle        Outcome = "idle"
	OutcomeCancelled   Outcome = "cancelled"
)

// Reply is what the transport shows plus what the orchestration decided.
type Reply struct {
	CaseID   string
	Outcome  Outcome
	Messages []string

	// Turn is the decoded model reply of the last dynamic turn.
	Turn *contract.TurnReply
	// History is the accumulated dialogue when the session ended.
	History []model.Message
	Turns   int

	Reason string
	Err    error
}

// Options tunes the interview. Zero values fall back to defaults.
type Options struct {
	Model         string
	Temperature   float64
	MaxTurns      int
	MaxRedFlags   int
	HistoryWindow int
	Debug         bool
}

// Interviewer runs the intake state machine for many users.
type Interviewer struct {
	ledger    evidence.Store
	registry  *session.Registry
	states    session.StateStore
	reasoner  llm.Client
	extractor extract.Extractor
	prompts   *prompts.Set
	opts      Options
}

func New(ledger evidence.Store, registry *session.Registry, states session.StateStore, reasoner llm.Client, ex extract.Extractor, set *prompts.Set, opts Options) *Interviewer {
	if set == nil {
		set = prompts.Default()
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 12
	}
	if opts.MaxRedFlags <= 0 {
		opts.MaxRedFlags = 4
	}
	return &Interviewer{
		ledger:    ledger,
		registry:  registry,
		states:    states,
		reasoner:  reasoner,
		extractor: ex,
		prompts:   set,
		opts:      opts,
	}
}

// Start opens a fresh case and enters Dynamic with an empty history.
func (iv *Interviewer) Start(userID string) Reply {
	unlock := iv.states.Lock(userID)
	defer unlock()

	caseID := iv.registry.StartNewCase(userID)
	iv.states.PutState(userID, &session.State{Phase: session.PhaseDynamic, CaseID: caseID})
	log.Printf("[intake] user %s started %s", userID, caseID)

	return Reply{
		CaseID:   caseID,
		Outcome:  OutcomeStarted,
		Messages: []string{prompts.Format(iv.prompts.Messages.NewCase, "case_id", caseID)},
	}
}

// HandleText routes a plain text message according to the user's phase.
func (iv *Interviewer) HandleText(ctx context.Context, userID string, messageID int, text string) Reply {
	unlock := iv.states.Lock(userID)
	defer unlock()

	st, ok := iv.states.GetState(userID)
	if !ok {
		return Reply{Outcome: OutcomeIdle, Messages: []string{iv.prompts.Messages.FreeTextHint}}
	}

	switch st.Phase {
	case session.PhaseDynamic:
		return iv.dynamicTurn(ctx, userID, messageID, text, st)
	case session.PhaseAwaitingText:
		return iv.addText(userID, messageID, text, st)
	case session.PhaseAwaitingFile:
		return Reply{CaseID: st.CaseID, Outcome: OutcomeAwaiting, Messages: []string{iv.prompts.Messages.ExpectFile}}
	default:
		iv.states.DeleteState(userID)
		return Reply{Outcome: OutcomeIdle, Messages: []string{iv.prompts.Messages.FreeTextHint}}
	}
}

func (iv *Interviewer) dynamicTurn(ctx context.Context, userID string, messageID int, text string, st *session.State) Reply {
	text = evidence.NormalizeText(text)
	rec := evidence.New(st.CaseID, userID, evidence.RolePatientText, text, evidence.Source{
		Type:      evidence.SourceIntakeDynamic,
		MessageID: messageID,
	})
	// evidence goes to disk before the model sees it
	if err := iv.ledger.Append(rec); err != nil {
		return iv.forceClose(userID, st, err)
	}

	st.History = append(st.History, llm.UserText(text))
	st.Turns++

	raw, err := iv.reasoner.Complete(ctx, llm.Request{
		Model:       iv.opts.Model,
		System:      iv.prompts.Intake.SystemPrompt(),
		Messages:    window(st.History, iv.opts.HistoryWindow),
		Temperature: llm.Float(iv.opts.Temperature),
	})
	if err != nil {
		return iv.forceClose(userID, st, err)
	}
	if iv.opts.Debug {
		log.Printf("[intake] raw reply for %s: %s", st.CaseID, truncate(raw, 200))
	}

	turn, err := contract.ParseTurn(raw, iv.opts.MaxRedFlags)
	if err != nil {
		return iv.forceClose(userID, st, err)
	}

	if turn.Done || st.Turns >= iv.opts.MaxTurns {
		iv.states.DeleteState(userID)
		log.Printf("[intake] %s closed after %d turns (done=%v)", st.CaseID, st.Turns, turn.Done)
		return Reply{
			CaseID:   st.CaseID,
			Outcome:  OutcomeCompleted,
			Messages: []string{iv.renderSummary(st.CaseID, turn)},
			Turn:     &turn,
			History:  st.History,
			Turns:    st.Turns,
		}
	}

	question := turn.Ask
	if question == "" {
		question = iv.prompts.Intake.DefaultQuestion
	}
	var msgs []string
	if turn.Explain != "" {
		msgs = append(msgs, italic(turn.Explain))
	}
	msgs = append(msgs, question)

	st.History = append(st.History, llm.AssistantText(question))
	iv.states.PutState(userID, st)

	return Reply{
		CaseID:   st.CaseID,
		Outcome:  OutcomeContinue,
		Messages: msgs,
		Turn:     &turn,
		Turns:    st.Turns,
	}
}

func (iv *Interviewer) forceClose(userID string, st *session.State, err error) Reply {
	iv.states.DeleteState(userID)
	reason := FailureReason(err)
	log.Printf("[intake] %s force-closed (%s): %v", st.CaseID, reason, err)
	return Reply{
		CaseID:   st.CaseID,
		Outcome:  OutcomeForceClosed,
		Messages: []string{iv.prompts.Messages.TechnicalProblem},
		History:  st.History,
		Turns:    st.Turns,
		Reason:   reason,
		Err:      err,
	}
}

// BeginAddText arms the single-shot text sub-state on the current case.
// An interview in progress is abandoned.
func (iv *Interviewer) BeginAddText(userID string) Reply {
	return iv.begin(userID, session.PhaseAwaitingText, iv.prompts.Messages.AskText)
}

// BeginAddFile arms the single-shot file sub-state on the current case.
func (iv *Interviewer) BeginAddFile(userID string) Reply {
	return iv.begin(userID, session.PhaseAwaitingFile, iv.prompts.Messages.AskFile)
}

func (iv *Interviewer) begin(userID string, phase session.Phase, tmpl string) Reply {
	unlock := iv.states.Lock(userID)
	defer unlock()

	caseID := iv.registry.CurrentCaseFor(userID)
	iv.states.PutState(userID, &session.State{Phase: phase, CaseID: caseID})
	return Reply{
		CaseID:   caseID,
		Outcome:  OutcomeAwaiting,
		Messages: []string{prompts.Format(tmpl, "case_id", caseID)},
	}
}

func (iv *Interviewer) addText(userID string, messageID int, text string, st *session.State) Reply {
	iv.states.DeleteState(userID)
	rec := evidence.New(st.CaseID, userID, evidence.RolePatientText, evidence.NormalizeText(text), evidence.Source{
		Type:      evidence.SourceAddText,
		MessageID: messageID,
	})
	if err := iv.ledger.Append(rec); err != nil {
		return iv.forceClose(userID, st, err)
	}
	return Reply{
		CaseID:   st.CaseID,
		Outcome:  OutcomeStored,
		Messages: []string{prompts.Format(iv.prompts.Messages.TextAdded, "case_id", st.CaseID)},
	}
}

// Cancel clears any phase. The current case and its evidence are kept.
func (iv *Interviewer) Cancel(userID string) Reply {
	unlock := iv.states.Lock(userID)
	defer unlock()

	st, ok := iv.states.GetState(userID)
	if !ok {
		return Reply{Outcome: OutcomeIdle, Messages: []string{iv.prompts.Messages.Cancelled}}
	}
	iv.states.DeleteState(userID)
	return Reply{
		CaseID:   st.CaseID,
		Outcome:  OutcomeCancelled,
		Messages: []string{iv.prompts.Messages.Cancelled},
		History:  st.History,
		Turns:    st.Turns,
	}
}

// State reports the user's live session, if any.
func (iv *Interviewer) State(userID string) (*session.State, bool) {
	return iv.states.GetState(userID)
}

// window keeps the trailing n messages; n <= 0 keeps everything.
func window(history []model.Message, n int) []model.Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

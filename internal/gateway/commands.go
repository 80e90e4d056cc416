package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stellarlinkco/caseintake/internal/bus"
	"github.com/stellarlinkco/caseintake/internal/intake"
	"github.com/stellarlinkco/caseintake/internal/review"
	"github.com/stellarlinkco/caseintake/internal/session"
)

// parseCommand splits "/review@bot case_1" into ("review", "case_1").
func parseCommand(content string) (cmd, arg string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(content, " ")
	head = strings.TrimPrefix(head, "/")
	if at := strings.Index(head, "@"); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// handleInbound runs one message for one user. The dispatcher guarantees
// no other message of the same user is in flight.
func (g *Gateway) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	userID := msg.SenderID
	g.remember(userID, msg.Channel, msg.ChatID)
	reply := func(text string) { g.send(ctx, msg.Channel, msg.ChatID, text) }
	m := g.svc.Prompts.Messages

	if msg.File != nil {
		g.handleFile(ctx, userID, msg, reply)
		return
	}
	if _, failed := msg.Metadata["file_error"]; failed {
		reply(m.TechnicalProblem)
		return
	}

	cmd, arg, isCmd := parseCommand(msg.Content)
	if !isCmd {
		g.sendReply(userID, g.svc.Intake.HandleText(ctx, userID, msg.MessageID, msg.Content), reply)
		return
	}

	switch cmd {
	case "start", "help":
		reply(m.Welcome)
	case "new":
		g.sendReply(userID, g.svc.Intake.Start(userID), reply)
	case "add_text":
		g.sendReply(userID, g.svc.Intake.BeginAddText(userID), reply)
	case "add_file":
		g.sendReply(userID, g.svc.Intake.BeginAddFile(userID), reply)
	case "cancel":
		g.sendReply(userID, g.svc.Intake.Cancel(userID), reply)
	case "review":
		g.handleReview(ctx, userID, arg, reply)
	default:
		// Unknown commands are ordinary text for the current phase.
		g.sendReply(userID, g.svc.Intake.HandleText(ctx, userID, msg.MessageID, msg.Content), reply)
	}
}

func (g *Gateway) sendReply(userID string, r intake.Reply, reply func(string)) {
	if r.Outcome == intake.OutcomeForceClosed {
		log.Printf("[gateway] %s: session %s force-closed after %d turns: %s (%v)", userID, r.CaseID, r.Turns, r.Reason, r.Err)
	}
	for _, text := range r.Messages {
		reply(text)
	}
}

func (g *Gateway) handleReview(ctx context.Context, userID, arg string, reply func(string)) {
	m := g.svc.Prompts.Messages

	caseID, _, _ := strings.Cut(arg, " ")
	if caseID == "" {
		current, ok := g.svc.Registry.Lookup(userID)
		if !ok {
			reply(m.ReviewHint)
			return
		}
		caseID = current
	}

	records, err := g.svc.Ledger.Load(caseID, userID)
	if err != nil {
		log.Printf("[gateway] review %s: %v", caseID, err)
		reply(reviewFailure(m.ReviewFailed, err))
		return
	}
	if len(review.QuoteEvidence(records, g.cfg.Review.QuoteLimit)) == 0 {
		reply(m.NoEvidence)
		return
	}

	reply(m.Analyzing)
	pkg, err := g.svc.Review.Review(ctx, caseID, userID)
	switch {
	case errors.Is(err, review.ErrNoEvidence):
		reply(m.NoEvidence)
	case err != nil:
		log.Printf("[gateway] review %s failed: %v", caseID, err)
		reply(reviewFailure(m.ReviewFailed, err))
	default:
		reply(pkg.Format(m.ReviewTitle))
	}
}

func reviewFailure(msg string, err error) string {
	return fmt.Sprintf("%s\n`%s`", msg, intake.FailureReason(err))
}

// handleFile files an upload under its case before ingestion. Uploads
// arriving outside the file sub-state are discarded.
func (g *Gateway) handleFile(ctx context.Context, userID string, msg bus.InboundMessage, reply func(string)) {
	att := msg.File
	path := att.Path

	st, ok := g.svc.Intake.State(userID)
	if ok && st.Phase == session.PhaseAwaitingFile {
		moved, err := g.fileUpload(st.CaseID, msg.MessageID, att.Path)
		if err != nil {
			log.Printf("[gateway] keep upload at %s: %v", att.Path, err)
		} else {
			path = moved
		}
	} else if err := os.Remove(att.Path); err != nil && !os.IsNotExist(err) {
		log.Printf("[gateway] remove stray upload %s: %v", att.Path, err)
	}

	g.sendReply(userID, g.svc.Intake.HandleFile(ctx, userID, intake.File{
		Path:      path,
		Name:      att.Name,
		MessageID: msg.MessageID,
	}), reply)
}

// fileUpload moves src to <artifacts>/upload_<case>_<message><ext>.
func (g *Gateway) fileUpload(caseID string, messageID int, src string) (string, error) {
	dir := g.cfg.Storage.ArtifactsDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("upload_%s_%d%s", caseID, messageID, filepath.Ext(src)))
	if err := os.Rename(src, dest); err != nil {
		return "", fmt.Errorf("move upload: %w", err)
	}
	return dest, nil
}

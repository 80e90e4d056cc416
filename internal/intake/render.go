package intake

import (
	"strings"

	"github.com/stellarlinkco/caseintake/internal/contract"
	"github.com/stellarlinkco/caseintake/internal/prompts"
)

// renderSummary builds the closing message of an interview. Output is
// markdown; the transport converts it.
func (iv *Interviewer) renderSummary(caseID string, turn contract.TurnReply) string {
	m := iv.prompts.Messages
	summary := turn.Summary
	if summary == "" {
		summary = "—"
	}

	parts := []string{m.SummaryTitle, summary}
	if len(turn.RedFlags) > 0 {
		parts = append(parts, m.RedFlagsTitle)
		for _, rf := range turn.RedFlags {
			parts = append(parts, "• "+rf)
		}
	}
	if turn.Urgent {
		parts = append(parts, m.UrgentWarning)
	}
	parts = append(parts, "\n"+prompts.Format(m.SummaryFooter, "case_id", caseID))
	return strings.Join(parts, "\n")
}

func italic(s string) string {
	return "*" + strings.ReplaceAll(s, "*", "") + "*"
}

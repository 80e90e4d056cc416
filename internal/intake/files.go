package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/stellarlinkco/caseintake/internal/evidence"
	"github.com/stellarlinkco/caseintake/internal/extract"
	"github.com/stellarlinkco/caseintake/internal/llm"
	"github.com/stellarlinkco/caseintake/internal/prompts"
	"github.com/stellarlinkco/caseintake/internal/session"
)

// File is an upload already saved to local disk by the transport.
type File struct {
	Path      string
	Name      string
	MessageID int
}

// HandleFile consumes the payload of the AwaitingFile sub-state. Every
// fragment derived from the file is written in one batch.
func (iv *Interviewer) HandleFile(ctx context.Context, userID string, f File) Reply {
	unlock := iv.states.Lock(userID)
	defer unlock()

	st, ok := iv.states.GetState(userID)
	if !ok || st.Phase != session.PhaseAwaitingFile {
		r := Reply{Outcome: OutcomeIdle, Messages: []string{iv.prompts.Messages.FreeTextHint}}
		if ok {
			r.CaseID = st.CaseID
			r.Outcome = OutcomeAwaiting
		}
		return r
	}
	iv.states.DeleteState(userID)

	records, err := iv.fileRecords(ctx, st.CaseID, userID, f)
	if err != nil {
		return iv.forceClose(userID, st, err)
	}
	if err := iv.ledger.Append(records...); err != nil {
		return iv.forceClose(userID, st, err)
	}
	log.Printf("[intake] %s: stored %d fragments from %s", st.CaseID, len(records), filepath.Base(f.Path))

	return Reply{
		CaseID:   st.CaseID,
		Outcome:  OutcomeStored,
		Messages: []string{prompts.Format(iv.prompts.Messages.FileAdded, "case_id", st.CaseID)},
	}
}

func (iv *Interviewer) fileRecords(ctx context.Context, caseID, userID string, f File) ([]evidence.Record, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &llm.CollaboratorError{Op: "read upload", Err: err}
	}
	if iv.extractor == nil {
		return nil, &llm.CollaboratorError{Op: "extract", Err: errors.New("no extractor configured")}
	}
	doc, err := iv.extractor.Extract(ctx, f.Path)
	if err != nil {
		if errors.Is(err, llm.ErrCollaborator) {
			return nil, err
		}
		return nil, &llm.CollaboratorError{Op: "extract", Err: err}
	}

	meta := evidence.Source{
		Type:      evidence.SourceUpload,
		Path:      f.Path,
		FileName:  f.Name,
		SHA256:    evidence.SHA256Hex(raw),
		MessageID: f.MessageID,
	}
	records := []evidence.Record{evidence.New(caseID, userID, evidence.RoleOCR, doc.Full, meta)}
	for _, p := range doc.Pages {
		pageMeta := meta
		pageMeta.Page = p.Index
		records = append(records, evidence.New(caseID, userID, evidence.RoleOCR, p.Text, pageMeta))
	}

	var hits []extract.Hit
	for _, r := range records {
		hits = append(hits, extract.LabPanels(r.Fragment)...)
	}
	if len(hits) > 0 {
		records = append(records, evidence.New(caseID, userID, evidence.RoleLab, extract.FormatHits(hits), evidence.Source{
			Type: evidence.SourceLabExtract,
			Note: fmt.Sprintf("%d values", len(hits)),
		}))
	}
	return records, nil
}

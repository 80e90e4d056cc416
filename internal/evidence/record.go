package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role classifies where an evidence fragment came from.
type Role string

const (
	RolePatientText Role = "patient_text"
	RoleOCR         Role = "ocr"
	RoleLab         Role = "lab"
	RoleSystem      Role = "system"
)

// Source type values written by the producers in this module.
const (
	SourceIntakeDynamic = "intake_dynamic"
	SourceAddText       = "add_text"
	SourceUpload        = "upload"
	SourceLabExtract    = "lab_extract"
	SourceTest          = "test"
)

// TimeLayout is ISO-8601 UTC with second precision.
const TimeLayout = "2006-01-02T15:04:05Z"

// Source describes the origin of a fragment. Attrs carries every key the
// named fields do not cover; on disk they sit beside the named keys.
type Source struct {
	Type      string         `json:"type"`
	FileName  string         `json:"file_name,omitempty"`
	Path      string         `json:"path,omitempty"`
	Page      int            `json:"page,omitempty"`
	SHA256    string         `json:"sha256,omitempty"`
	MessageID int            `json:"message_id,omitempty"`
	Note      string         `json:"note,omitempty"`
	Attrs     map[string]any `json:"-"`
}

var sourceFields = map[string]bool{
	"type": true, "file_name": true, "path": true, "page": true,
	"sha256": true, "message_id": true, "note": true,
}

func (s Source) MarshalJSON() ([]byte, error) {
	type plain Source
	named, err := json.Marshal(plain(s))
	if err != nil || len(s.Attrs) == 0 {
		return named, err
	}
	flat := make(map[string]any, len(s.Attrs)+len(sourceFields))
	for k, v := range s.Attrs {
		if !sourceFields[k] {
			flat[k] = v
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(named, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		flat[k] = v
	}
	return json.Marshal(flat)
}

func (s *Source) UnmarshalJSON(data []byte) error {
	type plain Source
	var named plain
	if err := json.Unmarshal(data, &named); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*s = Source(named)
	for k, v := range all {
		if sourceFields[k] {
			continue
		}
		if s.Attrs == nil {
			s.Attrs = make(map[string]any)
		}
		// older lines nest extra keys under "attrs"
		if nested, ok := v.(map[string]any); ok && k == "attrs" {
			for nk, nv := range nested {
				s.Attrs[nk] = nv
			}
			continue
		}
		s.Attrs[k] = v
	}
	return nil
}

// Record is one immutable line of the ledger.
type Record struct {
	CaseID    string `json:"case_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
	Fragment  string `json:"fragment"`
	Source    Source `json:"source"`
	CreatedAt string `json:"created_at"`
}

func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		UserID json.RawMessage `json:"user_id"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	id, err := ParseUserID(aux.UserID)
	if err != nil {
		return err
	}
	r.UserID = id
	return nil
}

// ParseUserID reads a user_id value written either as a JSON string or as
// a number. An absent or null value yields "".
func ParseUserID(data json.RawMessage) (string, error) {
	if len(data) == 0 || string(data) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("user_id: %w", err)
	}
	return n.String(), nil
}

// New builds a record stamped with the current UTC second.
func New(caseID, userID string, role Role, fragment string, src Source) Record {
	return Record{
		CaseID:    caseID,
		UserID:    userID,
		Role:      role,
		Fragment:  fragment,
		Source:    src,
		CreatedAt: Now(),
	}
}

// Now returns the current time formatted with TimeLayout.
func Now() string {
	return time.Now().UTC().Truncate(time.Second).Format(TimeLayout)
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// NormalizeText replaces non-breaking spaces, collapses whitespace runs and trims.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = whitespaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// SHA256Hex returns the hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

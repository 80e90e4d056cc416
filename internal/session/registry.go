package session

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultCasePrefix is prepended to every generated case identifier.
const DefaultCasePrefix = "case"

// NewCaseID returns prefix + "_" + 12 hex characters of a random UUID.
func NewCaseID(prefix string) string {
	if prefix == "" {
		prefix = DefaultCasePrefix
	}
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "_" + hex[:12]
}

// CaseStore keeps the user -> current case mapping.
type CaseStore interface {
	GetCase(userID string) (string, bool)
	// GetOrSetCase stores caseID unless a mapping exists and returns the
	// mapping in effect afterwards.
	GetOrSetCase(userID, caseID string) string
	SetCase(userID, caseID string)
}

// Registry resolves the current case for a user.
type Registry struct {
	store  CaseStore
	prefix string
	newID  func(prefix string) string
}

func NewRegistry(store CaseStore) *Registry {
	return &Registry{store: store, prefix: DefaultCasePrefix, newID: NewCaseID}
}

// WithPrefix sets the prefix used for newly generated case ids.
func (r *Registry) WithPrefix(prefix string) *Registry {
	if prefix != "" {
		r.prefix = prefix
	}
	return r
}

// CurrentCaseFor returns the user's current case, creating one on first access.
func (r *Registry) CurrentCaseFor(userID string) string {
	if caseID, ok := r.store.GetCase(userID); ok {
		return caseID
	}
	return r.store.GetOrSetCase(userID, r.newID(r.prefix))
}

// StartNewCase replaces the user's current case with a fresh one. Evidence
// of the previous case is untouched and stays addressable by its id.
func (r *Registry) StartNewCase(userID string) string {
	caseID := r.newID(r.prefix)
	r.store.SetCase(userID, caseID)
	return caseID
}

// Lookup returns the current case without creating one.
func (r *Registry) Lookup(userID string) (string, bool) {
	return r.store.GetCase(userID)
}

package session

import (
	"sync"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
)

// Phase is the interview sub-state of a user.
type Phase string

const (
	PhaseClosed       Phase = ""
	PhaseDynamic      Phase = "dynamic"
	PhaseAwaitingText Phase = "awaiting_text"
	PhaseAwaitingFile Phase = "awaiting_file"
)

// State is the transient per-user interview state.
type State struct {
	Phase     Phase
	CaseID    string
	History   []model.Message
	Turns     int
	UpdatedAt time.Time
}

// Clone returns a copy whose history can be appended to independently.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]model.Message(nil), s.History...)
	return &c
}

// StateStore keeps interview states keyed by user.
type StateStore interface {
	GetState(userID string) (*State, bool)
	PutState(userID string, st *State)
	DeleteState(userID string)
	// Lock serialises work for one user; the returned func releases it.
	Lock(userID string) func()
}

// MemoryStore is the in-process CaseStore and StateStore.
type MemoryStore struct {
	mu     sync.Mutex
	cases  map[string]string
	states map[string]*State
	locks  map[string]*userLock
	now    func() time.Time
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:  make(map[string]string),
		states: make(map[string]*State),
		locks:  make(map[string]*userLock),
		now:    time.Now,
	}
}

func (s *MemoryStore) GetCase(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	caseID, ok := s.cases[userID]
	return caseID, ok
}

func (s *MemoryStore) GetOrSetCase(userID, caseID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cases[userID]; ok {
		return existing
	}
	s.cases[userID] = caseID
	return caseID
}

func (s *MemoryStore) SetCase(userID, caseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[userID] = caseID
}

// GetState returns a copy of the stored state.
func (s *MemoryStore) GetState(userID string) (*State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

func (s *MemoryStore) PutState(userID string, st *State) {
	c := st.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = s.now()
	s.states[userID] = c
}

func (s *MemoryStore) DeleteState(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
}

func (s *MemoryStore) Lock(userID string) func() {
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}

// ExpireIdle drops states not updated since before and returns the users
// whose state was removed. Users with a turn in flight are skipped.
func (s *MemoryStore) ExpireIdle(before time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for userID, st := range s.states {
		if _, busy := s.locks[userID]; busy {
			continue
		}
		if st.UpdatedAt.Before(before) {
			delete(s.states, userID)
			expired = append(expired, userID)
		}
	}
	return expired
}

// Len reports the number of live interview states.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

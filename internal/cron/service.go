package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"
)

const stopTimeout = 5 * time.Second

var scheduleParser = rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)

// JobFunc is the body of a maintenance job. It receives the service
// context and returns a short result for the log.
type JobFunc func(ctx context.Context) (string, error)

// Job is a scheduled maintenance task.
type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Expr    string   `json:"expr"`
	Enabled bool     `json:"enabled"`
	State   JobState `json:"state"`
}

type JobState struct {
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

func (st *JobState) record(at time.Time, err error) {
	st.LastRunAt = at
	st.Runs++
	if err != nil {
		st.LastStatus, st.LastError = "error", err.Error()
		return
	}
	st.LastStatus, st.LastError = "ok", ""
}

type entry struct {
	job     Job
	fn      JobFunc
	entryID rcron.EntryID
	active  bool // registered with the running scheduler
}

// Service runs in-process jobs on six-field cron expressions (seconds
// first) or "@every <duration>" descriptors. Jobs live in memory only.
type Service struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry

	// set while running
	cron    *rcron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	release func() bool
}

func NewService() *Service {
	return &Service{entries: make(map[string]*entry)}
}

// ParseSchedule validates expr with the same parser the service uses.
func ParseSchedule(expr string) error {
	_, err := scheduleParser.Parse(expr)
	return err
}

// Start schedules every enabled job. Cancelling ctx stops the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("cron service already running")
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron = rcron.New(rcron.WithParser(scheduleParser))
	n := 0
	for _, id := range s.order {
		if e := s.entries[id]; e.job.Enabled {
			s.schedule(e)
			n++
		}
	}
	s.cron.Start()
	s.release = context.AfterFunc(ctx, s.Stop)

	log.Printf("[cron] started with %d jobs", n)
	return nil
}

// Stop unschedules all jobs and waits briefly for running ones.
func (s *Service) Stop() {
	s.mu.Lock()
	c, cancel, release := s.cron, s.cancel, s.release
	s.cron, s.cancel, s.release, s.runCtx = nil, nil, nil, nil
	for _, e := range s.entries {
		e.active = false
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	release()
	cancel()

	select {
	case <-c.Stop().Done():
	case <-time.After(stopTimeout):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// schedule must be called with s.mu held and the service running.
func (s *Service) schedule(e *entry) {
	id := e.job.ID
	entryID, err := s.cron.AddFunc(e.job.Expr, func() { s.run(id) })
	if err != nil {
		log.Printf("[cron] failed to register job %s (%s): %v", e.job.Name, e.job.Expr, err)
		return
	}
	e.entryID, e.active = entryID, true
}

// unschedule must be called with s.mu held.
func (s *Service) unschedule(e *entry) {
	if e.active && s.cron != nil {
		s.cron.Remove(e.entryID)
	}
	e.active = false
}

func (s *Service) run(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	ctx := s.runCtx
	s.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := e.fn(ctx)

	s.mu.Lock()
	e.job.State.record(time.Now(), err)
	s.mu.Unlock()

	switch {
	case err != nil:
		log.Printf("[cron] job %s error: %v", e.job.Name, err)
	case result != "":
		log.Printf("[cron] job %s: %s", e.job.Name, truncate(result, 100))
	}
}

// AddJob schedules fn under expr. Jobs added before Start are registered
// when the service starts.
func (s *Service) AddJob(name, expr string, fn JobFunc) (*Job, error) {
	if fn == nil {
		return nil, fmt.Errorf("job %s: handler is required", name)
	}
	if err := ParseSchedule(expr); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	e := &entry{
		job: Job{ID: uuid.NewString()[:8], Name: name, Expr: expr, Enabled: true},
		fn:  fn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.job.ID] = e
	s.order = append(s.order, e.job.ID)
	if s.cron != nil {
		s.schedule(e)
	}
	job := e.job
	return &job, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.unschedule(e)
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	e.job.Enabled = enabled
	switch {
	case !enabled:
		s.unschedule(e)
	case s.cron != nil && !e.active:
		s.schedule(e)
	}
	job := e.job
	return &job, nil
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Service) RunNow(id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	s.run(id)
	return nil
}

// ListJobs returns copies of all jobs in the order they were added.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.entries[id].job)
	}
	return jobs
}

// scheduled reports whether id is registered with the running scheduler.
func (s *Service) scheduled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.active
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

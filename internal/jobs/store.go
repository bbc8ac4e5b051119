// Package jobs holds the in-memory job store. Each job record carries its
// own lock; the id index is guarded separately so records never contend
// with each other.
package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"voiceforge/internal/apperr"
	"voiceforge/internal/models"
)

// ErrInvalidTransition is returned when an update would break the lifecycle rules.
var ErrInvalidTransition = errors.New("invalid job transition")

type record struct {
	mu     sync.RWMutex
	job    models.Job
	leased bool
}

// Store is a process-lifetime map of jobs. Jobs are never deleted.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewJob is the input to Create. Exactly one payload must match Kind.
type NewJob struct {
	Kind      models.JobKind
	Training  *models.TrainingPayload
	Synthesis *models.SynthesisPayload
}

// Create inserts a fully initialized queued job and returns a snapshot.
func (s *Store) Create(p NewJob) (models.Job, error) {
	switch {
	case p.Kind == models.KindTraining && p.Training != nil && p.Synthesis == nil:
	case p.Kind == models.KindSynthesis && p.Synthesis != nil && p.Training == nil:
	default:
		return models.Job{}, apperr.Validation("payload does not match job kind %q", p.Kind)
	}

	now := s.now()
	rec := &record{job: models.Job{
		ID:        uuid.New().String(),
		Kind:      p.Kind,
		Status:    models.StatusQueued,
		Progress:  0,
		Training:  p.Training,
		Synthesis: p.Synthesis,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	rec.job = rec.job.Clone()

	s.mu.Lock()
	s.records[rec.job.ID] = rec
	s.mu.Unlock()

	return rec.job.Clone(), nil
}

func (s *Store) lookup(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("job %q not found", id)
	}
	return rec, nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (models.Job, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return models.Job{}, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.job.Clone(), nil
}

// Len reports how many jobs the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Lease grants the single writer capability for a job. A job can be leased once.
func (s *Store) Lease(id string) (*Lease, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.leased {
		return nil, apperr.Conflict("job %q is already owned by a runner", id)
	}
	rec.leased = true
	return &Lease{store: s, rec: rec}, nil
}

// Lease is held by the runner that owns a job's mutable fields.
type Lease struct {
	store *Store
	rec   *record
}

// Job returns the current snapshot.
func (l *Lease) Job() models.Job {
	l.rec.mu.RLock()
	defer l.rec.mu.RUnlock()
	return l.rec.job.Clone()
}

// Update applies mutate to a copy of the job and commits it if the result is
// a legal transition. The record is locked for the whole call.
func (l *Lease) Update(mutate func(*models.Job)) (models.Job, error) {
	l.rec.mu.Lock()
	defer l.rec.mu.Unlock()

	prev := l.rec.job
	next := prev.Clone()
	mutate(&next)
	if err := checkTransition(prev, next); err != nil {
		return prev.Clone(), err
	}

	now := l.store.now()
	next.UpdatedAt = now
	if next.Status.Terminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}
	l.rec.job = next
	return next.Clone(), nil
}

var allowedEdges = map[models.JobStatus][]models.JobStatus{
	models.StatusQueued:  {models.StatusRunning, models.StatusFailed},
	models.StatusRunning: {models.StatusCompleted, models.StatusFailed},
}

func checkTransition(prev, next models.Job) error {
	if next.ID != prev.ID || next.Kind != prev.Kind || !next.CreatedAt.Equal(prev.CreatedAt) {
		return fmt.Errorf("%w: identity fields are immutable", ErrInvalidTransition)
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: job is %s", ErrInvalidTransition, prev.Status)
	}
	if next.Status != prev.Status && !edgeAllowed(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Progress < prev.Progress || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	if next.Status == models.StatusCompleted && (next.Progress != 100 || next.Result == "") {
		return fmt.Errorf("%w: completed requires progress 100 and a result", ErrInvalidTransition)
	}
	if next.Result != "" && next.Status != models.StatusCompleted {
		return fmt.Errorf("%w: result set on %s job", ErrInvalidTransition, next.Status)
	}
	if (next.Error != nil) != (next.Status == models.StatusFailed) {
		return fmt.Errorf("%w: error reason must accompany failed status", ErrInvalidTransition)
	}
	return nil
}

func edgeAllowed(from, to models.JobStatus) bool {
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voiceforge/internal/apperr"
	"voiceforge/internal/models"
	"voiceforge/internal/telemetry"
)

// CancelledReason is stored on jobs whose task was cancelled before finishing.
const CancelledReason = "cancelled"

// Plan is the deterministic progress script of a job kind.
type Plan struct {
	Checkpoints []int
	Step        time.Duration

	// RunningOnDispatch flips the job to running before the first wait.
	RunningOnDispatch bool

	// Phases maps a checkpoint to the phase entered there.
	Phases map[int]string
}

// Linear builds checkpoints 0, every, 2*every, ... 100.
func Linear(every int) []int {
	if every <= 0 {
		return []int{100}
	}
	var cps []int
	for p := 0; p < 100; p += every {
		cps = append(cps, p)
	}
	return append(cps, 100)
}

func (p Plan) validate() error {
	if len(p.Checkpoints) == 0 || p.Checkpoints[len(p.Checkpoints)-1] != 100 {
		return errors.New("plan must end at checkpoint 100")
	}
	prev := -1
	for _, cp := range p.Checkpoints {
		if cp < prev || cp < 0 {
			return fmt.Errorf("plan checkpoints must be ascending, got %v", p.Checkpoints)
		}
		prev = cp
	}
	return nil
}

// Handler supplies the progress plan for a job kind and the work done at 100%.
type Handler interface {
	Plan() Plan
	// Finish runs once the last wait elapses and returns the job result.
	Finish(ctx context.Context, job models.Job) (string, error)
}

// Journal receives lifecycle events. Failures are logged and ignored.
type Journal interface {
	Record(ctx context.Context, ev models.JobEvent) error
}

// Task is the handle of a dispatched job.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (t *Task) ID() string { return t.id }

// Done is closed once the job reached a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is the execution error, valid after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Cancel asks the task to stop; the job ends failed with CancelledReason.
func (t *Task) Cancel() { t.cancel() }

// Runner executes jobs in their own goroutines.
type Runner struct {
	store    *Store
	journal  Journal
	log      *slog.Logger
	handlers map[models.JobKind]Handler

	mu     sync.Mutex
	tasks  map[string]*Task
	wg     sync.WaitGroup
	closed bool
}

func NewRunner(store *Store, journal Journal, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:    store,
		journal:  journal,
		log:      log.With("component", "runner"),
		handlers: make(map[models.JobKind]Handler),
		tasks:    make(map[string]*Task),
	}
}

// Register binds a handler to a job kind.
func (r *Runner) Register(kind models.JobKind, h Handler) {
	if kind == "" || h == nil {
		return
	}
	r.handlers[kind] = h
}

// Submit creates a job and dispatches it.
func (r *Runner) Submit(p NewJob) (models.Job, *Task, error) {
	if _, ok := r.handlers[p.Kind]; !ok {
		return models.Job{}, nil, apperr.Validation("unsupported job kind %q", p.Kind)
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return models.Job{}, nil, apperr.Conflict("runner is shutting down")
	}
	job, err := r.store.Create(p)
	if err != nil {
		return models.Job{}, nil, err
	}
	telemetry.JobsCreated.WithLabelValues(string(job.Kind)).Inc()
	r.record(job, "created", "")

	task, err := r.Dispatch(job)
	if err != nil {
		return job, nil, err
	}
	return job, task, nil
}

// Dispatch leases the job and starts its task. It returns immediately.
func (r *Runner) Dispatch(job models.Job) (*Task, error) {
	h, ok := r.handlers[job.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", job.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperr.Conflict("runner is shutting down")
	}
	lease, err := r.store.Lease(job.ID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{id: job.ID, cancel: cancel, done: make(chan struct{})}
	r.tasks[job.ID] = task
	r.wg.Add(1)
	go r.run(ctx, lease, h, task)
	return task, nil
}

// Task returns the handle of a job that is still executing.
func (r *Runner) Task(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Shutdown cancels every in-flight task and waits for them to settle.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.tasks {
		t.Cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, lease *Lease, h Handler, task *Task) {
	kind := string(lease.Job().Kind)
	started := time.Now()
	telemetry.JobsInFlight.WithLabelValues(kind).Inc()
	defer func() {
		telemetry.JobsInFlight.WithLabelValues(kind).Dec()
		task.cancel()
		r.mu.Lock()
		delete(r.tasks, task.id)
		r.mu.Unlock()
		close(task.done)
		r.wg.Done()
	}()

	err := r.execute(ctx, lease, h)
	if err == nil {
		job := lease.Job()
		telemetry.JobsCompleted.WithLabelValues(kind).Inc()
		telemetry.JobDuration.WithLabelValues(kind, string(job.Status)).Observe(time.Since(started).Seconds())
		r.record(job, "completed", job.Result)
		r.log.Info("job completed", "job_id", job.ID, "kind", kind, "result", job.Result)
		return
	}

	task.err = err
	reason := apperr.MessageOf(err)
	if errors.Is(err, context.Canceled) {
		reason = CancelledReason
	}
	job, uerr := lease.Update(func(j *models.Job) {
		j.Status = models.StatusFailed
		j.Phase = ""
		j.Result = ""
		j.Error = &reason
	})
	if uerr != nil {
		r.log.Error("mark job failed", "job_id", job.ID, "error", uerr)
	}
	telemetry.JobsFailed.WithLabelValues(kind).Inc()
	telemetry.JobDuration.WithLabelValues(kind, string(models.StatusFailed)).Observe(time.Since(started).Seconds())
	r.record(job, "failed", reason)
	r.log.Warn("job failed", "job_id", job.ID, "kind", kind, "reason", reason, "error", err)
}

func (r *Runner) execute(ctx context.Context, lease *Lease, h Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.Internal("job execution panicked", fmt.Errorf("panic: %v", p))
		}
	}()

	plan := h.Plan()
	if err := plan.validate(); err != nil {
		return apperr.Internal("invalid job plan", err)
	}

	if plan.RunningOnDispatch {
		job, err := lease.Update(func(j *models.Job) {
			j.Status = models.StatusRunning
			if phase, ok := plan.Phases[0]; ok {
				j.Phase = phase
			}
		})
		if err != nil {
			return apperr.Internal("start job", err)
		}
		r.record(job, "running", job.Phase)
	}

	last := len(plan.Checkpoints) - 1
	for i, cp := range plan.Checkpoints {
		if err := wait(ctx, plan.Step); err != nil {
			return err
		}
		if i == last {
			result, err := h.Finish(ctx, lease.Job())
			if err != nil {
				return err
			}
			_, err = lease.Update(func(j *models.Job) {
				j.Status = models.StatusCompleted
				j.Progress = cp
				j.Phase = ""
				j.Result = result
			})
			if err != nil {
				return apperr.Internal("complete job", err)
			}
			return nil
		}

		prev := lease.Job()
		job, err := lease.Update(func(j *models.Job) {
			j.Status = models.StatusRunning
			j.Progress = cp
			if phase, ok := plan.Phases[cp]; ok {
				j.Phase = phase
			}
		})
		if err != nil {
			return apperr.Internal("advance job", err)
		}
		if prev.Status != models.StatusRunning {
			r.record(job, "running", job.Phase)
		} else if prev.Phase != job.Phase {
			r.record(job, "phase", job.Phase)
		}
		r.log.Debug("job progress", "job_id", job.ID, "progress", job.Progress, "phase", job.Phase)
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) record(job models.Job, event, detail string) {
	if r.journal == nil {
		return
	}
	ev := models.JobEvent{
		JobID:    job.ID,
		Kind:     job.Kind,
		Event:    event,
		Detail:   detail,
		Recorded: time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.journal.Record(ctx, ev); err != nil {
		r.log.Warn("journal record failed", "job_id", job.ID, "event", event, "error", err)
	}
}

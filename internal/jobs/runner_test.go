package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceforge/internal/models"
)

type fakeHandler struct {
	plan   Plan
	result string
	err    error
	panics bool
	block  bool
}

func (f *fakeHandler) Plan() Plan { return f.plan }

func (f *fakeHandler) Finish(ctx context.Context, job models.Job) (string, error) {
	if f.panics {
		panic("kaboom")
	}
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.result, f.err
}

type memJournal struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (m *memJournal) Record(_ context.Context, ev models.JobEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memJournal) names(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev.Event)
		}
	}
	return out
}

func synthesisJob() NewJob {
	return NewJob{
		Kind:      models.KindSynthesis,
		Synthesis: &models.SynthesisPayload{Text: "hi", VoiceID: "preset_1"},
	}
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestLinear(t *testing.T) {
	assert.Equal(t, []int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, Linear(10))
	assert.Equal(t, []int{0, 20, 40, 60, 80, 100}, Linear(20))
	assert.Equal(t, []int{0, 30, 60, 90, 100}, Linear(30))
}

func TestRunnerCompletesJob(t *testing.T) {
	store := NewStore()
	journal := &memJournal{}
	r := NewRunner(store, journal, nil)
	r.Register(models.KindSynthesis, &fakeHandler{
		plan:   Plan{Checkpoints: Linear(20), Step: time.Millisecond, RunningOnDispatch: true, Phases: map[int]string{0: models.PhaseSynthesizing}},
		result: "processed/out.wav",
	})

	job, task, err := r.Submit(synthesisJob())
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, job.ID, task.ID())

	waitDone(t, task)
	require.NoError(t, task.Err())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "processed/out.wav", got.Result)
	assert.Empty(t, got.Phase)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, []string{"created", "running", "completed"}, journal.names(job.ID))
	_, live := r.Task(job.ID)
	assert.False(t, live)
}

func TestRunnerPhases(t *testing.T) {
	store := NewStore()
	journal := &memJournal{}
	r := NewRunner(store, journal, nil)
	r.Register(models.KindTraining, &fakeHandler{
		plan:   Plan{Checkpoints: Linear(10), Step: time.Millisecond, Phases: map[int]string{0: models.PhaseTraining, 50: models.PhaseProcessing}},
		result: "voice-1",
	})

	job, task, err := r.Submit(NewJob{Kind: models.KindTraining, Training: &models.TrainingPayload{VoiceName: "v", AudioPath: "a.wav"}})
	require.NoError(t, err)
	waitDone(t, task)

	assert.Equal(t, []string{"created", "running", "phase", "completed"}, journal.names(job.ID))
}

func TestRunnerHandlerErrorFailsJob(t *testing.T) {
	store := NewStore()
	r := NewRunner(store, nil, nil)
	r.Register(models.KindSynthesis, &fakeHandler{
		plan: Plan{Checkpoints: Linear(50), Step: time.Millisecond},
		err:  errors.New("disk on fire at /var/secret"),
	})

	job, task, err := r.Submit(synthesisJob())
	require.NoError(t, err)
	waitDone(t, task)
	require.Error(t, task.Err())

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "internal error", *got.Error)
	assert.Empty(t, got.Result)
}

func TestRunnerRecoversPanic(t *testing.T) {
	store := NewStore()
	r := NewRunner(store, nil, nil)
	r.Register(models.KindSynthesis, &fakeHandler{
		plan:   Plan{Checkpoints: Linear(50), Step: time.Millisecond},
		panics: true,
	})

	job, task, err := r.Submit(synthesisJob())
	require.NoError(t, err)
	waitDone(t, task)

	got, _ := store.Get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "job execution panicked", *got.Error)
}

func TestRunnerInvalidPlan(t *testing.T) {
	store := NewStore()
	r := NewRunner(store, nil, nil)
	r.Register(models.KindSynthesis, &fakeHandler{plan: Plan{Checkpoints: []int{0, 50}}})

	job, task, err := r.Submit(synthesisJob())
	require.NoError(t, err)
	waitDone(t, task)

	got, _ := store.Get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestTaskCancel(t *testing.T) {
	store := NewStore()
	r := NewRunner(store, nil, nil)
	r.Register(models.KindSynthesis, &fakeHandler{
		plan: Plan{Checkpoints: Linear(20), Step: time.Hour, RunningOnDispatch: true},
	})

	job, task, err := r.Submit(synthesisJob())
	require.NoError(t, err)
	task.Cancel()
	waitDone(t, task)
	assert.ErrorIs(t, task.Err(), context.Canceled)

	got, _ := store.Get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, CancelledReason, *got.Error)
}

func TestShutdownCancelsInFlight(t *testing.T) {
	store := NewStore()
	r := NewRunner(store, nil, nil)
	r.Register(models.KindSynthesis, &fakeHandler{
		plan:  Plan{Checkpoints: []int{100}, Step: time.Millisecond},
		block: true,
	})

	job, _, err := r.Submit(synthesisJob())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	got, _ := store.Get(job.ID)
	assert.Equal(t, models.StatusFailed, got.Status)

	_, _, err = r.Submit(synthesisJob())
	assert.Error(t, err)
}

func TestDispatchTwiceConflicts(t *testing.T) {
	store := NewStore()
	r := NewRunner(store, nil, nil)
	r.Register(models.KindSynthesis, &fakeHandler{
		plan:   Plan{Checkpoints: Linear(50), Step: time.Millisecond},
		result: "x",
	})

	job, task, err := r.Submit(synthesisJob())
	require.NoError(t, err)
	_, err = r.Dispatch(job)
	assert.Error(t, err)
	waitDone(t, task)
}

func TestSubmitUnknownKind(t *testing.T) {
	r := NewRunner(NewStore(), nil, nil)
	_, _, err := r.Submit(synthesisJob())
	assert.Error(t, err)
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voiceforge/internal/apperr"
	"voiceforge/internal/jobs"
	"voiceforge/internal/models"
	"voiceforge/internal/telemetry"
)

type voiceRegistrar interface {
	Register(v models.VoiceModel) error
	CustomCount() int
}

type audioChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// TrainingHandler simulates voice training and registers the resulting
// custom voice once the plan reaches 100%.
type TrainingHandler struct {
	voices voiceRegistrar
	blobs  audioChecker
	step   time.Duration
	now    func() time.Time
}

func NewTrainingHandler(voices voiceRegistrar, blobs audioChecker, step time.Duration) *TrainingHandler {
	return &TrainingHandler{
		voices: voices,
		blobs:  blobs,
		step:   step,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (h *TrainingHandler) Plan() jobs.Plan {
	return jobs.Plan{
		Checkpoints: jobs.Linear(10),
		Step:        h.step,
		Phases: map[int]string{
			0:  models.PhaseTraining,
			50: models.PhaseProcessing,
		},
	}
}

func (h *TrainingHandler) Finish(ctx context.Context, job models.Job) (string, error) {
	if job.Training == nil {
		return "", apperr.Validation("training job %s has no payload", job.ID)
	}
	ok, err := h.blobs.Exists(ctx, job.Training.AudioPath)
	if err != nil {
		return "", apperr.Internal("check source audio", err)
	}
	if !ok {
		return "", apperr.NotFound("audio file %q not found", job.Training.AudioPath)
	}

	voice := models.VoiceModel{
		ID:            uuid.New().String(),
		Name:          job.Training.VoiceName,
		Type:          models.VoiceCustom,
		Language:      "English (US)",
		Gender:        "Unknown",
		Quality:       "High",
		CreatedAt:     h.now(),
		TrainingJobID: job.ID,
		AudioPath:     job.Training.AudioPath,
	}
	if err := h.voices.Register(voice); err != nil {
		return "", fmt.Errorf("register voice: %w", err)
	}
	telemetry.CustomVoices.Set(float64(h.voices.CustomCount()))
	return voice.ID, nil
}

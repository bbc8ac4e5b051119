package worker

import (
	"context"
	"time"

	"voiceforge/internal/apperr"
	"voiceforge/internal/jobs"
	"voiceforge/internal/models"
)

type artifactWriter interface {
	Materialize(ctx context.Context, jobID, text string) (string, error)
}

// SynthesisHandler simulates speech synthesis; the artifact is written
// only after the last wait.
type SynthesisHandler struct {
	artifacts artifactWriter
	step      time.Duration
}

func NewSynthesisHandler(artifacts artifactWriter, step time.Duration) *SynthesisHandler {
	return &SynthesisHandler{artifacts: artifacts, step: step}
}

func (h *SynthesisHandler) Plan() jobs.Plan {
	return jobs.Plan{
		Checkpoints:       jobs.Linear(20),
		Step:              h.step,
		RunningOnDispatch: true,
		Phases:            map[int]string{0: models.PhaseSynthesizing},
	}
}

func (h *SynthesisHandler) Finish(ctx context.Context, job models.Job) (string, error) {
	if job.Synthesis == nil {
		return "", apperr.Validation("synthesis job %s has no payload", job.ID)
	}
	key, err := h.artifacts.Materialize(ctx, job.ID, job.Synthesis.Text)
	if err != nil {
		return "", apperr.Internal("failed to generate audio", err)
	}
	return key, nil
}

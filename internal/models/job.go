package models

import (
	"time"
)

// JobKind distinguishes the two simulated workloads.
type JobKind string

const (
	KindTraining  JobKind = "training"
	KindSynthesis JobKind = "synthesis"
)

// JobStatus enumerates lifecycle states held by the job store.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase markers reported while a job is running.
const (
	PhaseTraining     = "training"
	PhaseProcessing   = "processing"
	PhaseSynthesizing = "synthesizing"
)

// Job represents a tracked training or synthesis run.
type Job struct {
	ID          string            `json:"id"`
	Kind        JobKind           `json:"kind"`
	Status      JobStatus         `json:"status"`
	Phase       string            `json:"phase,omitempty"`
	Progress    int               `json:"progress"`
	Training    *TrainingPayload  `json:"training,omitempty"`
	Synthesis   *SynthesisPayload `json:"synthesis,omitempty"`
	Result      string            `json:"result,omitempty"`
	Error       *string           `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (j Job) Clone() Job {
	out := j
	if j.Training != nil {
		t := *j.Training
		out.Training = &t
	}
	if j.Synthesis != nil {
		s := *j.Synthesis
		out.Synthesis = &s
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.CompletedAt != nil {
		c := *j.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// TrainingPayload is the input of a voice training job.
type TrainingPayload struct {
	VoiceName string `json:"voice_name"`
	AudioPath string `json:"audio_path"`
}

// SynthesisPayload is the input of a speech synthesis job.
type SynthesisPayload struct {
	Text     string            `json:"text"`
	VoiceID  string            `json:"voice_id"`
	Settings SynthesisSettings `json:"settings"`
}

// SynthesisSettings mirrors the tuning knobs the studio UI sends along.
type SynthesisSettings struct {
	Stability       float64 `json:"stability"`
	Similarity      float64 `json:"similarity"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
	Emotion         string  `json:"emotion,omitempty"`
	Speed           float64 `json:"speed"`
	Pitch           float64 `json:"pitch"`
	Emphasis        float64 `json:"emphasis"`
}

// DefaultSynthesisSettings is applied before decoding client settings.
func DefaultSynthesisSettings() SynthesisSettings {
	return SynthesisSettings{
		Stability:  0.5,
		Similarity: 0.75,
		Speed:      1.0,
	}
}

// JobEvent is a single lifecycle entry written to the journal.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Kind     JobKind   `json:"kind"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

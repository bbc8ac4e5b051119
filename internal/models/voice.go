package models

import "time"

// VoiceType separates built-in voices from trained ones.
type VoiceType string

const (
	VoicePreset VoiceType = "preset"
	VoiceCustom VoiceType = "custom"
)

// VoiceModel describes a synthesis target.
type VoiceModel struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          VoiceType `json:"type"`
	Language      string    `json:"language"`
	Gender        string    `json:"gender"`
	Quality       string    `json:"quality"`
	CreatedAt     time.Time `json:"created_at"`
	TrainingJobID string    `json:"training_job_id,omitempty"`
	AudioPath     string    `json:"audio_path,omitempty"`
}

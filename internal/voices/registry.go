// Package voices keeps the catalog of synthesis voices: fixed presets plus
// custom voices produced by completed training jobs.
package voices

import (
	"sync"
	"time"

	"voiceforge/internal/apperr"
	"voiceforge/internal/models"
)

var presetCreated = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Presets returns the built-in voices in their fixed listing order.
func Presets() []models.VoiceModel {
	return []models.VoiceModel{
		{ID: "preset_1", Name: "Sarah Professional", Type: models.VoicePreset, Language: "English (US)", Gender: "Female", Quality: "High", CreatedAt: presetCreated},
		{ID: "preset_2", Name: "David Narrator", Type: models.VoicePreset, Language: "English (US)", Gender: "Male", Quality: "High", CreatedAt: presetCreated},
		{ID: "preset_3", Name: "Emma British", Type: models.VoicePreset, Language: "English (UK)", Gender: "Female", Quality: "High", CreatedAt: presetCreated},
	}
}

// Registry is safe for concurrent use. Voice values are immutable once
// stored, so a single lock over the index is enough.
type Registry struct {
	presets []models.VoiceModel
	preset  map[string]int

	mu     sync.RWMutex
	custom map[string]models.VoiceModel
	order  []string
}

// NewRegistry builds a registry seeded with presets.
func NewRegistry(presets []models.VoiceModel) *Registry {
	r := &Registry{
		presets: append([]models.VoiceModel(nil), presets...),
		preset:  make(map[string]int, len(presets)),
		custom:  make(map[string]models.VoiceModel),
	}
	for i, p := range r.presets {
		r.preset[p.ID] = i
	}
	return r
}

// List returns presets first, then custom voices in registration order.
func (r *Registry) List() []models.VoiceModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.VoiceModel, 0, len(r.presets)+len(r.order))
	out = append(out, r.presets...)
	for _, id := range r.order {
		out = append(out, r.custom[id])
	}
	return out
}

// Get looks a voice up by id.
func (r *Registry) Get(id string) (models.VoiceModel, error) {
	if i, ok := r.preset[id]; ok {
		return r.presets[i], nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.custom[id]; ok {
		return v, nil
	}
	return models.VoiceModel{}, apperr.NotFound("voice model %q not found", id)
}

// Register adds a custom voice. Ids must be fresh.
func (r *Registry) Register(v models.VoiceModel) error {
	if v.ID == "" {
		return apperr.Validation("voice id is required")
	}
	if _, ok := r.preset[v.ID]; ok {
		return apperr.Conflict("voice %q already exists", v.ID)
	}
	v.Type = models.VoiceCustom

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.custom[v.ID]; ok {
		return apperr.Conflict("voice %q already exists", v.ID)
	}
	r.custom[v.ID] = v
	r.order = append(r.order, v.ID)
	return nil
}

// Delete removes a custom voice. Presets cannot be deleted.
func (r *Registry) Delete(id string) error {
	if _, ok := r.preset[id]; ok {
		return apperr.Immutable("preset voice %q cannot be deleted", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.custom[id]; !ok {
		return apperr.NotFound("voice model %q not found", id)
	}
	delete(r.custom, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// CustomCount reports how many trained voices are registered.
func (r *Registry) CustomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

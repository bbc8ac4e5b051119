package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"voiceforge/internal/models"
	"voiceforge/internal/telemetry"
)

type voiceList struct {
	Voices []models.VoiceModel `json:"voices"`
	Total  int                 `json:"total"`
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	all := s.voices.List()
	writeJSON(w, http.StatusOK, voiceList{Voices: all, Total: len(all)})
}

func (s *Server) handleGetVoice(w http.ResponseWriter, r *http.Request) {
	v, err := s.voices.Get(chi.URLParam(r, "voice_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteVoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "voice_id")
	if err := s.voices.Delete(id); err != nil {
		s.writeError(w, err)
		return
	}
	telemetry.CustomVoices.Set(float64(s.voices.CustomCount()))
	s.log.Info("voice deleted", "voice_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Voice model deleted successfully"})
}

// handleVoiceSample returns a placeholder preview descriptor.
func (s *Server) handleVoiceSample(w http.ResponseWriter, r *http.Request) {
	v, err := s.voices.Get(chi.URLParam(r, "voice_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sample_url": fmt.Sprintf("/api/audio/sample_%s.wav", v.ID),
		"duration":   "3.2",
		"message":    "Sample audio would be generated here",
	})
}

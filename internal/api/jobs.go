package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"voiceforge/internal/apperr"
	"voiceforge/internal/audio"
	"voiceforge/internal/blob"
	"voiceforge/internal/jobs"
	"voiceforge/internal/models"
	"voiceforge/internal/telemetry"
)

const (
	maxTextRunes = 5000

	defaultWaveWidth  = 800
	defaultWaveHeight = 160
	maxWaveDimension  = 4096
)

// jobView adds the legacy result aliases clients already read.
type jobView struct {
	models.Job
	ModelID   string `json:"model_id,omitempty"`
	AudioPath string `json:"audio_path,omitempty"`
}

func viewOf(j models.Job) jobView {
	v := jobView{Job: j}
	if j.Status == models.StatusCompleted {
		switch j.Kind {
		case models.KindTraining:
			v.ModelID = j.Result
		case models.KindSynthesis:
			v.AudioPath = j.Result
		}
	}
	return v
}

type startedResponse struct {
	JobID   string           `json:"job_id"`
	Message string           `json:"message"`
	Status  models.JobStatus `json:"status"`
}

type uploadResponse struct {
	Message   string `json:"message"`
	Filename  string `json:"filename"`
	Filepath  string `json:"filepath"`
	VoiceName string `json:"voice_name"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, apperr.Validation("file exceeds %d bytes", s.cfg.MaxUploadBytes))
			return
		}
		s.writeError(w, apperr.Validation("expected multipart form data"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, apperr.Validation("no audio file provided"))
		return
	}
	defer file.Close()
	if header.Filename == "" {
		s.writeError(w, apperr.Validation("no file selected"))
		return
	}
	if !blob.IsAllowedAudio(header.Filename) {
		s.writeError(w, apperr.Validation("invalid file type"))
		return
	}
	voiceName := strings.TrimSpace(r.FormValue("voice_name"))
	if voiceName == "" {
		voiceName = "Unnamed Voice"
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, apperr.Internal("read upload", err))
		return
	}
	key := fmt.Sprintf("uploads/%d_%s", time.Now().Unix(), blob.SanitizeFilename(header.Filename))
	key, err = s.blobs.Save(r.Context(), key, data)
	if err != nil {
		s.writeError(w, apperr.Internal("failed to store upload", err))
		return
	}
	telemetry.UploadBytes.Add(float64(len(data)))
	s.log.Info("audio uploaded", "key", key, "bytes", len(data))

	writeJSON(w, http.StatusOK, uploadResponse{
		Message:   "File uploaded successfully",
		Filename:  path.Base(key),
		Filepath:  key,
		VoiceName: voiceName,
	})
}

type trainRequest struct {
	AudioPath string `json:"audio_path"`
	VoiceName string `json:"voice_name"`
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	req.VoiceName = strings.TrimSpace(req.VoiceName)
	if req.AudioPath == "" || req.VoiceName == "" {
		s.writeError(w, apperr.Validation("missing required parameters"))
		return
	}
	key, err := blob.CleanKey(req.AudioPath)
	if err != nil {
		s.writeError(w, apperr.Validation("invalid audio_path"))
		return
	}
	ok, err := s.blobs.Exists(r.Context(), key)
	if err != nil {
		s.writeError(w, apperr.Internal("check audio file", err))
		return
	}
	if !ok {
		s.writeError(w, apperr.NotFound("audio file not found"))
		return
	}

	job, _, err := s.runner.Submit(jobs.NewJob{
		Kind:     models.KindTraining,
		Training: &models.TrainingPayload{VoiceName: req.VoiceName, AudioPath: key},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("training started", "job_id", job.ID, "voice_name", req.VoiceName)
	writeJSON(w, http.StatusAccepted, startedResponse{JobID: job.ID, Message: "Voice training started", Status: job.Status})
}

type synthesizeRequest struct {
	Text     *string                   `json:"text"`
	VoiceID  string                    `json:"voice_id"`
	Settings *models.SynthesisSettings `json:"settings"`
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	settings := models.DefaultSynthesisSettings()
	req := synthesizeRequest{Settings: &settings}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Text == nil || req.VoiceID == "" {
		s.writeError(w, apperr.Validation("missing required parameters"))
		return
	}
	if strings.TrimSpace(*req.Text) == "" {
		s.writeError(w, apperr.Validation("text must not be empty"))
		return
	}
	if n := utf8.RuneCountInString(*req.Text); n > maxTextRunes {
		s.writeError(w, apperr.Validation("text is %d characters, limit is %d", n, maxTextRunes))
		return
	}
	if req.Settings == nil {
		req.Settings = &settings
	}
	if err := validateSettings(*req.Settings); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.voices.Get(req.VoiceID); err != nil {
		s.writeError(w, err)
		return
	}

	job, _, err := s.runner.Submit(jobs.NewJob{
		Kind: models.KindSynthesis,
		Synthesis: &models.SynthesisPayload{
			Text:     *req.Text,
			VoiceID:  req.VoiceID,
			Settings: *req.Settings,
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("synthesis started", "job_id", job.ID, "voice_id", req.VoiceID)
	writeJSON(w, http.StatusAccepted, startedResponse{JobID: job.ID, Message: "Speech synthesis started", Status: job.Status})
}

func validateSettings(st models.SynthesisSettings) error {
	unit := map[string]float64{
		"stability":  st.Stability,
		"similarity": st.Similarity,
		"style":      st.Style,
		"emphasis":   st.Emphasis,
	}
	for name, v := range unit {
		if v < 0 || v > 1 {
			return apperr.Validation("settings.%s must be between 0 and 1", name)
		}
	}
	if st.Speed <= 0 || st.Speed > 4 {
		return apperr.Validation("settings.speed must be in (0, 4]")
	}
	if st.Pitch < -12 || st.Pitch > 12 {
		return apperr.Validation("settings.pitch must be between -12 and 12")
	}
	return nil
}

func (s *Server) handleGetJob(kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.jobOfKind(chi.URLParam(r, "job_id"), kind)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(job))
	}
}

// jobOfKind hides jobs of the other kind behind NotFound.
func (s *Server) jobOfKind(id string, kind models.JobKind) (models.Job, error) {
	job, err := s.jobs.Get(id)
	if err != nil || job.Kind != kind {
		return models.Job{}, apperr.NotFound("%s job not found", kind)
	}
	return job, nil
}

// completedArtifact loads the WAV of a finished synthesis job.
func (s *Server) completedArtifact(r *http.Request) (models.Job, []byte, error) {
	job, err := s.jobOfKind(chi.URLParam(r, "job_id"), models.KindSynthesis)
	if err != nil {
		return job, nil, err
	}
	if job.Status != models.StatusCompleted {
		return job, nil, apperr.NotReady("audio not ready")
	}
	data, err := s.blobs.Read(r.Context(), job.Result)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return job, nil, apperr.NotFound("audio file not found")
		}
		return job, nil, apperr.Internal("read audio", err)
	}
	return job, data, nil
}

func (s *Server) handleDownloadAudio(w http.ResponseWriter, r *http.Request) {
	job, data, err := s.completedArtifact(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(job.Result)))
	http.ServeContent(w, r, path.Base(job.Result), *job.CompletedAt, bytes.NewReader(data))
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	width, err := dimension(r, "width", defaultWaveWidth)
	if err != nil {
		s.writeError(w, err)
		return
	}
	height, err := dimension(r, "height", defaultWaveHeight)
	if err != nil {
		s.writeError(w, err)
		return
	}
	_, data, err := s.completedArtifact(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	png, err := audio.RenderWaveform(data, width, height)
	if err != nil {
		s.writeError(w, apperr.Internal("render waveform", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func dimension(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxWaveDimension {
		return 0, apperr.Validation("%s must be an integer between 1 and %d", name, maxWaveDimension)
	}
	return n, nil
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if _, err := s.jobs.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.events.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, apperr.Internal("load job events", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "events": events})
}

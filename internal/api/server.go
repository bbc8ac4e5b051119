package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"voiceforge/internal/apperr"
	"voiceforge/internal/blob"
	"voiceforge/internal/config"
	"voiceforge/internal/jobs"
	"voiceforge/internal/models"
	"voiceforge/internal/ratelimit"
	"voiceforge/internal/telemetry"
	"voiceforge/internal/voices"
)

// maxJSONBody bounds JSON request bodies; uploads have their own limit.
const maxJSONBody = 1 << 20

// EventSource lists the journal of a job. Only durable journals provide one.
type EventSource interface {
	Events(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// Deps are the collaborators of the HTTP layer. Limiter and Events are optional.
type Deps struct {
	Config  config.Config
	Jobs    *jobs.Store
	Runner  *jobs.Runner
	Voices  *voices.Registry
	Blobs   blob.Store
	Limiter *ratelimit.TokenBucket
	Events  EventSource
	Log     *slog.Logger
}

// Server wires HTTP handlers for the studio API.
type Server struct {
	cfg     config.Config
	jobs    *jobs.Store
	runner  *jobs.Runner
	voices  *voices.Registry
	blobs   blob.Store
	limiter *ratelimit.TokenBucket
	events  EventSource
	log     *slog.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     d.Config,
		jobs:    d.Jobs,
		runner:  d.Runner,
		voices:  d.Voices,
		blobs:   d.Blobs,
		limiter: d.Limiter,
		events:  d.Events,
		log:     log.With("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors(s.cfg.CORSOrigins))

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/voices", s.handleListVoices)
		r.Get("/voices/{voice_id}", s.handleGetVoice)
		r.Delete("/voices/{voice_id}", s.handleDeleteVoice)
		r.Get("/voices/{voice_id}/sample", s.handleVoiceSample)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware(s.log, s.writeError))
			}
			r.Post("/upload", s.handleUpload)
			r.Post("/train", s.handleTrain)
			r.Post("/synthesize", s.handleSynthesize)
		})

		r.Get("/training/{job_id}", s.handleGetJob(models.KindTraining))
		r.Get("/synthesis/{job_id}", s.handleGetJob(models.KindSynthesis))
		r.Get("/audio/{job_id}", s.handleDownloadAudio)
		r.Get("/audio/{job_id}/waveform", s.handleWaveform)
		if s.events != nil {
			r.Get("/jobs/{job_id}/events", s.handleJobEvents)
		}
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": "VoiceForge API is running",
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// writeError maps err onto its status. Causes of internal errors are logged,
// never returned.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorBody{Error: errorDetail{Kind: kind, Message: apperr.MessageOf(err)}})
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperr.Validation("request body too large")
		case errors.Is(err, io.EOF):
			return apperr.Validation("missing required parameters")
		default:
			return apperr.Validation("invalid json body")
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceforge/internal/audio"
	"voiceforge/internal/blob"
	"voiceforge/internal/config"
	"voiceforge/internal/jobs"
	"voiceforge/internal/models"
	"voiceforge/internal/ratelimit"
	"voiceforge/internal/voices"
	"voiceforge/internal/worker"
)

type testServer struct {
	*httptest.Server
	voices *voices.Registry
	runner *jobs.Runner
}

func newTestServer(t *testing.T, step time.Duration, limiter *ratelimit.TokenBucket) testServer {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	blobs, err := blob.NewLocal(cfg.DataDir)
	require.NoError(t, err)
	store := jobs.NewStore()
	registry := voices.NewRegistry(voices.Presets())
	runner := jobs.NewRunner(store, nil, nil)
	runner.Register(models.KindTraining, worker.NewTrainingHandler(registry, blobs, step))
	runner.Register(models.KindSynthesis, worker.NewSynthesisHandler(
		audio.NewMaterializer(blobs, audio.Tone{SampleRate: cfg.SampleRate, Frequency: cfg.ToneFrequency}), step))

	srv := New(Deps{Config: cfg, Jobs: store, Runner: runner, Voices: registry, Blobs: blobs, Limiter: limiter})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return testServer{Server: ts, voices: registry, runner: runner}
}

func (ts testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorKind(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decode[errorBody](t, resp)
	return string(body.Error.Kind)
}

func (ts testServer) upload(t *testing.T, filename, voiceName string) uploadResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", filename)
	require.NoError(t, err)
	_, _ = fw.Write([]byte("RIFF....WAVEfake"))
	require.NoError(t, mw.WriteField("voice_name", voiceName))
	require.NoError(t, mw.Close())

	resp, err := ts.Client().Post(ts.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[uploadResponse](t, resp)
}

func (ts testServer) poll(t *testing.T, path string) jobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	last := -1
	for time.Now().Before(deadline) {
		resp := ts.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		job := decode[jobView](t, resp)
		require.GreaterOrEqual(t, job.Progress, last, "progress must not decrease")
		last = job.Progress
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job at %s did not finish", path)
	return jobView{}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	resp := ts.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestListVoicesStartsWithPresets(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	resp := ts.do(t, http.MethodGet, "/api/voices", nil)
	list := decode[voiceList](t, resp)
	require.Equal(t, 3, list.Total)
	assert.Equal(t, []string{"preset_1", "preset_2", "preset_3"}, []string{list.Voices[0].ID, list.Voices[1].ID, list.Voices[2].ID})
}

func TestDeleteVoiceErrors(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)

	resp := ts.do(t, http.MethodDelete, "/api/voices/preset_1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "immutable", errorKind(t, resp))

	resp = ts.do(t, http.MethodDelete, "/api/voices/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorKind(t, resp))
}

func TestVoiceSample(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	resp := ts.do(t, http.MethodGet, "/api/voices/preset_2/sample", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "/api/audio/sample_preset_2.wav", body["sample_url"])

	resp = ts.do(t, http.MethodGet, "/api/voices/ghost/sample", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrainingFlow(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	up := ts.upload(t, "my sample.wav", "Test Voice")
	assert.True(t, strings.HasPrefix(up.Filepath, "uploads/"))
	assert.True(t, strings.HasSuffix(up.Filepath, "_my_sample.wav"))

	resp := ts.do(t, http.MethodPost, "/api/train", trainRequest{AudioPath: up.Filepath, VoiceName: "Test Voice"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[startedResponse](t, resp)
	assert.Equal(t, models.StatusQueued, started.Status)

	job := ts.poll(t, "/api/training/"+started.JobID)
	require.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, job.Result, job.ModelID)

	resp = ts.do(t, http.MethodGet, "/api/voices", nil)
	list := decode[voiceList](t, resp)
	require.Equal(t, 4, list.Total)
	custom := list.Voices[3]
	assert.Equal(t, "Test Voice", custom.Name)
	assert.Equal(t, "High", custom.Quality)
	assert.Equal(t, models.VoiceCustom, custom.Type)
	assert.Equal(t, started.JobID, custom.TrainingJobID)

	resp = ts.do(t, http.MethodDelete, "/api/voices/"+custom.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/voices/"+custom.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The training job is not visible as a synthesis job.
	resp = ts.do(t, http.MethodGet, "/api/synthesis/"+started.JobID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTrainValidation(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)

	resp := ts.do(t, http.MethodPost, "/api/train", map[string]string{"voice_name": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", errorKind(t, resp))

	resp = ts.do(t, http.MethodPost, "/api/train", trainRequest{AudioPath: "../etc/passwd", VoiceName: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/train", trainRequest{AudioPath: "uploads/none.wav", VoiceName: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorKind(t, resp))
}

func TestUploadRejectsBadType(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("hello"))
	require.NoError(t, mw.Close())

	resp, err := ts.Client().Post(ts.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", errorKind(t, resp))
}

func TestSynthesisFlow(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	text := strings.Repeat("a", 50)

	resp := ts.do(t, http.MethodPost, "/api/synthesize", map[string]any{"text": text, "voice_id": "preset_1"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[startedResponse](t, resp)

	job := ts.poll(t, "/api/synthesis/"+started.JobID)
	require.Equal(t, models.StatusCompleted, job.Status)
	assert.Equal(t, audio.ArtifactKey(started.JobID), job.AudioPath)
	require.NotNil(t, job.Synthesis)
	assert.Equal(t, 0.75, job.Synthesis.Settings.Similarity, "defaults fill missing settings")

	resp = ts.do(t, http.MethodGet, "/api/audio/"+started.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	clip, err := audio.Decode(data)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, clip.Duration().Seconds(), 0.01)
	assert.Equal(t, 22050, clip.SampleRate)

	resp = ts.do(t, http.MethodGet, "/api/audio/"+started.JobID+"/waveform?width=200&height=50", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())
}

func TestAudioNotReady(t *testing.T) {
	ts := newTestServer(t, time.Hour, nil)

	resp := ts.do(t, http.MethodPost, "/api/synthesize", map[string]any{"text": "hello", "voice_id": "preset_3"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decode[startedResponse](t, resp)

	resp = ts.do(t, http.MethodGet, "/api/audio/"+started.JobID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "not_ready", errorKind(t, resp))

	resp = ts.do(t, http.MethodGet, "/api/audio/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSynthesizeValidation(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	cases := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"missing text", map[string]any{"voice_id": "preset_1"}, http.StatusBadRequest, "validation"},
		{"blank text", map[string]any{"text": "  ", "voice_id": "preset_1"}, http.StatusBadRequest, "validation"},
		{"unknown voice", map[string]any{"text": "hi", "voice_id": "preset_9"}, http.StatusNotFound, "not_found"},
		{"bad stability", map[string]any{"text": "hi", "voice_id": "preset_1", "settings": map[string]any{"stability": 2}}, http.StatusBadRequest, "validation"},
		{"bad speed", map[string]any{"text": "hi", "voice_id": "preset_1", "settings": map[string]any{"speed": 0}}, http.StatusBadRequest, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/api/synthesize", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.kind, errorKind(t, resp))
		})
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/synthesize", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitedCreation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ts := newTestServer(t, time.Millisecond, ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute))

	body := map[string]any{"text": "hi", "voice_id": "preset_1"}
	resp := ts.do(t, http.MethodPost, "/api/synthesize", body)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/api/synthesize", body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", errorKind(t, resp))

	// Reads are never limited.
	resp = ts.do(t, http.MethodGet, "/api/voices", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsAndCORS(t *testing.T) {
	ts := newTestServer(t, time.Millisecond, nil)
	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/synthesize", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

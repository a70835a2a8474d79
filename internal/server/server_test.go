package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/whisperapi/internal/audio"
	"github.com/MrWong99/whisperapi/internal/config"
	"github.com/MrWong99/whisperapi/internal/engine"
	"github.com/MrWong99/whisperapi/internal/engine/mock"
	"github.com/MrWong99/whisperapi/internal/models"
	"github.com/MrWong99/whisperapi/internal/observe"
	"github.com/MrWong99/whisperapi/internal/transcribe"
)

// testServer is a fully wired Server backed by a mock engine, with the
// scratch directory exposed for hygiene assertions.
type testServer struct {
	*Server
	handler    http.Handler
	scratchDir string
	engine     *mock.Engine
}

func newTestServer(t *testing.T, eng *mock.Engine, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	modelDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(modelDir, "whisper-base.bin"), bytes.Repeat([]byte{1}, 2048), 0o644); err != nil {
		t.Fatal(err)
	}
	svc := transcribe.NewService(
		models.NewProvisioner(modelDir),
		func(string) (engine.Engine, error) { return eng, nil },
		"whisper-base",
		cfg.Whisper.Language,
	)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	scratch := t.TempDir()
	s := New(cfg, svc,
		WithVersion("test"),
		WithMetrics(m),
		WithScratchDir(scratch),
	)
	return &testServer{Server: s, handler: s.Handler(), scratchDir: scratch, engine: eng}
}

// wavBytes returns a short canonical WAV payload.
func wavBytes(n int) []byte {
	return audio.EncodeWAV(make([]byte, n), audio.CanonicalSampleRate, audio.CanonicalChannels)
}

// multipartBody builds a multipart form with the given file and extra
// fields, returning the body and its content type.
func multipartBody(t *testing.T, filename string, file []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(file); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

// decodeError unmarshals an error envelope.
func decodeError(t *testing.T, body io.Reader) apiError {
	t.Helper()
	var e errorBody
	if err := json.NewDecoder(body).Decode(&e); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return e.Error
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Version == "" {
		t.Errorf("body = %+v, want status ok and non-empty version", body)
	}
}

func TestModelsList(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var list modelList
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Object != "list" {
		t.Errorf("object = %q, want list", list.Object)
	}
	found := false
	for _, e := range list.Data {
		if e.ID == "whisper-base" && e.Object == "model" && e.OwnedBy == "openai" {
			found = true
		}
	}
	if !found {
		t.Error("whisper-base missing from model list")
	}
}

func TestModelByID(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models/whisper-base", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("known model: status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/models/whisper-xxl", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown model: status = %d, want 404", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Code != "model_not_found" {
		t.Errorf("code = %q, want model_not_found", e.Code)
	}
}

func TestConfigEcho(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	for _, path := range []string{"/config", "/v1/config"} {
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s: status = %d, want 200", path, rec.Code)
		}
		var body struct {
			Server  struct{ Port int }
			Whisper struct{ ModelName string }
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Server.Port != 8000 {
			t.Errorf("GET %s: Server.Port = %d, want 8000", path, body.Server.Port)
		}
		if body.Whisper.ModelName != "whisper-base" {
			t.Errorf("GET %s: Whisper.ModelName = %q, want whisper-base", path, body.Whisper.ModelName)
		}
	}
}

func TestTranscribeMultipartSuccess(t *testing.T) {
	eng := &mock.Engine{
		Segments: []engine.Segment{
			{Start: 0, End: 1, Text: "hello"},
			{Start: 1, End: 2.5, Text: "world"},
		},
		Language: "en",
	}
	ts := newTestServer(t, eng, nil)

	body, ct := multipartBody(t, "speech.wav", wavBytes(3200), map[string]string{"language": "en"})
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var result engine.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Text != "hello world" {
		t.Errorf("text = %q, want %q", result.Text, "hello world")
	}
	if result.Duration != 2.5 {
		t.Errorf("duration = %v, want 2.5", result.Duration)
	}
	if result.Language != "en" {
		t.Errorf("language = %q, want en", result.Language)
	}
	if len(result.Segments) != 2 || result.Segments[1].ID != 1 {
		t.Errorf("segments = %+v, want two with monotonic ids", result.Segments)
	}
	assertScratchEmpty(t, ts.scratchDir)
}

func TestTranscribeMissingFile(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	body, ct := multipartBody(t, "", nil, map[string]string{"language": "en"})
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	e := decodeError(t, rec.Body)
	if e.Type != "invalid_request_error" {
		t.Errorf("type = %q, want invalid_request_error", e.Type)
	}
	if e.Code != "missing_file" {
		t.Errorf("code = %q, want missing_file", e.Code)
	}
}

func TestTranscribeDuplicateFilePart(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, name := range []string{"first.wav", "second.wav"} {
		fw, err := w.CreateFormFile("file", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(wavBytes(320)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Type != "invalid_request_error" {
		t.Errorf("type = %q, want invalid_request_error", e.Type)
	}
	assertScratchEmpty(t, ts.scratchDir)
}

func TestTranscribeNotMultipart(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Type != "invalid_request_error" {
		t.Errorf("type = %q, want invalid_request_error", e.Type)
	}
}

func TestTranscribeOversize(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, func(cfg *config.Config) {
		cfg.Server.MaxFileSizeMB = 1
	})

	body, ct := multipartBody(t, "big.wav", make([]byte, 1<<20+512), nil)
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Code != "file_too_large" {
		t.Errorf("code = %q, want file_too_large", e.Code)
	}
	assertScratchEmpty(t, ts.scratchDir)
}

func TestTranscribeBadExtension(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	body, ct := multipartBody(t, "notes.txt", []byte("plain text"), nil)
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Code != "unsupported_media_type" {
		t.Errorf("code = %q, want unsupported_media_type", e.Code)
	}
}

func TestTranscribeUnknownRequestModel(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	body, ct := multipartBody(t, "speech.wav", wavBytes(320), map[string]string{"model": "gpt-4"})
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Code != "model_not_found" {
		t.Errorf("code = %q, want model_not_found", e.Code)
	}
}

func TestTranscribeKnownRequestModelIsAccepted(t *testing.T) {
	// A known model id is validated but does not switch models.
	ts := newTestServer(t, &mock.Engine{Language: "en"}, nil)

	body, ct := multipartBody(t, "speech.wav", wavBytes(320), map[string]string{"model": "whisper-large-v3"})
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
}

func TestTranscribeBase64Success(t *testing.T) {
	eng := &mock.Engine{Segments: []engine.Segment{{Start: 0, End: 1, Text: "hi"}}, Language: "en"}
	ts := newTestServer(t, eng, nil)

	payload, _ := json.Marshal(map[string]string{
		"audio":    base64.StdEncoding.EncodeToString(wavBytes(3200)),
		"filename": "clip.wav",
	})
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions/base64", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var result engine.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Text != "hi" {
		t.Errorf("text = %q, want hi", result.Text)
	}
	assertScratchEmpty(t, ts.scratchDir)
}

func TestTranscribeBase64Invalid(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	payload, _ := json.Marshal(map[string]string{"audio": "not!!!base64@@@", "filename": "clip.wav"})
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions/base64", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Code != "invalid_base64" {
		t.Errorf("code = %q, want invalid_base64", e.Code)
	}
	assertScratchEmpty(t, ts.scratchDir)
}

func TestTranscribeBase64MissingAudio(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	req := httptest.NewRequest("POST", "/v1/audio/transcriptions/base64", strings.NewReader(`{"filename":"a.wav"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Code != "missing_file" {
		t.Errorf("code = %q, want missing_file", e.Code)
	}
}

func TestTranscribeURLSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(wavBytes(3200))
	}))
	defer upstream.Close()

	eng := &mock.Engine{Segments: []engine.Segment{{Start: 0, End: 1, Text: "fetched"}}, Language: "en"}
	ts := newTestServer(t, eng, nil)

	payload := fmt.Sprintf(`{"url":%q,"filename":"remote.wav"}`, upstream.URL+"/audio")
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions/url", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	assertScratchEmpty(t, ts.scratchDir)
}

func TestTranscribeURLUpstreamStatusMirrored(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()

	ts := newTestServer(t, &mock.Engine{}, nil)

	payload := fmt.Sprintf(`{"url":%q,"filename":"remote.wav"}`, upstream.URL+"/missing.wav")
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions/url", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want mirrored 404", rec.Code)
	}
	e := decodeError(t, rec.Body)
	if e.Code != "url_fetch_failed" {
		t.Errorf("code = %q, want url_fetch_failed", e.Code)
	}
	if e.Type != "invalid_request_error" {
		t.Errorf("type = %q, want invalid_request_error", e.Type)
	}
}

func TestTranscribeURLOversizeByContentLength(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(2<<20))
		w.Write(make([]byte, 2<<20))
	}))
	defer upstream.Close()

	ts := newTestServer(t, &mock.Engine{}, func(cfg *config.Config) {
		cfg.Server.MaxFileSizeMB = 1
	})

	payload := fmt.Sprintf(`{"url":%q,"filename":"big.wav"}`, upstream.URL)
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions/url", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if e := decodeError(t, rec.Body); e.Code != "file_too_large" {
		t.Errorf("code = %q, want file_too_large", e.Code)
	}
}

func TestTranscribeURLMissingURL(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	req := httptest.NewRequest("POST", "/v1/audio/transcriptions/url", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAdmissionOverflowReturns429(t *testing.T) {
	eng := &mock.Engine{Delay: 500 * time.Millisecond, Language: "en"}
	ts := newTestServer(t, eng, func(cfg *config.Config) {
		cfg.Server.MaxConcurrent = 1
		cfg.Server.QueueWaitSec = 0
	})

	post := func() int {
		body, ct := multipartBody(t, "speech.wav", wavBytes(320), nil)
		req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	codes := make([]int, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); codes[0] = post() }()
	time.Sleep(100 * time.Millisecond) // let the first request take the slot
	go func() { defer wg.Done(); codes[1] = post() }()
	wg.Wait()

	if codes[0] != http.StatusOK {
		t.Errorf("first request status = %d, want 200", codes[0])
	}
	if codes[1] != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", codes[1])
	}
}

func TestTranscribeDeadlineReturns408(t *testing.T) {
	eng := &mock.Engine{Delay: 3 * time.Second}
	ts := newTestServer(t, eng, func(cfg *config.Config) {
		cfg.Server.RequestTimeoutSec = 1
	})

	body, ct := multipartBody(t, "speech.wav", wavBytes(320), nil)
	req := httptest.NewRequest("POST", "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", rec.Code)
	}
	e := decodeError(t, rec.Body)
	if e.Type != "request_timeout" || e.Code != "timeout" {
		t.Errorf("envelope = %+v, want request_timeout/timeout", e)
	}
	assertScratchEmpty(t, ts.scratchDir)
}

func TestCORSHeaders(t *testing.T) {
	ts := newTestServer(t, &mock.Engine{}, nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/v1/audio/transcriptions", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

// assertScratchEmpty fails if any per-request file survived the response.
func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		t.Errorf("stray scratch file %q after response", e.Name())
	}
}

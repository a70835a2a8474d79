package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/whisperapi/internal/apierr"
	"github.com/MrWong99/whisperapi/internal/audio"
	"github.com/MrWong99/whisperapi/internal/models"
)

// urlFetchSlack is added on top of the request timeout for URL fetches, so a
// slow upstream does not eat the whole transcription budget.
const urlFetchSlack = 10 * time.Second

// ingress is the materialized audio payload of one request: a scratch file
// plus the name whose extension drives format dispatch.
type ingress struct {
	inputPath    string
	originalName string
	language     string
	bytes        int64
}

// handleTranscribe serves multipart uploads. The file part is streamed to a
// scratch file while the size cap is enforced on the running total.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	s.runTranscription(w, r, "multipart", s.ingestMultipart)
}

// handleTranscribeBase64 serves JSON bodies carrying base64 audio.
func (s *Server) handleTranscribeBase64(w http.ResponseWriter, r *http.Request) {
	s.runTranscription(w, r, "base64", s.ingestBase64)
}

// handleTranscribeURL serves JSON bodies naming a remote audio URL.
func (s *Server) handleTranscribeURL(w http.ResponseWriter, r *http.Request) {
	s.runTranscription(w, r, "url", s.ingestURL)
}

// runTranscription is the shared pipeline: admit, materialize the payload,
// normalize, transcribe, respond. Scratch files are removed on every exit
// path, including panics.
func (s *Server) runTranscription(w http.ResponseWriter, r *http.Request, source string, ingest func(*http.Request) (*ingress, error)) {
	ctx := r.Context()

	ticket, err := s.gate.Acquire(ctx)
	if err != nil {
		s.metrics.AdmissionRejections.Add(ctx, 1)
		writeError(w, r, err)
		return
	}
	defer ticket.Release()

	s.metrics.ActiveJobs.Add(ctx, 1)
	defer s.metrics.ActiveJobs.Add(ctx, -1)

	in, err := ingest(r)
	if in != nil && in.inputPath != "" {
		defer os.Remove(in.inputPath)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.RecordIngress(ctx, source, in.bytes)

	// One deadline bounds normalization and inference together.
	procCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout())
	defer cancel()

	normStart := time.Now()
	wavPath, err := s.normalizer.Normalize(procCtx, in.inputPath, in.originalName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer os.Remove(wavPath)
	s.metrics.NormalizeDuration.Record(ctx, time.Since(normStart).Seconds())

	transStart := time.Now()
	result, err := s.svc.Transcribe(procCtx, wavPath, in.language)
	if err != nil {
		s.metrics.RecordTranscribe(ctx, s.cfg.Whisper.ModelName, "error", time.Since(transStart).Seconds())
		writeError(w, r, err)
		return
	}
	s.metrics.RecordTranscribe(ctx, s.cfg.Whisper.ModelName, "ok", time.Since(transStart).Seconds())

	writeJSON(w, http.StatusOK, result)
}

// ingestMultipart streams the file part of a multipart form to a scratch
// file. The model field is validated against the supported set but does not
// switch models; the server transcribes with its configured model.
func (s *Server) ingestMultipart(r *http.Request) (*ingress, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("server: read multipart body: %w: %w", err, apierr.ErrInvalidRequest)
	}

	in := &ingress{}
	var model string
	seenFile := false

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return in, fmt.Errorf("server: read multipart part: %w: %w", err, apierr.ErrInvalidRequest)
		}

		switch part.FormName() {
		case "file":
			if seenFile {
				// A second file part would orphan the first scratch file.
				part.Close()
				return in, fmt.Errorf("server: multipart form: more than one file part: %w", apierr.ErrInvalidRequest)
			}
			name := part.FileName()
			if !audio.SupportedExt(name) {
				part.Close()
				return in, fmt.Errorf("server: file %q: %w", name, apierr.ErrUnsupportedMedia)
			}
			dst, err := s.newScratchFile(filepath.Ext(name))
			if err != nil {
				part.Close()
				return in, err
			}
			in.inputPath = dst.Name()
			in.originalName = name
			in.bytes, err = copyCapped(dst, part, s.cfg.MaxFileBytes())
			closeErr := dst.Close()
			part.Close()
			if err != nil {
				return in, err
			}
			if closeErr != nil {
				return in, fmt.Errorf("server: write scratch file: %w", closeErr)
			}
			seenFile = true
		case "model":
			model = formValue(part)
		case "language":
			in.language = formValue(part)
		default:
			part.Close()
		}
	}

	if !seenFile {
		return in, fmt.Errorf("server: multipart form: %w", apierr.ErrMissingFile)
	}
	if err := validateRequestModel(model); err != nil {
		return in, err
	}
	return in, nil
}

// base64Request is the JSON body of the base64 ingress.
type base64Request struct {
	Audio    string `json:"audio"`
	Filename string `json:"filename"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

// ingestBase64 decodes the audio field to a scratch file. The request body
// is capped at 1.5x the payload limit, enough for the base64 expansion of an
// in-cap payload plus the JSON wrapper; the decoded byte count enforces the
// exact cap.
func (s *Server) ingestBase64(r *http.Request) (*ingress, error) {
	body := http.MaxBytesReader(nil, r.Body, s.cfg.MaxFileBytes()*3/2+4096)

	var req base64Request
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("server: base64 body: %w", apierr.ErrFileTooLarge)
		}
		return nil, fmt.Errorf("server: decode base64 request: %w: %w", err, apierr.ErrInvalidRequest)
	}
	if req.Audio == "" {
		return nil, fmt.Errorf("server: base64 request: audio is required: %w", apierr.ErrMissingFile)
	}
	if err := validateRequestModel(req.Model); err != nil {
		return nil, err
	}

	name := req.Filename
	if name == "" {
		name = "audio.wav"
	}
	if !audio.SupportedExt(name) {
		return nil, fmt.Errorf("server: file %q: %w", name, apierr.ErrUnsupportedMedia)
	}

	dst, err := s.newScratchFile(filepath.Ext(name))
	if err != nil {
		return nil, err
	}
	in := &ingress{inputPath: dst.Name(), originalName: name, language: req.Language}

	dec := base64.NewDecoder(base64.StdEncoding, strings.NewReader(req.Audio))
	in.bytes, err = copyCapped(dst, dec, s.cfg.MaxFileBytes())
	closeErr := dst.Close()
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return in, fmt.Errorf("server: decode audio: %w: %w", err, apierr.ErrInvalidBase64)
		}
		return in, err
	}
	if closeErr != nil {
		return in, fmt.Errorf("server: write scratch file: %w", closeErr)
	}
	return in, nil
}

// urlRequest is the JSON body of the URL ingress.
type urlRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

// ingestURL fetches remote audio to a scratch file. The size cap is checked
// against Content-Length before the body is read and again on the running
// byte count while streaming.
func (s *Server) ingestURL(r *http.Request) (*ingress, error) {
	var req urlRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
		return nil, fmt.Errorf("server: decode url request: %w: %w", err, apierr.ErrInvalidRequest)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("server: url request: url is required: %w", apierr.ErrInvalidRequest)
	}
	if err := validateRequestModel(req.Model); err != nil {
		return nil, err
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("server: url %q is not a valid http(s) url: %w", req.URL, apierr.ErrInvalidRequest)
	}

	name := req.Filename
	if name == "" {
		name = path.Base(parsed.Path)
	}
	if !audio.SupportedExt(name) {
		return nil, fmt.Errorf("server: file %q: %w", name, apierr.ErrUnsupportedMedia)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout()+urlFetchSlack)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("server: build fetch request: %w: %w", err, apierr.ErrInvalidRequest)
	}
	resp, err := s.fetchClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("server: fetch %q: %w: %w", req.URL, err, apierr.ErrURLFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("server: fetch %q: %w", req.URL, &apierr.UpstreamStatusError{StatusCode: resp.StatusCode})
	}
	if resp.ContentLength > s.cfg.MaxFileBytes() {
		return nil, fmt.Errorf("server: fetch %q: content length %d: %w", req.URL, resp.ContentLength, apierr.ErrFileTooLarge)
	}

	dst, err := s.newScratchFile(filepath.Ext(name))
	if err != nil {
		return nil, err
	}
	in := &ingress{inputPath: dst.Name(), originalName: name, language: req.Language}

	in.bytes, err = copyCapped(dst, resp.Body, s.cfg.MaxFileBytes())
	closeErr := dst.Close()
	if err != nil {
		if !errors.Is(err, apierr.ErrFileTooLarge) {
			err = fmt.Errorf("server: fetch %q: %w: %w", req.URL, err, apierr.ErrURLFetch)
		}
		return in, err
	}
	if closeErr != nil {
		return in, fmt.Errorf("server: write scratch file: %w", closeErr)
	}
	return in, nil
}

// validateRequestModel rejects model ids outside the supported set. A known
// id is accepted but does not switch models; per-request model selection is
// not supported.
func validateRequestModel(model string) error {
	if model == "" {
		return nil
	}
	if _, err := models.Normalize(model); err != nil {
		return err
	}
	return nil
}

// newScratchFile creates a uniquely named file under the scratch directory.
func (s *Server) newScratchFile(ext string) (*os.File, error) {
	if err := os.MkdirAll(s.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("server: create scratch dir: %w", err)
	}
	f, err := os.Create(filepath.Join(s.scratchDir, uuid.NewString()+ext))
	if err != nil {
		return nil, fmt.Errorf("server: create scratch file: %w", err)
	}
	return f, nil
}

// copyCapped copies src to dst, failing with [apierr.ErrFileTooLarge] as
// soon as the running total exceeds limit.
func copyCapped(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return n, err
	}
	if n > limit {
		return n, apierr.ErrFileTooLarge
	}
	return n, nil
}

// formValue reads a small text field from a multipart part.
func formValue(part *multipart.Part) string {
	defer part.Close()
	b, err := io.ReadAll(io.LimitReader(part, 1024))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

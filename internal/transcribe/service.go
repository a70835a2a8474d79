// Package transcribe orchestrates one transcription: it lazily loads the
// engine for the configured model, runs a single-use processor over the
// normalized audio, and accumulates the timed segments into a result.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/whisperapi/internal/apierr"
	"github.com/MrWong99/whisperapi/internal/audio"
	"github.com/MrWong99/whisperapi/internal/engine"
	"github.com/MrWong99/whisperapi/internal/models"
)

// Service runs transcriptions against a single configured model. The engine
// is loaded on first use and cached; loading is serialized so concurrent
// first requests trigger exactly one model load.
type Service struct {
	provisioner *models.Provisioner
	factory     engine.Factory
	modelID     string
	defaultLang string

	mu  sync.Mutex
	eng engine.Engine
}

// NewService creates a Service for modelID. defaultLang is used when a
// request does not name a language; "auto" requests detection.
func NewService(p *models.Provisioner, factory engine.Factory, modelID, defaultLang string) *Service {
	return &Service{
		provisioner: p,
		factory:     factory,
		modelID:     modelID,
		defaultLang: defaultLang,
	}
}

// Warmup provisions the model and loads the engine ahead of the first
// request. Failures leave the service usable; the next Transcribe retries.
func (s *Service) Warmup(ctx context.Context) error {
	_, err := s.loadEngine(ctx)
	return err
}

// Transcribe runs the canonical WAV file at wavPath through the engine and
// returns the accumulated result. language overrides the service default
// when non-empty. ctx bounds the whole run; on expiry the error carries
// [apierr.ErrTimeout].
func (s *Service) Transcribe(ctx context.Context, wavPath, language string) (*engine.Result, error) {
	eng, err := s.loadEngine(ctx)
	if err != nil {
		return nil, err
	}

	samples, info, err := audio.ReadWAVFloat32(wavPath)
	if err != nil {
		return nil, fmt.Errorf("transcribe: read %q: %w: %w", wavPath, err, apierr.ErrAudioProcessing)
	}

	lang := language
	if lang == "" {
		lang = s.defaultLang
	}

	proc, err := eng.NewProcessor(lang)
	if err != nil {
		return nil, fmt.Errorf("transcribe: create processor: %w", err)
	}
	defer proc.Release()

	start := time.Now()
	result := &engine.Result{Segments: []engine.Segment{}}
	var text strings.Builder

	err = proc.Process(ctx, samples, func(segStart, segEnd float64, segText string) error {
		result.Segments = append(result.Segments, engine.Segment{
			ID:    len(result.Segments),
			Start: segStart,
			End:   segEnd,
			Text:  segText,
		})
		result.Duration = segEnd
		if segText != "" {
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(segText)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("transcribe: %w: %w", err, apierr.ErrTimeout)
		}
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	result.Text = strings.TrimSpace(text.String())
	result.Language = proc.Language()
	if result.Language == "" {
		result.Language = lang
	}

	slog.Info("transcription complete",
		"model", s.modelID,
		"language", result.Language,
		"audio_seconds", info.Duration(),
		"segments", len(result.Segments),
		"took", time.Since(start),
	)
	return result, nil
}

// loadEngine returns the cached engine, provisioning the model and loading
// it on first call. A failed load is not cached.
func (s *Service) loadEngine(ctx context.Context) (engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eng != nil {
		return s.eng, nil
	}

	path, err := s.provisioner.Ensure(ctx, s.modelID)
	if err != nil {
		return nil, err
	}
	eng, err := s.factory(path)
	if err != nil {
		return nil, fmt.Errorf("transcribe: load engine: %w", err)
	}
	s.eng = eng
	return eng, nil
}

// Close releases the cached engine, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return nil
	}
	err := s.eng.Close()
	s.eng = nil
	return err
}

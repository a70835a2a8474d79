// Package whispercpp implements the engine contract on the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once and shared; each request gets its own
// whisper.cpp context, which is not thread-safe but may run concurrently
// with contexts of other requests.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/whisperapi/internal/apierr"
	"github.com/MrWong99/whisperapi/internal/engine"
)

// minModelBytes mirrors the provisioner's sanity floor: anything smaller is
// a truncated or placeholder file, not a model.
const minModelBytes = 1024

// Compile-time assertion that Engine satisfies engine.Engine.
var _ engine.Engine = (*Engine)(nil)

// Engine wraps a loaded whisper.cpp model.
type Engine struct {
	model whisperlib.Model
}

// New loads the whisper.cpp model at modelPath. Missing or implausibly
// small files fail with [apierr.ErrModelNotReady] before the bindings are
// invoked.
func New(modelPath string) (*Engine, error) {
	st, err := os.Stat(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: model file %q: %w: %w", modelPath, err, apierr.ErrModelNotReady)
	}
	if st.Size() < minModelBytes {
		return nil, fmt.Errorf("whispercpp: model file %q is %d bytes, too small to be valid: %w",
			modelPath, st.Size(), apierr.ErrModelNotReady)
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whispercpp: load model %q: %w: %w", modelPath, err, apierr.ErrModelNotReady)
	}
	slog.Info("whisper model loaded", "path", modelPath, "bytes", st.Size())
	return &Engine{model: model}, nil
}

// NewProcessor creates a single-use processor for one request. language may
// be "auto" to let the model detect the spoken language.
func (e *Engine) NewProcessor(language string) (engine.Processor, error) {
	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whispercpp: create context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			slog.Warn("failed to set language, using model default", "language", language, "error", err)
		}
	}
	return &processor{wctx: wctx}, nil
}

// Close releases the shared model.
func (e *Engine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

// processor runs one request's inference on a dedicated whisper.cpp context.
type processor struct {
	wctx     whisperlib.Context
	released atomic.Bool
	busy     sync.WaitGroup
}

// Process implements engine.Processor. The bindings' Process call cannot be
// interrupted, so it runs in its own goroutine; when ctx expires before the
// call returns, Process reports the context error and leaves the goroutine
// to finish in the background (Release waits for it asynchronously).
func (p *processor) Process(ctx context.Context, samples []float32, fn func(start, end float64, text string) error) error {
	if p.released.Load() {
		return errors.New("whispercpp: processor already released")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	p.busy.Add(1)
	go func() {
		defer p.busy.Done()
		done <- p.wctx.Process(samples, nil, nil, nil)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("whispercpp: process audio: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		seg, err := p.wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("whispercpp: read segment: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(seg.Start.Seconds(), seg.End.Seconds(), strings.TrimSpace(seg.Text)); err != nil {
			return err
		}
	}
}

// Language implements engine.Processor.
func (p *processor) Language() string {
	return p.wctx.Language()
}

// Release implements engine.Processor. The context must not be reclaimed
// while an inference call is still running, so the wait happens off the
// caller's path.
func (p *processor) Release() {
	if p.released.Swap(true) {
		return
	}
	go func() {
		// The bindings expose no explicit per-context free; the context is
		// reclaimed once the in-flight call ends and the processor is
		// unreachable. Waiting here keeps that ordering observable.
		p.busy.Wait()
	}()
}

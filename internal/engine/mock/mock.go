// Package mock provides a scripted engine implementation for tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/whisperapi/internal/engine"
)

// Compile-time assertions that the mocks satisfy the contracts.
var (
	_ engine.Engine    = (*Engine)(nil)
	_ engine.Processor = (*Processor)(nil)
)

// Engine is a scripted engine.Engine. Configure the exported fields before
// use; the zero value yields processors that emit no segments.
type Engine struct {
	// Segments are emitted by every processor, in order.
	Segments []engine.Segment

	// Language is reported by every processor after a successful run.
	Language string

	// ProcessErr, when set, is returned by Process instead of emitting
	// segments.
	ProcessErr error

	// NewProcessorErr, when set, is returned by NewProcessor.
	NewProcessorErr error

	// Delay is slept inside Process before any segment is emitted, while
	// still honoring ctx.
	Delay time.Duration

	mu         sync.Mutex
	processors []*Processor
	closed     atomic.Bool
}

// NewProcessor implements engine.Engine.
func (e *Engine) NewProcessor(language string) (engine.Processor, error) {
	if e.NewProcessorErr != nil {
		return nil, e.NewProcessorErr
	}
	lang := e.Language
	if lang == "" {
		lang = language
	}
	p := &Processor{engine: e, language: lang}
	e.mu.Lock()
	e.processors = append(e.processors, p)
	e.mu.Unlock()
	return p, nil
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// Processors returns every processor the engine has handed out.
func (e *Engine) Processors() []*Processor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Processor(nil), e.processors...)
}

// AllReleased reports whether every handed-out processor has been released.
func (e *Engine) AllReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.processors {
		if !p.Released() {
			return false
		}
	}
	return true
}

// Processor is a scripted engine.Processor backed by its parent Engine's
// script.
type Processor struct {
	engine   *Engine
	language string

	sampleCount atomic.Int64
	released    atomic.Bool
}

// Process implements engine.Processor.
func (p *Processor) Process(ctx context.Context, samples []float32, fn func(start, end float64, text string) error) error {
	p.sampleCount.Store(int64(len(samples)))

	if d := p.engine.Delay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := p.engine.ProcessErr; err != nil {
		return err
	}
	for _, seg := range p.engine.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(seg.Start, seg.End, seg.Text); err != nil {
			return err
		}
	}
	return nil
}

// Language implements engine.Processor.
func (p *Processor) Language() string {
	return p.language
}

// Release implements engine.Processor.
func (p *Processor) Release() {
	p.released.Store(true)
}

// Released reports whether Release has been called.
func (p *Processor) Released() bool {
	return p.released.Load()
}

// SampleCount returns the number of samples passed to the last Process call.
func (p *Processor) SampleCount() int {
	return int(p.sampleCount.Load())
}

// Package engine defines the contract between the transcription service and
// the acoustic model backend. The backend is a black box that loads a model
// from a file and turns a stream of canonical PCM samples into an ordered
// sequence of timed text segments.
package engine

import "context"

// Segment is one contiguous transcribed utterance span.
type Segment struct {
	// ID is the zero-based position of the segment within its request.
	ID int `json:"id"`

	// Start and End are offsets into the audio, in seconds.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Text is the transcribed text of the span.
	Text string `json:"text"`
}

// Result is the outcome of transcribing one audio file. Segments are in
// non-decreasing start order; Duration is the end of the last segment (0
// when there are none) and Text is the trimmed concatenation of all
// segment text.
type Result struct {
	Text     string    `json:"text"`
	Duration float64   `json:"duration"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Engine is a loaded acoustic model. One Engine serves many concurrent
// requests; each request obtains its own single-use [Processor].
type Engine interface {
	// NewProcessor creates a processor configured for the given language.
	// The literal "auto" requests language detection.
	NewProcessor(language string) (Processor, error)

	// Close releases the model. No processors may be created afterwards.
	Close() error
}

// Processor runs inference for exactly one request. It is not safe for
// concurrent use and must be released on every exit path.
type Processor interface {
	// Process feeds the samples through the model and invokes fn for each
	// segment in order. It honors ctx; on expiry it returns ctx's error
	// while the underlying inference winds down in the background.
	Process(ctx context.Context, samples []float32, fn func(start, end float64, text string) error) error

	// Language returns the language the processor transcribed in, which for
	// "auto" is the detected language. Valid after Process returns nil.
	Language() string

	// Release frees the processor. The backend refuses synchronous disposal
	// while inference is running, so release may complete asynchronously.
	// Calling Release more than once is safe.
	Release()
}

// Factory constructs an Engine from an installed model file. It lets the
// transcription service stay independent of the concrete backend.
type Factory func(modelPath string) (Engine, error)

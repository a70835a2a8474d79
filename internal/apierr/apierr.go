// Package apierr defines the error kinds the HTTP layer maps to response
// envelopes. Components wrap their failures with one of these sentinels so
// the single response shaper can pick status, type, and code without string
// matching.
package apierr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with fmt.Errorf("...: %w: %w", cause, kind) and test
// with errors.Is.
var (
	// ErrMissingFile marks a request without the required audio payload.
	ErrMissingFile = errors.New("missing file")

	// ErrInvalidRequest marks an ill-shaped request body or content type.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidBase64 marks an audio field that fails base64 decoding.
	ErrInvalidBase64 = errors.New("invalid base64")

	// ErrModelNotFound marks a model id outside the supported set.
	ErrModelNotFound = errors.New("model not found")

	// ErrFileTooLarge marks a payload exceeding the configured size cap.
	ErrFileTooLarge = errors.New("file too large")

	// ErrUnsupportedMedia marks an audio container outside the allowed set.
	ErrUnsupportedMedia = errors.New("unsupported media type")

	// ErrAudioProcessing marks a payload the decoder could not turn into
	// canonical PCM.
	ErrAudioProcessing = errors.New("audio processing failed")

	// ErrBusy marks a request refused by the admission gate.
	ErrBusy = errors.New("server busy")

	// ErrTimeout marks a request that exceeded its processing deadline.
	ErrTimeout = errors.New("request timeout")

	// ErrModelNotReady marks a configured model that is absent or invalid
	// and could not be provisioned.
	ErrModelNotReady = errors.New("model not ready")

	// ErrURLFetch marks a failure retrieving remote audio.
	ErrURLFetch = errors.New("url fetch failed")
)

// UpstreamStatusError is a URL fetch that reached the upstream but got a
// non-2xx answer. The response mirrors StatusCode back to the client.
type UpstreamStatusError struct {
	StatusCode int
}

// Error implements error.
func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
}

// Is reports the error as an [ErrURLFetch] kind so errors.Is matching works
// without a separate sentinel.
func (e *UpstreamStatusError) Is(target error) bool {
	return target == ErrURLFetch
}

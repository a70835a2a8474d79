package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/whisperapi/internal/apierr"
)

// errorBody is the OpenAI-style error envelope.
type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// writeJSON encodes v with the given status code. On encoding failure it
// falls back to a plain 500; headers are already sent at that point, so the
// failure is only logged.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps an error kind to its HTTP status and envelope. It is the
// single place error kinds become wire responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := shapeError(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "request failed", "status", status, "path", r.URL.Path, "error", err)
	} else {
		slog.InfoContext(r.Context(), "request rejected", "status", status, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

// shapeError picks the status code and envelope for err. Unrecognized errors
// become an opaque 500; internal detail never reaches the message field.
func shapeError(err error) (int, errorBody) {
	var upstream *apierr.UpstreamStatusError
	switch {
	case errors.As(err, &upstream):
		// Mirror the upstream status back to the client.
		return upstream.StatusCode, envelope("fetching the audio URL failed", "invalid_request_error", "url_fetch_failed")
	case errors.Is(err, apierr.ErrURLFetch):
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return status, envelope("fetching the audio URL failed", "invalid_request_error", "url_fetch_failed")
	case errors.Is(err, apierr.ErrMissingFile):
		return http.StatusBadRequest, envelope("no audio file was provided", "invalid_request_error", "missing_file")
	case errors.Is(err, apierr.ErrInvalidBase64):
		return http.StatusBadRequest, envelope("the audio field is not valid base64", "invalid_request_error", "invalid_base64")
	case errors.Is(err, apierr.ErrModelNotFound):
		return http.StatusBadRequest, envelope("the requested model is not supported", "invalid_request_error", "model_not_found")
	case errors.Is(err, apierr.ErrInvalidRequest):
		return http.StatusBadRequest, envelope("the request body is invalid", "invalid_request_error", "invalid_request_error")
	case errors.Is(err, apierr.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, envelope("the audio payload exceeds the size limit", "invalid_request_error", "file_too_large")
	case errors.Is(err, apierr.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType, envelope("the audio format is not supported", "invalid_request_error", "unsupported_media_type")
	case errors.Is(err, apierr.ErrAudioProcessing):
		return http.StatusUnsupportedMediaType, envelope("the audio could not be decoded", "invalid_request_error", "audio_processing_failed")
	case errors.Is(err, apierr.ErrBusy):
		return http.StatusTooManyRequests, envelope("too many concurrent transcriptions, try again later", "rate_limit_exceeded", "concurrency_limit")
	case errors.Is(err, apierr.ErrTimeout):
		return http.StatusRequestTimeout, envelope("the request exceeded the processing deadline", "request_timeout", "timeout")
	case errors.Is(err, apierr.ErrModelNotReady):
		return http.StatusServiceUnavailable, envelope("the model is not available yet", "server_error", "model_not_ready")
	default:
		return http.StatusInternalServerError, envelope("an internal error occurred", "server_error", "")
	}
}

func envelope(message, typ, code string) errorBody {
	return errorBody{Error: apiError{Message: message, Type: typ, Code: code}}
}

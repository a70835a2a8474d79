// Package models owns the closed whisper model-id set, alias normalization,
// and on-demand provisioning of GGML model files.
package models

import (
	"fmt"
	"strings"

	"github.com/MrWong99/whisperapi/internal/apierr"
)

// Catalog is the closed set of supported model ids. The same set backs the
// /v1/models enumeration and request normalization.
var Catalog = []string{
	"whisper-tiny",
	"whisper-tiny.en",
	"whisper-base",
	"whisper-base.en",
	"whisper-small",
	"whisper-small.en",
	"whisper-medium",
	"whisper-medium.en",
	"whisper-large-v1",
	"whisper-large-v2",
	"whisper-large-v3",
}

// aliases maps additional accepted spellings (lower-cased) to catalog ids.
// Bare catalog ids are accepted without being listed here.
var aliases = map[string]string{
	"tiny":       "whisper-tiny",
	"tiny.en":    "whisper-tiny.en",
	"base":       "whisper-base",
	"base.en":    "whisper-base.en",
	"small":      "whisper-small",
	"small.en":   "whisper-small.en",
	"medium":     "whisper-medium",
	"medium.en":  "whisper-medium.en",
	"large":      "whisper-large-v3",
	"large-v1":   "whisper-large-v1",
	"large-v2":   "whisper-large-v2",
	"large-v3":   "whisper-large-v3",
	"whisper-large": "whisper-large-v3",
	"whisper-v1": "whisper-large-v1",
	"whisper-v2": "whisper-large-v2",
	"whisper-v3": "whisper-large-v3",
}

// catalogSet is the lower-cased membership index over [Catalog].
var catalogSet = func() map[string]string {
	m := make(map[string]string, len(Catalog))
	for _, id := range Catalog {
		m[strings.ToLower(id)] = id
	}
	return m
}()

// Normalize resolves id (case-insensitive, aliases allowed) to its canonical
// catalog form. Unknown ids fail with [apierr.ErrModelNotFound]; they are
// never silently coerced.
func Normalize(id string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := catalogSet[lower]; ok {
		return canonical, nil
	}
	if canonical, ok := aliases[lower]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("models: unknown model id %q: %w", id, apierr.ErrModelNotFound)
}

// Contains reports whether id is a member of the closed set itself
// (case-insensitive). Aliases are not members; /v1/models/{id} uses this.
func Contains(id string) bool {
	_, ok := catalogSet[strings.ToLower(id)]
	return ok
}

// GGMLVariant returns the upstream ggml file variant for a canonical id,
// e.g. "whisper-base.en" → "base.en".
func GGMLVariant(canonicalID string) string {
	return strings.TrimPrefix(canonicalID, "whisper-")
}

package models

import (
	"errors"
	"testing"

	"github.com/MrWong99/whisperapi/internal/apierr"
)

func TestNormalizeAliases(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"whisper-base", "whisper-base"},
		{"WHISPER-BASE", "whisper-base"},
		{"base", "whisper-base"},
		{"tiny.en", "whisper-tiny.en"},
		{"whisper-large-v3", "whisper-large-v3"},
		{"large", "whisper-large-v3"},
		{"whisper-v3", "whisper-large-v3"},
		{"whisper-v1", "whisper-large-v1"},
		{" medium ", "whisper-medium"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeUnknown(t *testing.T) {
	for _, id := range []string{"whisper-xxl", "", "gpt-4o", "whisper-large-v4"} {
		_, err := Normalize(id)
		if !errors.Is(err, apierr.ErrModelNotFound) {
			t.Errorf("Normalize(%q) error = %v, want ErrModelNotFound", id, err)
		}
	}
}

func TestContains(t *testing.T) {
	if !Contains("whisper-base") {
		t.Error(`Contains("whisper-base") = false, want true`)
	}
	if !Contains("WHISPER-Base") {
		t.Error(`Contains("WHISPER-Base") = false, want true (case-insensitive)`)
	}
	// Aliases are accepted by Normalize but are not members of the set.
	if Contains("base") {
		t.Error(`Contains("base") = true, want false`)
	}
	if Contains("whisper-xxl") {
		t.Error(`Contains("whisper-xxl") = true, want false`)
	}
}

func TestCatalogIsNormalized(t *testing.T) {
	for _, id := range Catalog {
		got, err := Normalize(id)
		if err != nil || got != id {
			t.Errorf("Normalize(%q) = (%q, %v), want identity", id, got, err)
		}
	}
}

func TestGGMLVariant(t *testing.T) {
	tests := []struct{ in, want string }{
		{"whisper-base", "base"},
		{"whisper-base.en", "base.en"},
		{"whisper-large-v3", "large-v3"},
	}
	for _, tt := range tests {
		if got := GGMLVariant(tt.in); got != tt.want {
			t.Errorf("GGMLVariant(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

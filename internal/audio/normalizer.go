package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/whisperapi/internal/apierr"
)

// supportedExts is the closed set of accepted input containers, keyed by
// lower-case file extension.
var supportedExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
}

// SupportedExt reports whether the file name carries an accepted audio
// extension (case-insensitive).
func SupportedExt(name string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(name))]
}

// Normalizer converts supported audio containers to canonical PCM WAV
// files. Decoding and resampling are delegated to an ffmpeg subprocess;
// input that is already canonical WAV is copied without spawning one.
type Normalizer struct {
	scratchDir string
	sampleRate int

	ffmpegPath string
	ffmpegOnce sync.Once
	ffmpegErr  error
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithFFmpegPath pins the decoder binary instead of resolving it from PATH.
func WithFFmpegPath(path string) NormalizerOption {
	return func(n *Normalizer) { n.ffmpegPath = path }
}

// NewNormalizer creates a Normalizer writing its outputs under scratchDir.
// The decoder binary is resolved lazily, on the first input that actually
// needs decoding.
func NewNormalizer(scratchDir string, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		scratchDir: scratchDir,
		sampleRate: CanonicalSampleRate,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize converts the audio at inputPath to a canonical PCM WAV file and
// returns its path. originalName supplies the extension used for format
// dispatch. The returned file is the caller's to delete; on error no output
// file remains.
func (n *Normalizer) Normalize(ctx context.Context, inputPath, originalName string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !supportedExts[ext] {
		return "", fmt.Errorf("audio: extension %q: %w", ext, apierr.ErrUnsupportedMedia)
	}

	if err := os.MkdirAll(n.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("audio: create scratch dir: %w", err)
	}
	outPath := filepath.Join(n.scratchDir, uuid.NewString()+".wav")

	if ext == ".wav" {
		if info, err := ReadWAVInfo(inputPath); err == nil && info.Canonical() {
			if err := copyFile(inputPath, outPath); err != nil {
				return "", fmt.Errorf("audio: copy canonical wav: %w", err)
			}
			return outPath, nil
		}
		// Non-canonical or malformed WAV falls through to the decoder,
		// which also rejects files that only pretend to be WAV.
	}

	if err := n.decode(ctx, inputPath, outPath); err != nil {
		os.Remove(outPath)
		return "", err
	}

	info, err := ReadWAVInfo(outPath)
	if err != nil || !info.Canonical() {
		os.Remove(outPath)
		return "", fmt.Errorf("audio: decoder produced non-canonical output: %w", apierr.ErrAudioProcessing)
	}
	return outPath, nil
}

// decode shells out to ffmpeg to decode, resample to 16 kHz, and downmix to
// mono signed 16-bit PCM. ffmpeg averages channels when downmixing.
func (n *Normalizer) decode(ctx context.Context, inputPath, outPath string) error {
	ffmpeg, err := n.resolveFFmpeg()
	if err != nil {
		return fmt.Errorf("audio: decoder unavailable: %w: %w", err, apierr.ErrAudioProcessing)
	}

	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-i", inputPath,
		"-ar", strconv.Itoa(n.sampleRate),
		"-ac", strconv.Itoa(CanonicalChannels),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outPath,
	}

	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("audio: decode interrupted: %w: %w", ctx.Err(), apierr.ErrTimeout)
		}
		slog.Debug("ffmpeg decode failed", "input", inputPath, "stderr", stderrTail(&stderr))
		return fmt.Errorf("audio: decode %q: %w: %w", filepath.Base(inputPath), err, apierr.ErrAudioProcessing)
	}
	return nil
}

// resolveFFmpeg locates the decoder binary once per Normalizer.
func (n *Normalizer) resolveFFmpeg() (string, error) {
	n.ffmpegOnce.Do(func() {
		if n.ffmpegPath != "" {
			if _, err := os.Stat(n.ffmpegPath); err != nil {
				n.ffmpegErr = fmt.Errorf("ffmpeg at %q: %w", n.ffmpegPath, err)
			}
			return
		}
		path, err := exec.LookPath("ffmpeg")
		if err != nil {
			n.ffmpegErr = fmt.Errorf("ffmpeg not found in PATH: %w", err)
			return
		}
		n.ffmpegPath = path
	})
	return n.ffmpegPath, n.ffmpegErr
}

// stderrTail returns the last line of decoder output for debug logs.
func stderrTail(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// copyFile copies src to dst, replacing dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

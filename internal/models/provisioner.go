package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/whisperapi/internal/apierr"
)

const (
	// minModelBytes is the sanity floor below which a model file is treated
	// as absent. Guards against truncated or placeholder files.
	minModelBytes = 1024

	// progressInterval is how many downloaded bytes separate progress logs.
	progressInterval = 25 << 20

	// downloadSuffix marks an in-progress download next to the target path.
	downloadSuffix = ".downloading"
)

// defaultBaseURL hosts the upstream GGML model files.
const defaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Provisioner resolves model ids to validated local files, downloading them
// on first use. Concurrent Ensure calls for the same id collapse into one
// download; readers never observe a partially written model file because
// downloads go to a sibling temp path and are renamed into place.
type Provisioner struct {
	dir     string
	baseURL string
	client  *http.Client
	group   singleflight.Group
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithBaseURL overrides the upstream model host. Used in tests.
func WithBaseURL(url string) ProvisionerOption {
	return func(p *Provisioner) { p.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) ProvisionerOption {
	return func(p *Provisioner) { p.client = c }
}

// NewProvisioner creates a Provisioner that installs model files under dir.
func NewProvisioner(dir string, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		dir:     dir,
		baseURL: defaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Path returns the install path a canonical id maps to, without provisioning.
func (p *Provisioner) Path(canonicalID string) string {
	return filepath.Join(p.dir, canonicalID+".bin")
}

// Ensure returns the path to a validated local model file for id, downloading
// it if absent. It normalizes id first; unknown ids fail with
// [apierr.ErrModelNotFound], download failures with [apierr.ErrModelNotReady],
// and a download cut short by ctx's deadline with [apierr.ErrTimeout].
func (p *Provisioner) Ensure(ctx context.Context, id string) (string, error) {
	canonical, err := Normalize(id)
	if err != nil {
		return "", err
	}

	target := p.Path(canonical)
	if validModelFile(target) {
		return target, nil
	}

	ch := p.group.DoChan(canonical, func() (any, error) {
		// Another caller may have completed the install while we queued.
		if validModelFile(target) {
			return target, nil
		}
		if err := p.download(ctx, canonical, target); err != nil {
			return nil, err
		}
		return target, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// A download cut short by the caller's deadline is a timeout,
			// not a missing model.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("models: ensure %q: %w: %w", canonical, res.Err, apierr.ErrTimeout)
			}
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		kind := apierr.ErrModelNotReady
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = apierr.ErrTimeout
		}
		return "", fmt.Errorf("models: ensure %q: %w: %w", canonical, ctx.Err(), kind)
	}
}

// download streams the upstream GGML file to target+downloadSuffix and
// renames it into place. On any failure the temp file is removed; nothing is
// ever left at the final path.
func (p *Provisioner) download(ctx context.Context, canonical, target string) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("models: create dir %q: %w: %w", p.dir, err, apierr.ErrModelNotReady)
	}

	url := fmt.Sprintf("%s/ggml-%s.bin", p.baseURL, GGMLVariant(canonical))
	slog.Info("downloading model", "model", canonical, "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("models: build request: %w: %w", err, apierr.ErrModelNotReady)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("models: fetch %q: %w: %w", url, err, apierr.ErrModelNotReady)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("models: fetch %q: upstream HTTP %d: %w", url, resp.StatusCode, apierr.ErrModelNotReady)
	}

	tmp := target + downloadSuffix
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("models: create %q: %w: %w", tmp, err, apierr.ErrModelNotReady)
	}

	pw := &progressWriter{model: canonical, total: resp.ContentLength}
	_, err = io.Copy(io.MultiWriter(f, pw), resp.Body)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("models: download %q: %w: %w", canonical, err, apierr.ErrModelNotReady)
	}

	// Best effort; a failed fsync is not worth discarding the download for.
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("models: close %q: %w: %w", tmp, err, apierr.ErrModelNotReady)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("models: install %q: %w: %w", target, err, apierr.ErrModelNotReady)
	}

	slog.Info("model installed", "model", canonical, "path", target, "bytes", pw.written)
	return nil
}

// validModelFile reports whether path holds a plausible installed model.
func validModelFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() >= minModelBytes
}

// progressWriter logs cumulative progress every progressInterval bytes.
// Logging is advisory and never blocks the copy on its own I/O errors.
type progressWriter struct {
	model   string
	total   int64
	written int64
	lastLog int64
}

// Write implements io.Writer.
func (w *progressWriter) Write(b []byte) (int, error) {
	w.written += int64(len(b))
	if w.written-w.lastLog >= progressInterval {
		w.lastLog = w.written
		slog.Info("download progress",
			"model", w.model,
			"downloaded_mb", w.written>>20,
			"total_mb", w.total>>20,
		)
	}
	return len(b), nil
}

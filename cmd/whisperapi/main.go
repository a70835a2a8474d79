// Command whisperapi is an OpenAI-compatible speech-to-text server backed by
// a local whisper.cpp engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/whisperapi/internal/config"
	"github.com/MrWong99/whisperapi/internal/engine"
	"github.com/MrWong99/whisperapi/internal/engine/whispercpp"
	"github.com/MrWong99/whisperapi/internal/health"
	"github.com/MrWong99/whisperapi/internal/logging"
	"github.com/MrWong99/whisperapi/internal/models"
	"github.com/MrWong99/whisperapi/internal/observe"
	"github.com/MrWong99/whisperapi/internal/server"
	"github.com/MrWong99/whisperapi/internal/transcribe"
)

// version is injected at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "whisperapi: %v\n", err)
		return 1
	}
	return 0
}

// newRootCommand builds the CLI surface. --download names a model id to
// provision and exit with; without it the command serves.
func newRootCommand() *cobra.Command {
	var (
		configPath string
		downloadID string
	)
	def := config.Default()

	root := &cobra.Command{
		Use:           "whisperapi",
		Short:         "OpenAI-compatible speech-to-text server backed by whisper.cpp",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.Options{ConfigPath: configPath, Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			if downloadID != "" {
				return downloadModel(cmd.Context(), cfg, downloadID)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.String("host", def.Server.Host, "interface the HTTP server binds to")
	flags.Int("port", def.Server.Port, "TCP port the HTTP server listens on")
	flags.String("model", def.Whisper.ModelName, "whisper model to transcribe with")
	flags.String("language", def.Whisper.Language, "transcription language (\"auto\" detects per request)")
	flags.Int("timeout", def.Server.RequestTimeoutSec, "per-request processing deadline in seconds")
	flags.StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file")
	flags.StringVar(&downloadID, "download", "", "download the given model and exit instead of serving")

	return root
}

// downloadModel provisions the named model and exits. Progress goes to
// stderr via the default logger.
func downloadModel(ctx context.Context, cfg *config.Config, id string) error {
	slog.SetDefault(logging.New(cfg.Logging, config.ExecutableDir()))

	prov := models.NewProvisioner(modelsDir())
	path, err := prov.Ensure(ctx, id)
	if err != nil {
		return fmt.Errorf("download %q: %w", id, err)
	}
	fmt.Printf("model %s installed at %s\n", id, path)
	return nil
}

// serve runs the HTTP server until the process receives SIGINT or SIGTERM.
func serve(ctx context.Context, cfg *config.Config) error {
	slog.SetDefault(logging.New(cfg.Logging, config.ExecutableDir()))

	slog.Info("whisperapi starting",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model", cfg.Whisper.ModelName,
		"language", cfg.Whisper.Language,
		"device", cfg.Whisper.Device,
		"max_concurrent", cfg.Server.MaxConcurrent,
	)

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "whisperapi",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "error", err)
		}
	}()

	prov := models.NewProvisioner(modelsDir())
	svc := transcribe.NewService(prov, newEngine, cfg.Whisper.ModelName, cfg.Whisper.Language)
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Warn("engine close error", "error", err)
		}
	}()

	// Provision and load ahead of the first request. A failure is not fatal:
	// the first transcription retries, and /readyz reports the gap.
	go func() {
		if err := svc.Warmup(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("model warmup failed, will retry on first request", "error", err)
		}
	}()

	srv := server.New(cfg, svc,
		server.WithVersion(version),
		server.WithReadyCheck(modelCheck(prov, cfg.Whisper.ModelName)),
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// newEngine adapts the whisper.cpp backend to the engine factory contract.
func newEngine(modelPath string) (engine.Engine, error) {
	return whispercpp.New(modelPath)
}

// modelCheck reports readiness of the configured model file.
func modelCheck(prov *models.Provisioner, modelName string) health.Checker {
	return health.Checker{
		Name: "model",
		Check: func(context.Context) error {
			canonical, err := models.Normalize(modelName)
			if err != nil {
				return err
			}
			st, err := os.Stat(prov.Path(canonical))
			if err != nil {
				return fmt.Errorf("model %s is not installed", canonical)
			}
			if st.Size() == 0 {
				return fmt.Errorf("model %s file is empty", canonical)
			}
			return nil
		},
	}
}

// modelsDir is the install location for model files, beside the executable.
func modelsDir() string {
	return filepath.Join(config.ExecutableDir(), "models")
}

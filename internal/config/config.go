// Package config provides the configuration schema and the layered loader
// for the whisperapi server.
//
// Configuration is resolved once at startup from five sources, lowest
// precedence first: built-in defaults, a config file discovered beside the
// executable, an explicitly named config file, WHISPER_* environment
// variables, and command-line flags. The resolved [Config] is immutable.
package config

import (
	"errors"
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the whisperapi server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Device selects the compute device for whisper inference.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceGPU  Device = "gpu"
)

// IsValid reports whether d is a recognised device.
func (d Device) IsValid() bool {
	switch d {
	case DeviceAuto, DeviceCPU, DeviceGPU:
		return true
	}
	return false
}

// Config is the effective configuration observed by all components. The
// field names double as the wire shape of the /config endpoints, so a
// default-configured server reports Server.Port == 8000 and
// Whisper.ModelName == "whisper-base".
type Config struct {
	Server  ServerConfig
	Whisper WhisperConfig
	Logging LoggingConfig
}

// ServerConfig holds network, timeout, and admission settings.
type ServerConfig struct {
	// Host is the interface the HTTP server binds to.
	Host string

	// Port is the TCP port the HTTP server listens on.
	Port int

	// RequestTimeoutSec bounds the combined normalize+transcribe phase of a
	// single request.
	RequestTimeoutSec int

	// MaxConcurrent is the number of transcriptions allowed in flight.
	MaxConcurrent int

	// QueueWaitSec is how long a request may wait for an in-flight slot
	// before it is rejected with 429.
	QueueWaitSec int

	// MaxFileSizeMB caps the size of uploaded, decoded, or fetched audio.
	MaxFileSizeMB int
}

// WhisperConfig holds model and inference settings.
type WhisperConfig struct {
	// ModelName is the model id transcriptions use (e.g. "whisper-base").
	// Aliases such as "base" are accepted and normalized at time of use.
	ModelName string

	// Language is the transcription language. The literal "auto" means
	// detect per request.
	Language string

	// Device selects the compute device (auto, cpu, gpu).
	Device Device

	// SampleRate is the canonical PCM sample rate fed to the engine.
	SampleRate int
}

// LoggingConfig holds the structured-log sink settings.
type LoggingConfig struct {
	// Level controls verbosity.
	Level LogLevel

	// FilePath is the log file location, relative to the executable unless
	// absolute.
	FilePath string

	// MaxBytes is the rotation threshold for the log file.
	MaxBytes int64
}

// Default returns the built-in configuration, the lowest layer of the merge.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8000,
			RequestTimeoutSec: 300,
			MaxConcurrent:     2,
			QueueWaitSec:      10,
			MaxFileSizeMB:     100,
		},
		Whisper: WhisperConfig{
			ModelName:  "whisper-base",
			Language:   "auto",
			Device:     DeviceAuto,
			SampleRate: 16000,
		},
		Logging: LoggingConfig{
			Level:    LogInfo,
			FilePath: "logs/whisper-server.log",
			MaxBytes: 10 << 20,
		},
	}
}

// RequestTimeout returns the per-request deadline as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// QueueWait returns the admission queue-wait bound as a duration.
func (c *Config) QueueWait() time.Duration {
	return time.Duration(c.Server.QueueWaitSec) * time.Second
}

// MaxFileBytes returns the payload size cap in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Server.MaxFileSizeMB) << 20
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.RequestTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("server.requestTimeoutSec %d must be positive", cfg.Server.RequestTimeoutSec))
	}
	if cfg.Server.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("server.maxConcurrent %d must be at least 1", cfg.Server.MaxConcurrent))
	}
	if cfg.Server.QueueWaitSec < 0 {
		errs = append(errs, fmt.Errorf("server.queueWaitSec %d must not be negative", cfg.Server.QueueWaitSec))
	}
	if cfg.Server.MaxFileSizeMB < 1 {
		errs = append(errs, fmt.Errorf("server.maxFileSizeMB %d must be at least 1", cfg.Server.MaxFileSizeMB))
	}
	if cfg.Whisper.ModelName == "" {
		errs = append(errs, errors.New("whisper.modelName is required"))
	}
	if cfg.Whisper.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("whisper.sampleRate %d is unsupported; the engine requires 16000", cfg.Whisper.SampleRate))
	}
	if !cfg.Whisper.Device.IsValid() {
		errs = append(errs, fmt.Errorf("whisper.device %q is invalid; valid values: auto, cpu, gpu", cfg.Whisper.Device))
	}
	if !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if cfg.Logging.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("logging.maxBytes %d must be positive", cfg.Logging.MaxBytes))
	}

	return errors.Join(errs...)
}

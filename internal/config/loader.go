package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// canonicalKeys maps the lower-cased form of every recognised flat key to its
// canonical spelling. Keys read from files are rewritten against this table
// before they are merged; anything that does not resolve to a canonical key
// is logged at debug level and dropped.
var canonicalKeys = map[string]string{
	"server.host":              "server.host",
	"server.port":              "server.port",
	"server.requesttimeoutsec": "server.requestTimeoutSec",
	"server.maxconcurrent":     "server.maxConcurrent",
	"server.queuewaitsec":      "server.queueWaitSec",
	"server.maxfilesizemb":     "server.maxFileSizeMB",
	"whisper.modelname":        "whisper.modelName",
	"whisper.language":         "whisper.language",
	"whisper.device":           "whisper.device",
	"whisper.samplerate":       "whisper.sampleRate",
	"logging.level":            "logging.level",
	"logging.filepath":         "logging.filePath",
	"logging.maxbytes":         "logging.maxBytes",
}

// keyAliases maps legacy and snake_case spellings (after the generic
// snake_case→camelCase rewrite, compared lower-cased) to canonical keys.
// This covers both sectionless keys ("model_name") and section keys whose
// snake form does not line up with the canonical name ("timeout_seconds").
var keyAliases = map[string]string{
	"host":                     "server.host",
	"port":                     "server.port",
	"timeoutseconds":           "server.requestTimeoutSec",
	"maxconcurrent":            "server.maxConcurrent",
	"queuewaitseconds":         "server.queueWaitSec",
	"maxfilesizemb":            "server.maxFileSizeMB",
	"modelname":                "whisper.modelName",
	"language":                 "whisper.language",
	"device":                   "whisper.device",
	"loglevel":                 "logging.level",
	"logfilepath":              "logging.filePath",
	"logmaxbytes":              "logging.maxBytes",
	"server.timeoutseconds":    "server.requestTimeoutSec",
	"server.queuewaitseconds":  "server.queueWaitSec",
	"whisper.model":            "whisper.modelName",
	"whisper.timeoutseconds":   "server.requestTimeoutSec",
	"whisper.maxfilesizemb":    "server.maxFileSizeMB",
	"logging.maxfilesizebytes": "logging.maxBytes",
}

// discoveredFileNames are the config file names probed beside the executable,
// in order, when no explicit path is given.
var discoveredFileNames = []string{"config.json", "config.yaml", "config.yml"}

// Options controls a [Load] call.
type Options struct {
	// ConfigPath is an explicit config file path (the --config flag). It is
	// merged above the auto-discovered file and must exist when set.
	ConfigPath string

	// Flags is the command-line flag set bound as the highest layer. Only
	// flags that were actually set override lower layers. May be nil.
	Flags *pflag.FlagSet
}

// flagBindings maps CLI flag names to canonical config keys.
var flagBindings = map[string]string{
	"host":     "server.host",
	"port":     "server.port",
	"model":    "whisper.modelName",
	"language": "whisper.language",
	"timeout":  "server.requestTimeoutSec",
}

// Load resolves the effective configuration from all layers and validates
// it. The result is not mutated afterwards by any component.
func Load(opts Options) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	if discovered := discoverConfigFile(); discovered != "" {
		if err := mergeFile(v, discovered); err != nil {
			return nil, err
		}
		slog.Debug("merged discovered config file", "path", discovered)
	}

	if opts.ConfigPath != "" {
		if err := mergeFile(v, opts.ConfigPath); err != nil {
			return nil, err
		}
		slog.Debug("merged explicit config file", "path", opts.ConfigPath)
	}

	v.SetEnvPrefix("WHISPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for flagName, key := range flagBindings {
			if f := opts.Flags.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("config: bind flag --%s: %w", flagName, err)
				}
			}
		}
	}

	cfg := bind(v)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyDefaults installs [Default] as the lowest layer of v.
func applyDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.requestTimeoutSec", def.Server.RequestTimeoutSec)
	v.SetDefault("server.maxConcurrent", def.Server.MaxConcurrent)
	v.SetDefault("server.queueWaitSec", def.Server.QueueWaitSec)
	v.SetDefault("server.maxFileSizeMB", def.Server.MaxFileSizeMB)
	v.SetDefault("whisper.modelName", def.Whisper.ModelName)
	v.SetDefault("whisper.language", def.Whisper.Language)
	v.SetDefault("whisper.device", string(def.Whisper.Device))
	v.SetDefault("whisper.sampleRate", def.Whisper.SampleRate)
	v.SetDefault("logging.level", string(def.Logging.Level))
	v.SetDefault("logging.filePath", def.Logging.FilePath)
	v.SetDefault("logging.maxBytes", def.Logging.MaxBytes)
}

// bind reads every canonical key out of the merged view into a typed Config.
func bind(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Host:              v.GetString("server.host"),
			Port:              v.GetInt("server.port"),
			RequestTimeoutSec: v.GetInt("server.requestTimeoutSec"),
			MaxConcurrent:     v.GetInt("server.maxConcurrent"),
			QueueWaitSec:      v.GetInt("server.queueWaitSec"),
			MaxFileSizeMB:     v.GetInt("server.maxFileSizeMB"),
		},
		Whisper: WhisperConfig{
			ModelName:  v.GetString("whisper.modelName"),
			Language:   v.GetString("whisper.language"),
			Device:     Device(strings.ToLower(v.GetString("whisper.device"))),
			SampleRate: v.GetInt("whisper.sampleRate"),
		},
		Logging: LoggingConfig{
			Level:    LogLevel(strings.ToLower(v.GetString("logging.level"))),
			FilePath: v.GetString("logging.filePath"),
			MaxBytes: v.GetInt64("logging.maxBytes"),
		},
	}
}

// discoverConfigFile returns the first config file found beside the
// executable, or "" when none exists.
func discoverConfigFile() string {
	dir := ExecutableDir()
	for _, name := range discoveredFileNames {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// ExecutableDir returns the directory containing the running executable.
// Falls back to the working directory when the executable path cannot be
// resolved.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// mergeFile parses the file at path (JSON or YAML; YAML is a superset of
// JSON so one decoder serves both), rewrites its keys to canonical form,
// and merges the result into v.
func mergeFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}

	flat := flatten("", raw)
	canon := make(map[string]any, len(flat))
	for key, val := range flat {
		ck, ok := canonicalize(key)
		if !ok {
			slog.Debug("ignoring unknown config key", "key", key, "file", path)
			continue
		}
		canon[ck] = val
	}

	if err := v.MergeConfigMap(unflatten(canon)); err != nil {
		return fmt.Errorf("config: merge %q: %w", path, err)
	}
	return nil
}

// canonicalize maps a flattened file key to its canonical spelling. Each
// path segment is first rewritten from snake_case to camelCase, then the
// whole key is resolved case-insensitively via the alias and canonical
// tables.
func canonicalize(key string) (string, bool) {
	segs := strings.Split(key, ".")
	for i, s := range segs {
		segs[i] = snakeToCamel(s)
	}
	lower := strings.ToLower(strings.Join(segs, "."))
	if ck, ok := keyAliases[lower]; ok {
		return ck, true
	}
	if ck, ok := canonicalKeys[lower]; ok {
		return ck, true
	}
	return "", false
}

// snakeToCamel rewrites a_b_c to aBC. Already-camel segments pass through.
func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// flatten converts a nested map into dotted keys. Non-map values are kept
// as-is; nested non-string-keyed maps cannot appear in YAML/JSON objects
// decoded into map[string]any.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = v
	}
	return out
}

// unflatten converts dotted keys back into the nested shape viper merges.
func unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range flat {
		segs := strings.Split(key, ".")
		cur := out
		for _, s := range segs[:len(segs)-1] {
			next, ok := cur[s].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[s] = next
			}
			cur = next
		}
		cur[segs[len(segs)-1]] = val
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// LibraryConfig locates the on-disk library: the SQLite database plus the
// directories holding narration artifacts and voice samples.
type LibraryConfig struct {
	Path         string `yaml:"path"`
	NarrationDir string `yaml:"narration_dir"`
	VoicesDir    string `yaml:"voices_dir"`
	LockFile     string `yaml:"lock_file"`
}

// SpeechConfig configures the narration synthesis engine.
type SpeechConfig struct {
	Mode             string  `yaml:"mode"` // mock, exec, http
	Command          string  `yaml:"command"`
	Endpoint         string  `yaml:"endpoint"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	Exaggeration     float64 `yaml:"exaggeration"`
	CFGWeight        float64 `yaml:"cfg_weight"`
	Temperature      float64 `yaml:"temperature"`
	StartupTimeoutMS int     `yaml:"startup_timeout_ms"`
	RequestTimeoutMS int     `yaml:"request_timeout_ms"`
	ShutdownGraceMS  int     `yaml:"shutdown_grace_ms"`
}

// VisionConfig configures the image captioning engine.
type VisionConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Mode             string `yaml:"mode"` // mock, exec
	Command          string `yaml:"command"`
	StartupTimeoutMS int    `yaml:"startup_timeout_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	ShutdownGraceMS  int    `yaml:"shutdown_grace_ms"`
}

// GenerationConfig bounds concurrent narration runs across books.
type GenerationConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Library     LibraryConfig    `yaml:"library"`
	Speech      SpeechConfig     `yaml:"speech"`
	Vision      VisionConfig     `yaml:"vision"`
	Generation  GenerationConfig `yaml:"generation"`
}

func Default() Config {
	return Config{
		RuntimeName: "lectern-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Library: LibraryConfig{
			Path:         "./data/library.db",
			NarrationDir: "./data/narration",
			VoicesDir:    "./data/voices",
			LockFile:     "./data/lectern.lock",
		},
		Speech: SpeechConfig{
			Mode:             "mock",
			SampleRate:       24000,
			Channels:         1,
			Exaggeration:     0.3,
			CFGWeight:        0.5,
			Temperature:      0.8,
			StartupTimeoutMS: 120000,
			RequestTimeoutMS: 300000,
			ShutdownGraceMS:  5000,
		},
		Vision: VisionConfig{
			Enabled:          false,
			Mode:             "mock",
			StartupTimeoutMS: 120000,
			RequestTimeoutMS: 120000,
			ShutdownGraceMS:  5000,
		},
		Generation: GenerationConfig{
			MaxConcurrent: 1,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LECTERN_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LECTERN_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LECTERN_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LECTERN_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LECTERN_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LECTERN_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LECTERN_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LECTERN_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LECTERN_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LECTERN_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LECTERN_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LECTERN_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LECTERN_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LECTERN_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LECTERN_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LECTERN_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LECTERN_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Library.Path, "LECTERN_LIBRARY_PATH")
	overrideString(&cfg.Library.NarrationDir, "LECTERN_LIBRARY_NARRATION_DIR")
	overrideString(&cfg.Library.VoicesDir, "LECTERN_LIBRARY_VOICES_DIR")
	overrideString(&cfg.Library.LockFile, "LECTERN_LIBRARY_LOCK_FILE")
	overrideString(&cfg.Speech.Mode, "LECTERN_SPEECH_MODE")
	overrideString(&cfg.Speech.Command, "LECTERN_SPEECH_COMMAND")
	overrideString(&cfg.Speech.Endpoint, "LECTERN_SPEECH_ENDPOINT")
	overrideInt(&cfg.Speech.SampleRate, "LECTERN_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.Channels, "LECTERN_SPEECH_CHANNELS")
	overrideFloat(&cfg.Speech.Exaggeration, "LECTERN_SPEECH_EXAGGERATION")
	overrideFloat(&cfg.Speech.CFGWeight, "LECTERN_SPEECH_CFG_WEIGHT")
	overrideFloat(&cfg.Speech.Temperature, "LECTERN_SPEECH_TEMPERATURE")
	overrideInt(&cfg.Speech.StartupTimeoutMS, "LECTERN_SPEECH_STARTUP_TIMEOUT_MS")
	overrideInt(&cfg.Speech.RequestTimeoutMS, "LECTERN_SPEECH_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Speech.ShutdownGraceMS, "LECTERN_SPEECH_SHUTDOWN_GRACE_MS")
	overrideBool(&cfg.Vision.Enabled, "LECTERN_VISION_ENABLED")
	overrideString(&cfg.Vision.Mode, "LECTERN_VISION_MODE")
	overrideString(&cfg.Vision.Command, "LECTERN_VISION_COMMAND")
	overrideInt(&cfg.Vision.StartupTimeoutMS, "LECTERN_VISION_STARTUP_TIMEOUT_MS")
	overrideInt(&cfg.Vision.RequestTimeoutMS, "LECTERN_VISION_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Vision.ShutdownGraceMS, "LECTERN_VISION_SHUTDOWN_GRACE_MS")
	overrideInt(&cfg.Generation.MaxConcurrent, "LECTERN_GENERATION_MAX_CONCURRENT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Library.Path == "" {
		return errors.New("library.path must not be empty")
	}
	if cfg.Library.NarrationDir == "" {
		return errors.New("library.narration_dir must not be empty")
	}
	if cfg.Library.VoicesDir == "" {
		return errors.New("library.voices_dir must not be empty")
	}
	switch cfg.Speech.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("speech.mode must be one of mock|exec|http")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	if cfg.Speech.Mode == "http" && cfg.Speech.Endpoint == "" {
		return errors.New("speech.endpoint must be set when mode=http")
	}
	if cfg.Speech.SampleRate <= 0 {
		return errors.New("speech.sample_rate must be positive")
	}
	if cfg.Speech.Channels <= 0 {
		return errors.New("speech.channels must be positive")
	}
	if cfg.Speech.RequestTimeoutMS <= 0 {
		return errors.New("speech.request_timeout_ms must be positive")
	}
	if cfg.Vision.Enabled {
		switch cfg.Vision.Mode {
		case "mock", "exec":
		default:
			return errors.New("vision.mode must be one of mock|exec")
		}
		if cfg.Vision.Mode == "exec" && cfg.Vision.Command == "" {
			return errors.New("vision.command must be set when mode=exec")
		}
	}
	if cfg.Generation.MaxConcurrent <= 0 {
		return errors.New("generation.max_concurrent must be >= 1")
	}
	return nil
}

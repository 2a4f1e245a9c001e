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

// ModelConfig describes the synthesis model runtime the daemon wraps.
type ModelConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	ModelPath  string `yaml:"model_path"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// CacheConfig holds the eviction policy for the loaded model. Values outside
// the documented ranges are rejected at load time, never clamped, so a bad
// deployment fails at startup instead of drifting.
type CacheConfig struct {
	IdleTTLSeconds       int     `yaml:"idle_ttl_seconds"`
	MemoryCeilingPercent float64 `yaml:"memory_ceiling_percent"`
	ProbeIntervalSeconds int     `yaml:"probe_interval_seconds"`
}

type ProbeConfig struct {
	Mode    string `yaml:"mode"` // off, exec
	Command string `yaml:"command"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Model       ModelConfig      `yaml:"model"`
	Cache       CacheConfig      `yaml:"cache"`
	Probe       ProbeConfig      `yaml:"probe"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "chatterd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8585,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Model: ModelConfig{
			Mode:       "mock",
			Voice:      "default",
			SampleRate: 24000,
			Channels:   1,
		},
		Cache: CacheConfig{
			IdleTTLSeconds:       300,
			MemoryCeilingPercent: 85,
			ProbeIntervalSeconds: 30,
		},
		Probe: ProbeConfig{
			Mode:    "exec",
			Command: "nvidia-smi --query-gpu=memory.used,memory.total --format=csv,noheader,nounits",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/chatterd-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxEvents:     50000,
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
	overrideString(&cfg.RuntimeName, "CHATTER_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CHATTER_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CHATTER_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CHATTER_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CHATTER_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CHATTER_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CHATTER_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CHATTER_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "CHATTER_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CHATTER_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CHATTER_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CHATTER_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CHATTER_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CHATTER_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CHATTER_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CHATTER_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CHATTER_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Model.Mode, "CHATTER_MODEL_MODE")
	overrideString(&cfg.Model.Command, "CHATTER_MODEL_COMMAND")
	overrideString(&cfg.Model.ModelPath, "CHATTER_MODEL_PATH")
	overrideString(&cfg.Model.Voice, "CHATTER_MODEL_VOICE")
	overrideInt(&cfg.Model.SampleRate, "CHATTER_MODEL_SAMPLE_RATE")
	overrideInt(&cfg.Model.Channels, "CHATTER_MODEL_CHANNELS")
	overrideInt(&cfg.Cache.IdleTTLSeconds, "CHATTER_CACHE_IDLE_TTL_SECONDS")
	overrideFloat(&cfg.Cache.MemoryCeilingPercent, "CHATTER_CACHE_MEMORY_CEILING_PERCENT")
	overrideInt(&cfg.Cache.ProbeIntervalSeconds, "CHATTER_CACHE_PROBE_INTERVAL_SECONDS")
	overrideString(&cfg.Probe.Mode, "CHATTER_PROBE_MODE")
	overrideString(&cfg.Probe.Command, "CHATTER_PROBE_COMMAND")
	overrideString(&cfg.EventStore.Path, "CHATTER_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "CHATTER_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "CHATTER_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "CHATTER_EVENT_STORE_MAX_EVENTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "CHATTER_EVENT_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
	switch cfg.Model.Mode {
	case "mock", "exec":
	default:
		return errors.New("model.mode must be one of mock|exec")
	}
	if cfg.Model.Mode == "exec" {
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when mode=exec")
		}
		if cfg.Model.ModelPath == "" {
			return errors.New("model.model_path must be set when mode=exec")
		}
	}
	if cfg.Model.SampleRate <= 0 {
		return errors.New("model.sample_rate must be positive")
	}
	if cfg.Model.Channels <= 0 {
		return errors.New("model.channels must be positive")
	}
	if cfg.Cache.IdleTTLSeconds < 60 || cfg.Cache.IdleTTLSeconds > 900 {
		return fmt.Errorf("cache.idle_ttl_seconds must be between 60 and 900, got %d", cfg.Cache.IdleTTLSeconds)
	}
	if cfg.Cache.MemoryCeilingPercent <= 0 || cfg.Cache.MemoryCeilingPercent > 100 {
		return fmt.Errorf("cache.memory_ceiling_percent must be in (0, 100], got %g", cfg.Cache.MemoryCeilingPercent)
	}
	if cfg.Cache.ProbeIntervalSeconds < 1 {
		return fmt.Errorf("cache.probe_interval_seconds must be >= 1, got %d", cfg.Cache.ProbeIntervalSeconds)
	}
	switch cfg.Probe.Mode {
	case "off", "exec":
	default:
		return errors.New("probe.mode must be one of off|exec")
	}
	if cfg.Probe.Mode == "exec" && cfg.Probe.Command == "" {
		return errors.New("probe.command must be set when mode=exec")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.EventStore.MaxEvents < 0 {
		return errors.New("event_store.max_events must be >= 0")
	}
	return nil
}

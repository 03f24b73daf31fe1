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

type Config struct {
	ProcessName   string              `yaml:"process_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	Store         StoreConfig         `yaml:"store"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Access        AccessConfig        `yaml:"access"`
	Secrets       SecretsConfig       `yaml:"secrets"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Mode       string `yaml:"mode"` // mock, exec
	Command    string `yaml:"command"`
	Directory  string `yaml:"directory"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type TranscriptionConfig struct {
	BaseURL   string `yaml:"base_url"`
	TimeoutMS int    `yaml:"timeout_ms"`
	UserAgent string `yaml:"user_agent"`
}

type SessionConfig struct {
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	ReturnToHostDelayMS int `yaml:"return_to_host_delay_ms"`
}

type AccessConfig struct {
	GraceDelayMS int `yaml:"grace_delay_ms"`
}

type SecretsConfig struct {
	Path            string `yaml:"path"`
	RemoteConfigURL string `yaml:"remote_config_url"`
}

func Default() Config {
	return Config{
		ProcessName: "murmurd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8765,
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
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path:          "./data/murmur-shared.db",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:       "mock",
			Directory:  "./data/recordings",
			SampleRate: 16000,
			Channels:   1,
		},
		Transcription: TranscriptionConfig{
			BaseURL:   "http://localhost:8090",
			TimeoutMS: 30000,
			UserAgent: "MurMur/1.0",
		},
		Session: SessionConfig{
			TimeoutSeconds:      300,
			ReturnToHostDelayMS: 500,
		},
		Access: AccessConfig{
			GraceDelayMS: 500,
		},
		Secrets: SecretsConfig{
			Path: "./data/murmur-credentials.json",
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
	overrideString(&cfg.ProcessName, "MURMUR_PROCESS_NAME")
	overrideString(&cfg.Environment, "MURMUR_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MURMUR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "MURMUR_STORE_PATH")
	overrideInt(&cfg.Store.RetentionDays, "MURMUR_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "MURMUR_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "MURMUR_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "MURMUR_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "MURMUR_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Directory, "MURMUR_CAPTURE_DIRECTORY")
	overrideInt(&cfg.Capture.SampleRate, "MURMUR_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "MURMUR_CAPTURE_CHANNELS")
	overrideString(&cfg.Transcription.BaseURL, "MURMUR_TRANSCRIPTION_BASE_URL")
	overrideInt(&cfg.Transcription.TimeoutMS, "MURMUR_TRANSCRIPTION_TIMEOUT_MS")
	overrideString(&cfg.Transcription.UserAgent, "MURMUR_TRANSCRIPTION_USER_AGENT")
	overrideInt(&cfg.Session.TimeoutSeconds, "MURMUR_SESSION_TIMEOUT_SECONDS")
	overrideInt(&cfg.Session.ReturnToHostDelayMS, "MURMUR_SESSION_RETURN_TO_HOST_DELAY_MS")
	overrideInt(&cfg.Access.GraceDelayMS, "MURMUR_ACCESS_GRACE_DELAY_MS")
	overrideString(&cfg.Secrets.Path, "MURMUR_SECRETS_PATH")
	overrideString(&cfg.Secrets.RemoteConfigURL, "MURMUR_SECRETS_REMOTE_CONFIG_URL")
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

func validate(cfg Config) error {
	if cfg.ProcessName == "" {
		return errors.New("process_name must not be empty")
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
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	default:
		return errors.New("capture.mode must be one of mock|exec")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.Directory == "" {
		return errors.New("capture.directory must not be empty")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Transcription.BaseURL == "" {
		return errors.New("transcription.base_url must not be empty")
	}
	if cfg.Transcription.TimeoutMS <= 0 {
		return errors.New("transcription.timeout_ms must be positive")
	}
	if cfg.Session.TimeoutSeconds <= 0 {
		return errors.New("session.timeout_seconds must be positive")
	}
	if cfg.Session.ReturnToHostDelayMS < 0 {
		return errors.New("session.return_to_host_delay_ms must be >= 0")
	}
	if cfg.Access.GraceDelayMS <= 0 {
		return errors.New("access.grace_delay_ms must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// Providers accepted by stt.provider and llm.provider.
const (
	STTWhisper = "whisper"
	STTGoogle  = "google"

	LLMOpenAI = "openai"
	LLMOllama = "ollama"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	STT      STTConfig
	LLM      LLMConfig
	OpenAI   OpenAIConfig
	Ollama   OllamaConfig
	Pipeline PipelineConfig
	Prompts  PromptsConfig
	Edit     EditConfig
	Share    ShareConfig
}

type ServerConfig struct {
	Port          int
	PublicBaseURL string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type STTConfig struct {
	Provider        string
	Model           string
	Language        string
	Timeout         time.Duration
	GoogleProjectID string
	// GoogleCredentials is either an API key or a service-account JSON document.
	GoogleCredentials string
}

type LLMConfig struct {
	Provider string
	Model    string
	Timeout  time.Duration
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type PipelineConfig struct {
	MinTranscriptChars int
	HistoryLimit       int
}

type PromptsConfig struct {
	File string
}

type EditConfig struct {
	LockTTL time.Duration
}

type ShareConfig struct {
	DefaultExpiryDays int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:          4100,
			PublicBaseURL: "http://localhost:4100",
		},
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		STT: STTConfig{
			Provider: STTWhisper,
			Model:    "whisper-1",
			Language: "pt",
			Timeout:  90 * time.Second,
		},
		LLM: LLMConfig{
			Provider: LLMOpenAI,
			Model:    "gpt-4o-mini",
			Timeout:  120 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Pipeline: PipelineConfig{
			MinTranscriptChars: 50,
			HistoryLimit:       3,
		},
		Edit:  EditConfig{LockTTL: 5 * time.Minute},
		Share: ShareConfig{DefaultExpiryDays: 0},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.optlog.app) and secrets
// fall back to macOS Keychain (service: optlog).
// On Linux the backend is a YAML file at $XDG_CONFIG_HOME/optlog/config.yaml
// and secrets fall back to $XDG_DATA_HOME/optlog/secrets.yaml.
//
// Environment variables (OPTLOG_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "optlog"

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Secrets not provided via env come from the platform secret store.
	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.STT.Provider {
	case STTWhisper:
		if cfg.OpenAI.APIKey == "" {
			return missingSecret("OpenAI API key (required by stt.provider=whisper)", "OPTLOG_OPENAI_API_KEY", "openai_api_key")
		}
	case STTGoogle:
		if cfg.STT.GoogleCredentials == "" {
			return missingSecret("Google Speech-to-Text credentials", "OPTLOG_GOOGLE_STT_CREDENTIALS", "google_stt_credentials")
		}
	default:
		return fmt.Errorf("invalid stt.provider %q: want %s or %s", cfg.STT.Provider, STTWhisper, STTGoogle)
	}

	switch cfg.LLM.Provider {
	case LLMOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return missingSecret("OpenAI API key (required by llm.provider=openai)", "OPTLOG_OPENAI_API_KEY", "openai_api_key")
		}
	case LLMOllama:
		if cfg.Ollama.Model == "" {
			return fmt.Errorf("missing required config: ollama.model")
		}
	default:
		return fmt.Errorf("invalid llm.provider %q: want %s or %s", cfg.LLM.Provider, LLMOpenAI, LLMOllama)
	}

	if cfg.STT.Timeout <= 0 || cfg.LLM.Timeout <= 0 {
		return fmt.Errorf("stt.timeout and llm.timeout must be positive")
	}
	if cfg.Pipeline.MinTranscriptChars < 0 {
		return fmt.Errorf("pipeline.min_transcript_chars must not be negative")
	}
	if cfg.Pipeline.HistoryLimit < 0 {
		return fmt.Errorf("pipeline.history_limit must not be negative")
	}
	return nil
}

func missingSecret(what, env, account string) error {
	return fmt.Errorf("missing required config: %s. Set it via environment variable %s%s", what, env, secretHint(account))
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

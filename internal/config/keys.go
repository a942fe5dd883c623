package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ConfigBackend is the platform store for non-secret keys: macOS
// UserDefaults on darwin, a YAML file elsewhere.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account is the secret store entry consulted when a secret is not in env.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OPTLOG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.public_base_url", typ: kString, env: "OPTLOG_SERVER_PUBLIC_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicBaseURL },
	},
	{
		key: "log.level", typ: kString, env: "OPTLOG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OPTLOG_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "stt.provider", typ: kString, env: "OPTLOG_STT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.STT.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.STT.Provider },
	},
	{
		key: "stt.model", typ: kString, env: "OPTLOG_STT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.STT.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.STT.Model },
	},
	{
		key: "stt.language", typ: kString, env: "OPTLOG_STT_LANGUAGE",
		apply:   func(cfg *Config, v any) { cfg.STT.Language = v.(string) },
		extract: func(cfg Config) any { return cfg.STT.Language },
	},
	{
		key: "stt.timeout", typ: kDuration, env: "OPTLOG_STT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.STT.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.STT.Timeout },
	},
	{
		key: "stt.google_project_id", typ: kString, env: "OPTLOG_STT_GOOGLE_PROJECT_ID",
		apply:   func(cfg *Config, v any) { cfg.STT.GoogleProjectID = v.(string) },
		extract: func(cfg Config) any { return cfg.STT.GoogleProjectID },
	},
	{
		key: "stt.google_credentials", typ: kString, env: "OPTLOG_GOOGLE_STT_CREDENTIALS",
		secret: true, account: "google_stt_credentials",
		apply:   func(cfg *Config, v any) { cfg.STT.GoogleCredentials = v.(string) },
		extract: func(cfg Config) any { return cfg.STT.GoogleCredentials },
	},
	{
		key: "llm.provider", typ: kString, env: "OPTLOG_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.model", typ: kString, env: "OPTLOG_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "OPTLOG_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "openai.base_url", typ: kString, env: "OPTLOG_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "OPTLOG_OPENAI_API_KEY",
		secret: true, account: "openai_api_key",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "ollama.base_url", typ: kString, env: "OPTLOG_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "OPTLOG_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "pipeline.min_transcript_chars", typ: kInt, env: "OPTLOG_PIPELINE_MIN_TRANSCRIPT_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MinTranscriptChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MinTranscriptChars },
	},
	{
		key: "pipeline.history_limit", typ: kInt, env: "OPTLOG_PIPELINE_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.HistoryLimit },
	},
	{
		key: "prompts.file", typ: kString, env: "OPTLOG_PROMPTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Prompts.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompts.File },
	},
	{
		key: "edit.lock_ttl", typ: kDuration, env: "OPTLOG_EDIT_LOCK_TTL",
		apply:   func(cfg *Config, v any) { cfg.Edit.LockTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Edit.LockTTL },
	},
	{
		key: "share.default_expiry_days", typ: kInt, env: "OPTLOG_SHARE_DEFAULT_EXPIRY_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Share.DefaultExpiryDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Share.DefaultExpiryDays },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

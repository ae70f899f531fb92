package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the recruitment relay.
type Config struct {
	General  GeneralConfig  `json:"general"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	OpenAI   OpenAIConfig   `json:"openai"`
	Queue    QueueConfig    `json:"queue"`
	Store    StoreConfig    `json:"store"`
	Storage  StorageConfig  `json:"storage"`
	Intake   IntakeConfig   `json:"intake"`
	Server   ServerConfig   `json:"server"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"` // debug | info | warn | error
	DataDir  string `json:"dataDir"`
}

type WhatsAppConfig struct {
	AccessToken   string `json:"accessToken"`
	VerifyToken   string `json:"verifyToken"`
	AppSecret     string `json:"appSecret,omitempty"`
	PhoneNumberID string `json:"phoneNumberId"`
	GraphVersion  string `json:"graphVersion,omitempty"` // default v21.0
	WebhookPath   string `json:"webhookPath,omitempty"`  // default /webhook
}

type OpenAIConfig struct {
	APIKey      string `json:"apiKey"`
	APIBase     string `json:"apiBase,omitempty"` // default https://api.openai.com/v1
	AssistantID string `json:"assistantId"`
	// ClassifierModel is the chat model used for the resume gate.
	ClassifierModel string `json:"classifierModel,omitempty"`
	// ProfilePath points at the YAML assistant profile (instructions and
	// reply templates). Empty uses built-in defaults.
	ProfilePath string `json:"profilePath,omitempty"`

	PollIntervalMs    int `json:"pollIntervalMs"`    // run status poll cadence
	RunTimeoutSeconds int `json:"runTimeoutSeconds"` // total budget for one run
	AppendAttempts    int `json:"appendAttempts"`    // message append tries under run conflict
	AppendBackoffMs   int `json:"appendBackoffMs"`   // pause between append attempts
}

type QueueConfig struct {
	DBPath            string `json:"dbPath"`
	MaxReceive        int    `json:"maxReceive"`        // messages per poll, like SQS MaxNumberOfMessages
	WaitSeconds       int    `json:"waitSeconds"`       // long-poll duration
	VisibilitySeconds int    `json:"visibilitySeconds"` // lease before redelivery
}

type StoreConfig struct {
	DBPath             string `json:"dbPath"`
	ContextWindow      int    `json:"contextWindow"`      // recent messages kept per candidate
	DedupRetentionDays int    `json:"dedupRetentionDays"` // processed-marker retention
}

type StorageConfig struct {
	Dir     string `json:"dir"`               // resume upload directory
	BaseURL string `json:"baseUrl,omitempty"` // public prefix for stored files
}

type IntakeConfig struct {
	ValidateContentType bool `json:"validateContentType"`
	ClassifyResumes     bool `json:"classifyResumes"`
	// AcceptedContentTypes gates document uploads when validation is on.
	AcceptedContentTypes []string `json:"acceptedContentTypes,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DefaultConfigDir returns the default config directory (~/.recruitbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recruitbot"
	}
	return filepath.Join(home, ".recruitbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Queue.DBPath = ExpandPath(cfg.Queue.DBPath)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Storage.Dir = ExpandPath(cfg.Storage.Dir)
	cfg.OpenAI.ProfilePath = ExpandPath(cfg.OpenAI.ProfilePath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}

	if cfg.OpenAI.PollIntervalMs < 100 {
		errs = append(errs, "openai.pollIntervalMs must be >= 100")
	}
	if cfg.OpenAI.RunTimeoutSeconds < 1 {
		errs = append(errs, "openai.runTimeoutSeconds must be >= 1")
	}
	if cfg.OpenAI.AppendAttempts < 1 {
		errs = append(errs, "openai.appendAttempts must be >= 1")
	}

	if cfg.Queue.MaxReceive < 1 || cfg.Queue.MaxReceive > 10 {
		errs = append(errs, "queue.maxReceive must be between 1 and 10")
	}
	if cfg.Queue.VisibilitySeconds < 1 {
		errs = append(errs, "queue.visibilitySeconds must be >= 1")
	}
	// A lease shorter than the run budget means a second worker can pick up
	// the same event while the first is still polling its run.
	if cfg.Queue.VisibilitySeconds <= cfg.OpenAI.RunTimeoutSeconds {
		errs = append(errs, "queue.visibilitySeconds must exceed openai.runTimeoutSeconds")
	}

	if cfg.Store.ContextWindow < 1 {
		errs = append(errs, "store.contextWindow must be >= 1")
	}
	if cfg.Store.DedupRetentionDays < 1 {
		errs = append(errs, "store.dedupRetentionDays must be >= 1")
	}

	if cfg.Intake.ValidateContentType && len(cfg.Intake.AcceptedContentTypes) == 0 {
		errs = append(errs, "intake.acceptedContentTypes must be set when validateContentType is on")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Sanitize returns a copy of the config with secrets masked, for display.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	out.WhatsApp.AccessToken = mask(cfg.WhatsApp.AccessToken)
	out.WhatsApp.AppSecret = mask(cfg.WhatsApp.AppSecret)
	out.WhatsApp.VerifyToken = mask(cfg.WhatsApp.VerifyToken)
	out.OpenAI.APIKey = mask(cfg.OpenAI.APIKey)
	return &out
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

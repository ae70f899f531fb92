package config

import "path/filepath"

// Defaults returns a config with sensible defaults. Secrets come from
// ${VAR} references in the config file, never from here.
func Defaults() *Config {
	dataDir := filepath.Join(DefaultConfigDir(), "data")

	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  dataDir,
		},
		WhatsApp: WhatsAppConfig{
			GraphVersion: "v21.0",
			WebhookPath:  "/webhook",
		},
		OpenAI: OpenAIConfig{
			APIBase:           "https://api.openai.com/v1",
			ClassifierModel:   "gpt-4o-mini",
			PollIntervalMs:    500,
			RunTimeoutSeconds: 20,
			AppendAttempts:    4,
			AppendBackoffMs:   800,
		},
		Queue: QueueConfig{
			DBPath:            filepath.Join(dataDir, "queue.db"),
			MaxReceive:        5,
			WaitSeconds:       10,
			VisibilitySeconds: 60,
		},
		Store: StoreConfig{
			DBPath:             filepath.Join(dataDir, "relay.db"),
			ContextWindow:      10,
			DedupRetentionDays: 30,
		},
		Storage: StorageConfig{
			Dir: filepath.Join(dataDir, "resumes"),
		},
		Intake: IntakeConfig{
			ValidateContentType: true,
			ClassifyResumes:     false,
			AcceptedContentTypes: []string{
				"application/pdf",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverrides are the environment variables that take precedence over the
// config file. The EVO_* / AUTHENTICATION_API_KEY names match what gateway
// deployments already export.
type envOverrides struct {
	ChatBaseURL      string `envconfig:"EVO_BASE_URL"`
	ChatInstanceName string `envconfig:"EVO_INSTANCE_NAME"`
	ChatAPIKey       string `envconfig:"AUTHENTICATION_API_KEY"`
	SMTPHost         string `envconfig:"COMMHUB_SMTP_HOST"`
	SMTPPort         int    `envconfig:"COMMHUB_SMTP_PORT"`
	TelegramToken    string `envconfig:"COMMHUB_TELEGRAM_TOKEN"`
	LogLevel         string `envconfig:"COMMHUB_LOG_LEVEL"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing files
// are skipped and variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays non-empty environment values onto cfg.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Chat.BaseURL, env.ChatBaseURL)
	set(&cfg.Chat.InstanceName, env.ChatInstanceName)
	set(&cfg.Chat.APIKey, env.ChatAPIKey)
	set(&cfg.Email.RelayHost, env.SMTPHost)
	set(&cfg.Report.Telegram.Token, env.TelegramToken)
	set(&cfg.Logging.Level, env.LogLevel)
	if env.SMTPPort > 0 {
		cfg.Email.RelayPort = env.SMTPPort
	}
	return nil
}

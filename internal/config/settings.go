package config

import (
	"fmt"
	"strings"
	"time"

	"commhub/internal/channel/chat"
	"commhub/internal/channel/email"
	"commhub/internal/roster"
	logx "commhub/pkg/logx"
)

const (
	DefaultInterSendDelay = 2 * time.Second
	DefaultMetricsAddr    = "127.0.0.1:9464"
	DefaultMetricsPath    = "/metrics"
)

// ParseDurationField parses a Go duration string. Empty means zero; negative
// values are rejected. path is only used in the error message.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// InterSendDelay resolves dispatch.inter_send_delay. An omitted value means the
// 2s default; an explicit "0s" disables pacing.
func (c *Config) InterSendDelay() (time.Duration, error) {
	if strings.TrimSpace(c.Dispatch.InterSendDelay) == "" {
		return DefaultInterSendDelay, nil
	}
	return ParseDurationField("dispatch.inter_send_delay", c.Dispatch.InterSendDelay)
}

func (c *Config) LogSettings() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) EmailSettings() (email.Config, error) {
	timeout, err := ParseDurationField("email.timeout", c.Email.Timeout)
	if err != nil {
		return email.Config{}, err
	}
	requireTLS := true
	if c.Email.RequireTLS != nil {
		requireTLS = *c.Email.RequireTLS
	}
	return email.Config{
		RelayHost:      strings.TrimSpace(c.Email.RelayHost),
		RelayPort:      c.Email.RelayPort,
		Timeout:        timeout,
		AllowPlaintext: !requireTLS,
		HelloName:      strings.TrimSpace(c.Email.HelloName),
		RatePerSec:     c.Email.RatePerSec,
	}, nil
}

func (c *Config) ChatSettings() (chat.Config, error) {
	timeout, err := ParseDurationField("chat.timeout", c.Chat.Timeout)
	if err != nil {
		return chat.Config{}, err
	}
	return chat.Config{
		BaseURL:      strings.TrimSpace(c.Chat.BaseURL),
		InstanceName: strings.TrimSpace(c.Chat.InstanceName),
		APIKey:       strings.TrimSpace(c.Chat.APIKey),
		Timeout:      timeout,
		RatePerSec:   c.Chat.RatePerSec,
	}, nil
}

// ChatConfigured reports whether all gateway connection values are present.
func (c *Config) ChatConfigured() bool {
	return strings.TrimSpace(c.Chat.BaseURL) != "" &&
		strings.TrimSpace(c.Chat.InstanceName) != "" &&
		strings.TrimSpace(c.Chat.APIKey) != ""
}

func (c *Config) Columns() roster.Columns {
	col := c.Roster.Columns
	return roster.Columns{
		Name:   col.Name,
		Email:  col.Email,
		Number: col.Number,
		Group:  col.Group,
		Login:  col.Login,
		Secret: col.Secret,
	}.WithDefaults()
}

func (c *Config) MetricsAddr() string {
	if a := strings.TrimSpace(c.Metrics.Addr); a != "" {
		return a
	}
	return DefaultMetricsAddr
}

func (c *Config) MetricsPath() string {
	p := strings.TrimSpace(c.Metrics.Path)
	if p == "" {
		return DefaultMetricsPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Location resolves the campaign timezone; empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

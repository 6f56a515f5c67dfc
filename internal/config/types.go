package config

// Config is the on-disk configuration (YAML or JSON).
//
// Secrets (api_key, telegram token, sender passwords) may be left empty here and
// supplied through the environment or a .env file; see ApplyEnv.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Email    EmailConfig    `json:"email"`
	Chat     ChatConfig     `json:"chat"`
	Dispatch DispatchConfig `json:"dispatch"`
	Roster   RosterConfig   `json:"roster"`
	Report   ReportConfig   `json:"report"`
	Metrics  MetricsConfig  `json:"metrics"`

	// Campaigns are scheduled runs executed by `commhub serve`.
	Campaigns []CampaignConfig `json:"campaigns,omitempty" validate:"dive"`

	// Timezone for campaign schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EmailConfig describes the SMTP relay. Sender credentials come from the senders roster.
//
// Defaults: relay_host smtp.gmail.com, relay_port 587, timeout 30s, require_tls true.
type EmailConfig struct {
	RelayHost string `json:"relay_host,omitempty"`
	RelayPort int    `json:"relay_port,omitempty" validate:"omitempty,min=1,max=65535"`
	// Timeout is a Go duration string bounding one SMTP session.
	Timeout string `json:"timeout,omitempty"`
	// RequireTLS is a pointer so an omitted key keeps the secure default.
	RequireTLS *bool  `json:"require_tls,omitempty"`
	HelloName  string `json:"hello_name,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"min=0"`
}

// ChatConfig describes the messaging gateway. All three connection values are
// usually provided via EVO_BASE_URL, EVO_INSTANCE_NAME and AUTHENTICATION_API_KEY.
type ChatConfig struct {
	BaseURL      string `json:"base_url,omitempty" validate:"omitempty,url"`
	InstanceName string `json:"instance_name,omitempty"`
	APIKey       string `json:"api_key,omitempty"` // never logged
	Timeout      string `json:"timeout,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty" validate:"min=0"`
}

type DispatchConfig struct {
	// InterSendDelay is a Go duration string; default "2s". Use "0s" to disable pacing.
	InterSendDelay string `json:"inter_send_delay,omitempty"`
	// StrictChat counts gateway rejections (HTTP >= 400 or an "error" field) as failures.
	StrictChat bool `json:"strict_chat,omitempty"`
}

type RosterConfig struct {
	Recipients string        `json:"recipients,omitempty"`
	Senders    string        `json:"senders,omitempty"`
	Columns    ColumnsConfig `json:"columns"`
}

// ColumnsConfig overrides CSV header names. Empty values keep the defaults
// (name, email, number, dept, email, app_password).
type ColumnsConfig struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Number string `json:"number,omitempty"`
	Group  string `json:"group,omitempty"`
	Login  string `json:"login,omitempty"`
	Secret string `json:"secret,omitempty"`
}

type ReportConfig struct {
	Telegram TelegramReport `json:"telegram"`
}

// TelegramReport sends a summary of every finished run to an operator chat.
type TelegramReport struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty" validate:"min=0"`
}

// MetricsConfig controls the Prometheus listener.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty"` // default: "/metrics"
	// Pprof also serves /debug/pprof/ on the same listener (loopback only).
	Pprof bool `json:"pprof,omitempty"`
}

// CampaignConfig is one scheduled dispatch run.
//
// Schedule accepts a 5-field cron expression, a descriptor such as "@daily",
// "@every 1h", or "once:<RFC3339>".
type CampaignConfig struct {
	Name     string   `json:"name" validate:"required"`
	Schedule string   `json:"schedule" validate:"required"`
	Channel  string   `json:"channel" validate:"required"`
	Subject  string   `json:"subject,omitempty"`
	Template string   `json:"template,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

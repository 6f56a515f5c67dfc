package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"commhub/internal/campaign"
	"commhub/internal/template"
	kit "commhub/internal/transport"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key rather than the Go field name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags first, then the rules tags cannot express
// (durations, channel names, schedules, templates, duplicate campaign names).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &kit.ConfigurationError{
				Field:  fieldPath(fe.Namespace()),
				Reason: fmt.Sprintf("failed %q check", fe.Tag()),
			}
		}
		return err
	}

	for _, d := range []struct{ path, raw string }{
		{"email.timeout", cfg.Email.Timeout},
		{"chat.timeout", cfg.Chat.Timeout},
		{"dispatch.inter_send_delay", cfg.Dispatch.InterSendDelay},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return &kit.ConfigurationError{Field: d.path, Reason: err.Error()}
		}
	}

	if cfg.Report.Telegram.Enabled {
		if strings.TrimSpace(cfg.Report.Telegram.Token) == "" {
			return &kit.ConfigurationError{Field: "report.telegram.token", Reason: "required when report.telegram.enabled"}
		}
		if cfg.Report.Telegram.ChatID == 0 {
			return &kit.ConfigurationError{Field: "report.telegram.chat_id", Reason: "required when report.telegram.enabled"}
		}
	}

	loc, err := cfg.Location()
	if err != nil {
		return &kit.ConfigurationError{Field: "timezone", Reason: err.Error()}
	}

	seen := make(map[string]struct{}, len(cfg.Campaigns))
	for i, c := range cfg.Campaigns {
		field := fmt.Sprintf("campaigns[%d]", i)
		name := strings.TrimSpace(c.Name)
		if _, dup := seen[name]; dup {
			return &kit.ConfigurationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate campaign %q", name)}
		}
		seen[name] = struct{}{}
		if _, err := kit.ParseChannel(c.Channel); err != nil {
			return &kit.ConfigurationError{Field: field + ".channel", Reason: err.Error()}
		}
		if _, err := campaign.ParseSchedule(c.Schedule, loc); err != nil {
			return &kit.ConfigurationError{Field: field + ".schedule", Reason: err.Error()}
		}
		if err := template.Validate(c.Template); err != nil {
			return &kit.ConfigurationError{Field: field + ".template", Reason: err.Error()}
		}
	}
	return nil
}

// fieldPath turns "Config.email.relay_port" into "email.relay_port".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

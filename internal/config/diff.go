package config

import (
	"reflect"
	"sort"
	"strings"

	logx "commhub/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log fields that
// describe the new values. Secrets are reported only as "<key>_set" booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		es, _ := newCfg.EmailSettings()
		attrs = append(attrs,
			logx.String("email.relay_host", es.RelayHost),
			logx.Int("email.relay_port", es.RelayPort),
			logx.Bool("email.require_tls", !es.AllowPlaintext),
			logx.Int("email.rate_per_sec", es.RatePerSec),
		)
	}

	o, n := oldCfg.Chat, newCfg.Chat
	if o.BaseURL != n.BaseURL || o.InstanceName != n.InstanceName || o.Timeout != n.Timeout ||
		o.RatePerSec != n.RatePerSec || o.APIKey != n.APIKey {
		changed = append(changed, "chat")
		attrs = append(attrs,
			logx.String("chat.base_url", strings.TrimSpace(n.BaseURL)),
			logx.String("chat.instance_name", strings.TrimSpace(n.InstanceName)),
			logx.Bool("chat.api_key_set", strings.TrimSpace(n.APIKey) != ""),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.inter_send_delay", newCfg.Dispatch.InterSendDelay),
			logx.Bool("dispatch.strict_chat", newCfg.Dispatch.StrictChat),
		)
	}

	if oldCfg.Roster != newCfg.Roster {
		changed = append(changed, "roster")
		attrs = append(attrs,
			logx.String("roster.recipients", newCfg.Roster.Recipients),
			logx.String("roster.senders", newCfg.Roster.Senders),
		)
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		t := newCfg.Report.Telegram
		attrs = append(attrs,
			logx.Bool("report.telegram.enabled", t.Enabled),
			logx.Bool("report.telegram.token_set", strings.TrimSpace(t.Token) != ""),
			logx.Int64("report.telegram.chat_id", t.ChatID),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.MetricsAddr()),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	if names := diffCampaigns(oldCfg.Campaigns, newCfg.Campaigns); len(names) > 0 {
		changed = append(changed, "campaigns")
		attrs = append(attrs,
			logx.Strs("campaigns.changed", names),
			logx.Int("campaigns.count", len(newCfg.Campaigns)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffCampaigns lists campaign names added, removed or modified, sorted.
func diffCampaigns(oldList, newList []CampaignConfig) []string {
	index := func(list []CampaignConfig) map[string]CampaignConfig {
		m := make(map[string]CampaignConfig, len(list))
		for _, c := range list {
			m[strings.TrimSpace(c.Name)] = c
		}
		return m
	}
	om, nm := index(oldList), index(newList)

	var out []string
	for name, o := range om {
		n, ok := nm[name]
		if !ok || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

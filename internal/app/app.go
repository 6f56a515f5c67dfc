// Package app builds the adapters, dispatcher and reporters from configuration
// and runs them for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"commhub/internal/campaign"
	"commhub/internal/channel/chat"
	"commhub/internal/channel/email"
	"commhub/internal/config"
	"commhub/internal/dispatch"
	"commhub/internal/metrics"
	"commhub/internal/report"
	"commhub/internal/roster"
	"commhub/internal/template"
	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

type Options struct {
	ConfigPath string
	// ConfigOptional runs from defaults and environment when ConfigPath does not exist.
	ConfigOptional bool
	EnvFiles       []string

	// Terminal receives the live progress and final table; nil disables it.
	Terminal io.Writer
	Colors   bool
	Verbose  bool

	// StrictChat forces strict gateway reply checking on top of the config value.
	StrictChat bool

	// Registry collects dispatch metrics; a private registry is created when nil.
	Registry *prometheus.Registry
}

type App struct {
	opt  Options
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	reg       *prometheus.Registry
	collector *metrics.Collector
	term      *report.Terminal

	mu    sync.RWMutex
	cfg   *config.Config
	disp  *dispatch.Dispatcher
	files roster.Files

	sched *campaign.Scheduler
}

// New loads configuration and builds every component. Nothing is sent.
func New(opt Options) (*App, error) {
	if err := config.LoadDotEnv(opt.EnvFiles...); err != nil {
		return nil, err
	}
	cfgm, cfg, err := loadConfig(opt)
	if err != nil {
		return nil, err
	}

	logs, log := logx.NewService(cfg.LogSettings())

	reg := opt.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a := &App{
		opt:       opt,
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logs,
		reg:       reg,
		collector: metrics.NewCollector(reg),
		cfg:       cfg,
	}
	if opt.Terminal != nil {
		a.term = report.NewTerminal(opt.Terminal, opt.Colors, opt.Verbose)
	}

	disp, files, err := a.build(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.disp, a.files = disp, files
	return a, nil
}

func loadConfig(opt Options) (*config.Manager, *config.Config, error) {
	path := strings.TrimSpace(opt.ConfigPath)
	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			m := config.NewManager(path)
			cfg, err := m.Load()
			if err != nil {
				return nil, nil, fmt.Errorf("config %s: %w", path, err)
			}
			return m, cfg, nil
		case !errors.Is(err, fs.ErrNotExist) || !opt.ConfigOptional:
			return nil, nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg := &config.Config{}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, nil, err
	}
	return nil, cfg, nil
}

// build maps cfg onto adapters and a dispatcher. It has no side effects, so a
// reloaded config can be checked with it before it is committed.
func (a *App) build(cfg *config.Config) (*dispatch.Dispatcher, roster.Files, error) {
	emailCfg, err := cfg.EmailSettings()
	if err != nil {
		return nil, roster.Files{}, err
	}
	opts := dispatch.Options{
		Email:      email.New(emailCfg, a.log.With(logx.String("comp", "email"))),
		Log:        a.log.With(logx.String("comp", "dispatch")),
		StrictChat: cfg.Dispatch.StrictChat || a.opt.StrictChat,
		Observers:  []dispatch.Observer{a.collector},
	}
	if cfg.ChatConfigured() {
		chatCfg, err := cfg.ChatSettings()
		if err != nil {
			return nil, roster.Files{}, err
		}
		c, err := chat.New(chatCfg, a.log.With(logx.String("comp", "chat")))
		if err != nil {
			return nil, roster.Files{}, err
		}
		opts.Chat = c
	}
	if a.term != nil {
		opts.Observers = append(opts.Observers, a.term)
	}
	if tg := cfg.Report.Telegram; tg.Enabled {
		t, err := report.NewTelegram(report.TelegramConfig{
			Token:    tg.Token,
			ChatID:   tg.ChatID,
			ThreadID: tg.ThreadID,
		}, a.log.With(logx.String("comp", "report")))
		if err != nil {
			return nil, roster.Files{}, err
		}
		opts.Observers = append(opts.Observers, t)
	}
	files := roster.Files{
		Recipients: cfg.Roster.Recipients,
		Senders:    cfg.Roster.Senders,
		Columns:    cfg.Columns(),
	}
	return dispatch.New(opts), files, nil
}

func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *App) Logger() logx.Logger { return a.log }

// Registry holds the dispatch series served by `serve` when metrics are enabled.
func (a *App) Registry() *prometheus.Registry { return a.reg }

// Dispatch runs req on the current dispatcher. It lets the campaign scheduler
// pick up rebuilt adapters after a config reload.
func (a *App) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	a.mu.RLock()
	d := a.disp
	a.mu.RUnlock()
	return d.Dispatch(ctx, req)
}

// Load reads the configured roster sheets for ch.
func (a *App) Load(ch kit.Channel) (roster.Roster, []kit.Sender, error) {
	a.mu.RLock()
	f := a.files
	a.mu.RUnlock()
	return f.Load(ch)
}

// SendOptions is one ad-hoc run from the command line. Empty fields fall back
// to configuration and the channel defaults.
type SendOptions struct {
	Channel  kit.Channel
	Template string
	Subject  string
	Groups   []string
	// Delay overrides dispatch.inter_send_delay when non-nil.
	Delay *time.Duration

	Recipients string
	Senders    string
}

func (a *App) Send(ctx context.Context, opt SendOptions) (dispatch.Result, error) {
	// A bad template would fail every recipient alike, so it is rejected
	// up front like a bad campaign template in the config file.
	tmpl := template.BodyOrDefault(opt.Channel, opt.Template)
	if err := template.Validate(tmpl); err != nil {
		return dispatch.Result{}, &kit.ConfigurationError{Field: "template", Reason: err.Error()}
	}
	subject := template.SubjectOrDefault(opt.Channel, opt.Subject)

	delay, err := a.Config().InterSendDelay()
	if err != nil {
		return dispatch.Result{}, err
	}
	if opt.Delay != nil {
		if *opt.Delay < 0 {
			return dispatch.Result{}, &kit.ConfigurationError{Field: "delay", Reason: "must be >= 0"}
		}
		delay = *opt.Delay
	}

	r, senders, err := a.filesFor(opt.Recipients, opt.Senders).Load(opt.Channel)
	if err != nil {
		return dispatch.Result{}, err
	}
	a.log.Info(fmt.Sprintf("Receivers loaded: %d | Senders loaded: %d", len(r.Recipients), len(senders)))

	recipients, mode := r.Filter(opt.Groups)
	switch {
	case mode == roster.FilterNoGroupColumn && len(opt.Groups) > 0:
		a.log.Warn("roster has no group column; sending to all recipients")
	case mode == roster.FilterNoSelection:
		a.log.Warn("no group selected; sending to all recipients")
	case mode == roster.FilterApplied:
		a.log.Info("group filter applied", logx.Strs("groups", opt.Groups), logx.Int("recipients", len(recipients)))
	}

	return a.Dispatch(ctx, dispatch.Request{
		Channel:        opt.Channel,
		Template:       tmpl,
		Subject:        subject,
		Recipients:     recipients,
		Senders:        senders,
		InterSendDelay: delay,
		Name:           "cli",
	})
}

// Groups lists the distinct groups of the recipient sheet for ch. ok is false
// when the sheet has no group column.
func (a *App) Groups(ch kit.Channel, recipients string) (groups []string, ok bool, err error) {
	f := a.filesFor(recipients, "")
	if strings.TrimSpace(f.Recipients) == "" {
		return nil, false, &kit.ConfigurationError{Field: "roster.recipients", Reason: "path required"}
	}
	t, err := roster.LoadTable(f.Recipients)
	if err != nil {
		return nil, false, err
	}
	r, err := t.Recipients(f.Columns, ch)
	if err != nil {
		return nil, false, err
	}
	return r.Groups(), r.HasGroups, nil
}

func (a *App) filesFor(recipients, senders string) roster.Files {
	a.mu.RLock()
	f := a.files
	a.mu.RUnlock()
	if s := strings.TrimSpace(recipients); s != "" {
		f.Recipients = s
	}
	if s := strings.TrimSpace(senders); s != "" {
		f.Senders = s
	}
	return f
}

// Close flushes and closes log sinks.
func (a *App) Close() error {
	if a.logs == nil {
		return nil
	}
	return a.logs.Close()
}

package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"commhub/internal/campaign"
	"commhub/internal/config"
	"commhub/internal/metrics"
	"commhub/internal/runtime/supervisor"
	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
	"commhub/pkg/systemd"
)

// Campaigns converts the enabled campaign entries of cfg.
func Campaigns(cfg *config.Config) ([]campaign.Campaign, error) {
	out := make([]campaign.Campaign, 0, len(cfg.Campaigns))
	for i, c := range cfg.Campaigns {
		if c.Disabled {
			continue
		}
		ch, err := kit.ParseChannel(c.Channel)
		if err != nil {
			return nil, &kit.ConfigurationError{Field: fmt.Sprintf("campaigns[%d].channel", i), Reason: err.Error()}
		}
		out = append(out, campaign.Campaign{
			Name:     c.Name,
			Schedule: c.Schedule,
			Channel:  ch,
			Subject:  c.Subject,
			Template: c.Template,
			Groups:   c.Groups,
		})
	}
	return out, nil
}

// Scheduler is the campaign scheduler started by Serve, or nil.
func (a *App) Scheduler() *campaign.Scheduler { return a.sched }

// Serve runs the campaign scheduler, the optional metrics listener and config
// hot reload until ctx is done or a component fails.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config()
	list, err := Campaigns(cfg)
	if err != nil {
		return err
	}
	delay, err := cfg.InterSendDelay()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	a.sched = campaign.New(campaign.Options{Runner: a, Source: a, Log: a.log, Delay: delay, Location: loc})
	if err := a.sched.Apply(list, delay, loc); err != nil {
		return err
	}
	a.sched.Start(sup.Context())

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(metrics.ServerConfig{
			Addr:  cfg.MetricsAddr(),
			Path:  cfg.MetricsPath(),
			Pprof: cfg.Metrics.Pprof,
		}, a.reg, a.log)
		sup.GoRestart("metrics.http", srv.Serve, supervisor.RestartPolicy{MinBackoff: time.Second, MaxBackoff: 30 * time.Second})
	}

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
			if _, _, err := a.build(c); err != nil {
				return err
			}
			_, err := Campaigns(c)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
			return nil
		})
		sup.Go("config.watch", a.cfgm.Watch)
	}

	sup.Go("systemd.watchdog", systemd.Watchdog)
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	}
	_, _ = systemd.Status(fmt.Sprintf("%d campaigns scheduled", len(list)))
	a.log.Info("serving", logx.Int("campaigns", len(list)), logx.Bool("metrics", cfg.Metrics.Enabled))

	<-sup.Context().Done()
	fatal := sup.Err()
	_, _ = systemd.Stopping()
	if fatal != nil {
		a.log.Error("stopping after failure", logx.Err(fatal))
	} else {
		a.log.Info("stopping")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.step(stopCtx, "campaigns", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(stopCtx, "supervisor", 3*time.Second, sup.Stop)
	a.log.Info("stopped")
	return fatal
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Only the latest of a burst matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			if next != nil {
				a.applyConfig(next)
			}
		}
	}
}

// applyConfig swaps in the adapters, roster and campaigns of next. A part that
// fails to build keeps its previous value.
func (a *App) applyConfig(next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	prev := a.Config()
	sections, fields := config.SummarizeChange(prev, next)

	a.logs.Apply(next.LogSettings())

	disp, files, err := a.build(next)
	if err != nil {
		a.log.Warn("config reload: keeping previous adapters", logx.Err(err))
		return
	}
	a.mu.Lock()
	a.cfg, a.disp, a.files = next, disp, files
	a.mu.Unlock()

	if a.sched != nil {
		list, err := Campaigns(next)
		if err == nil {
			var delay time.Duration
			delay, err = next.InterSendDelay()
			if err == nil {
				loc, lerr := next.Location()
				if lerr != nil {
					err = lerr
				} else {
					err = a.sched.Apply(list, delay, loc)
				}
			}
		}
		if err != nil {
			a.log.Warn("config reload: keeping previous campaigns", logx.Err(err))
		}
	}

	if slices.Contains(sections, "metrics") {
		a.log.Warn("metrics config changed; restart required for changes to take effect")
	}
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
}

// step runs one shutdown step bounded by max and the caller's deadline. A step
// that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"commhub/internal/dispatch"
	"commhub/internal/roster"
	"commhub/internal/template"
	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

var ErrUnknownCampaign = errors.New("unknown campaign")

// Campaign is one scheduled dispatch run.
type Campaign struct {
	Name     string
	Schedule string
	Channel  kit.Channel
	Subject  string
	Template string
	// Groups restricts recipients; empty means everyone.
	Groups []string
}

// Runner executes a dispatch run (*dispatch.Dispatcher).
type Runner interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Source provides a fresh roster for every run (roster.Files).
type Source interface {
	Load(ch kit.Channel) (roster.Roster, []kit.Sender, error)
}

type Options struct {
	Runner   Runner
	Source   Source
	Log      logx.Logger
	Delay    time.Duration
	Location *time.Location
}

// Status is a point-in-time view of one campaign.
type Status struct {
	Name     string
	Schedule string
	Channel  kit.Channel
	Next     time.Time
	LastRun  time.Time
	Last     *dispatch.Result
	LastErr  string
	Running  bool
}

type entry struct {
	c     Campaign
	sched Schedule
	id    cron.EntryID
}

// Scheduler triggers campaigns with robfig/cron. Runs are serialised: a campaign
// that fires while another is sending waits for it, so two runs never share the
// relay or gateway at the same time. A campaign that fires again while its own
// previous fire is still waiting or sending skips that fire.
type Scheduler struct {
	runner Runner
	source Source
	log    logx.Logger

	mu      sync.Mutex
	delay   time.Duration
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
	status  map[string]*Status
	firing  map[string]bool

	runMu sync.Mutex
}

func New(opt Options) *Scheduler {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := opt.Location
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		runner:  opt.Runner,
		source:  opt.Source,
		log:     log.With(logx.String("comp", "campaign")),
		delay:   opt.Delay,
		loc:     loc,
		entries: map[string]*entry{},
		status:  map[string]*Status{},
		firing:  map[string]bool{},
	}
}

// Start begins triggering. Jobs run with a context derived from ctx; Stop
// cancels it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, e := range s.entries {
		s.addLocked(e)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("campaigns", len(s.entries)))
}

// Stop cancels in-flight runs and waits for them (bounded by ctx).
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, e := range s.entries {
		e.id = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply replaces the campaign set. Invalid campaigns abort the whole update.
func (s *Scheduler) Apply(list []Campaign, delay time.Duration, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	next := make(map[string]*entry, len(list))
	for _, c := range list {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return &kit.ConfigurationError{Field: "campaign.name", Reason: "required"}
		}
		if _, dup := next[name]; dup {
			return &kit.ConfigurationError{Field: "campaign.name", Reason: fmt.Sprintf("duplicate campaign %q", name)}
		}
		if !c.Channel.Valid() {
			return &kit.ConfigurationError{Field: name + ".channel", Reason: fmt.Sprintf("unknown channel %q", c.Channel)}
		}
		sched, err := ParseSchedule(c.Schedule, loc)
		if err != nil {
			return &kit.ConfigurationError{Field: name + ".schedule", Reason: err.Error()}
		}
		c.Name = name
		next[name] = &entry{c: c, sched: sched}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	restart := s.c != nil && loc.String() != s.loc.String()
	if s.c != nil {
		for _, e := range s.entries {
			s.c.Remove(e.id)
		}
	}
	s.entries = next
	s.delay = delay
	s.loc = loc
	for name := range s.status {
		if _, ok := next[name]; !ok {
			delete(s.status, name)
		}
	}
	if s.c != nil {
		if restart {
			// Entries were already removed; the new cron picks the location up.
			old := s.c
			s.c = cron.New(cron.WithLocation(loc))
			go old.Stop()
			s.c.Start()
		}
		for _, e := range s.entries {
			s.addLocked(e)
		}
	}
	s.log.Info("campaigns applied", logx.Int("count", len(next)), logx.String("tz", loc.String()))
	return nil
}

func (s *Scheduler) addLocked(e *entry) {
	name := e.c.Name
	e.id = s.c.Schedule(e.sched, cron.FuncJob(func() { s.fire(name) }))
}

// fire handles one scheduled trigger and reports whether it ran.
func (s *Scheduler) fire(name string) bool {
	s.mu.Lock()
	ctx := s.ctx
	cur, ok := s.entries[name]
	if !ok || ctx == nil || ctx.Err() != nil {
		s.mu.Unlock()
		return false
	}
	if s.firing[name] {
		s.mu.Unlock()
		s.log.Warn("campaign still pending from its previous fire; skipping", logx.String("campaign", name))
		return false
	}
	s.firing[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.firing, name)
		s.mu.Unlock()
	}()
	_, _ = s.run(ctx, cur.c)
	return true
}

// RunNow triggers a campaign immediately, waiting for any run in progress.
func (s *Scheduler) RunNow(ctx context.Context, name string) (dispatch.Result, error) {
	s.mu.Lock()
	e, ok := s.entries[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return dispatch.Result{}, fmt.Errorf("%w: %q", ErrUnknownCampaign, name)
	}
	return s.run(ctx, e.c)
}

func (s *Scheduler) run(ctx context.Context, c Campaign) (dispatch.Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	log := s.log.With(logx.String("campaign", c.Name), logx.String("channel", string(c.Channel)))
	s.setStatus(c.Name, func(st *Status) { st.Running = true })

	res, err := s.execute(ctx, c, log)

	s.setStatus(c.Name, func(st *Status) {
		st.Running = false
		st.LastRun = time.Now()
		st.LastErr = ""
		st.Last = nil
		if err != nil {
			st.LastErr = err.Error()
			return
		}
		r := res
		st.Last = &r
	})
	if err != nil {
		log.Error("campaign run failed", logx.Err(err))
	}
	return res, err
}

func (s *Scheduler) execute(ctx context.Context, c Campaign, log logx.Logger) (dispatch.Result, error) {
	r, senders, err := s.source.Load(c.Channel)
	if err != nil {
		return dispatch.Result{}, err
	}
	recipients, mode := r.Filter(c.Groups)
	switch {
	case mode == roster.FilterNoGroupColumn && len(c.Groups) > 0:
		log.Warn("roster has no group column; sending to all recipients")
	case mode == roster.FilterNoSelection:
		log.Debug("no groups selected; sending to all recipients")
	}

	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()

	return s.runner.Dispatch(ctx, dispatch.Request{
		Channel:        c.Channel,
		Template:       template.BodyOrDefault(c.Channel, c.Template),
		Subject:        template.SubjectOrDefault(c.Channel, c.Subject),
		Recipients:     recipients,
		Senders:        senders,
		InterSendDelay: delay,
		Name:           c.Name,
	})
}

func (s *Scheduler) setStatus(name string, fn func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	if !ok {
		st = &Status{Name: name}
		s.status[name] = st
	}
	fn(st)
}

// Snapshot lists campaigns sorted by name.
func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().In(s.loc)
	out := make([]Status, 0, len(s.entries))
	for name, e := range s.entries {
		st := Status{Name: name}
		if cur, ok := s.status[name]; ok {
			st = *cur
		}
		st.Schedule = e.sched.Raw
		st.Channel = e.c.Channel
		if s.c != nil && e.id != 0 {
			st.Next = s.c.Entry(e.id).Next
		} else {
			st.Next = e.sched.Next(now)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

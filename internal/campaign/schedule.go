package campaign

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// Schedule is a parsed campaign trigger.
//
// Supported forms:
//   - Cron: "0 9 * * 1-5", "@daily", "@every 6h" (optional "cron:" prefix)
//   - Interval: "55m", "2h30m", "02:30" (optional "every:" / "interval:" prefix)
//   - One shot: "once:2026-11-01T09:00:00+07:00" or "once:2026-11-01 09:00" (in the
//     configured timezone)
type Schedule struct {
	Kind  Kind
	Raw   string
	Every time.Duration
	At    time.Time

	next cron.Schedule
}

// Next is the first activation strictly after t; zero means never again.
func (s Schedule) Next(t time.Time) time.Time {
	if s.next == nil {
		return time.Time{}
	}
	return s.next.Next(t)
}

var (
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
)

// ParseSchedule validates raw and resolves it for loc (nil means time.Local).
func ParseSchedule(raw string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "once:"):
		at, err := parseAt(strings.TrimSpace(s[len("once:"):]), loc)
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: KindOnce, Raw: s, At: at, next: onceAt(at)}, nil
	case strings.HasPrefix(low, "cron:"):
		return parseCron(s, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s, s[len("every:"):])
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s, s[len("interval:"):])
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(s, s)
	}

	if reHHMM.MatchString(s) {
		return parseInterval(s, s)
	}
	if _, err := time.ParseDuration(s); err == nil {
		return parseInterval(s, s)
	}
	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '0 9 * * 1-5', an interval like '6h' or '02:30', or once:<time>)", raw)
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Raw: raw, next: sched}, nil
}

func parseInterval(raw, v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d < time.Second {
		return Schedule{}, fmt.Errorf("interval must be at least 1s")
	}
	return Schedule{Kind: KindInterval, Raw: raw, Every: d, next: cron.Every(d)}, nil
}

func parseAt(v string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"} {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid once time %q (use RFC3339 or 'YYYY-MM-DD HH:MM')", v)
}

type onceAt time.Time

func (o onceAt) Next(t time.Time) time.Time {
	at := time.Time(o)
	if t.Before(at) {
		return at
	}
	return time.Time{}
}

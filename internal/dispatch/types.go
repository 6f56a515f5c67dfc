package dispatch

import (
	"context"
	"time"

	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

// Request describes one dispatch run.
type Request struct {
	Channel  kit.Channel
	Template string
	// Subject is only used by the email channel.
	Subject    string
	Recipients []kit.Recipient
	// Senders is required (non-empty) for the email channel and ignored for chat.
	Senders        []kit.Sender
	InterSendDelay time.Duration
	// Name labels the run in logs and reports (campaign name, "cli", ...).
	Name string
}

// Failure records why one recipient was not delivered.
type Failure struct {
	Index     int
	Recipient string
	Reason    string
	Err       error `json:"-"`
}

// Result is the tally of one run. When the run is cancelled it reflects the
// work completed before cancellation.
type Result struct {
	RunID      string
	Name       string
	Channel    kit.Channel
	Total      int
	Attempted  int
	Succeeded  int
	Failures   []Failure
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Result) Failed() int { return len(r.Failures) }

func (r Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Progress is emitted after each recipient so a presentation layer can render
// running status.
type Progress struct {
	RunID     string
	Name      string
	Channel   kit.Channel
	Index     int
	Total     int
	Recipient string
	// Sender is the login used for this recipient (email only).
	Sender    string
	OK        bool
	Err       error
	Reply     *kit.ChatReply
	Attempted int
	Succeeded int
	Took      time.Duration
}

// Observer receives run lifecycle events. Implementations must not block for long:
// they are called inline from the single dispatch loop.
type Observer interface {
	RunStarted(runID, name string, ch kit.Channel, total int)
	RecipientDone(p Progress)
	RunFinished(res Result)
}

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options wires the adapters and hooks used by Dispatch.
type Options struct {
	Email kit.EmailSender
	Chat  kit.ChatSender
	Log   logx.Logger

	// StrictChat reclassifies gateway rejections (error payloads, 4xx/5xx) as failures.
	// Off by default: any reply that arrives counts as sent.
	StrictChat bool

	Observers []Observer
	Sleep     SleepFunc
	NewRunID  func() string
	Now       func() time.Time
}

package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"commhub/internal/template"
	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

// Dispatcher runs dispatch requests. It keeps no state between runs; every
// Dispatch call builds its own rotator and counters.
type Dispatcher struct {
	email     kit.EmailSender
	chat      kit.ChatSender
	log       logx.Logger
	strict    bool
	observers []Observer
	sleep     SleepFunc
	newRunID  func() string
	now       func() time.Time
}

func New(opt Options) *Dispatcher {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		email:     opt.Email,
		chat:      opt.Chat,
		log:       log,
		strict:    opt.StrictChat,
		observers: opt.Observers,
		sleep:     opt.Sleep,
		newRunID:  opt.NewRunID,
		now:       opt.Now,
	}
	if d.sleep == nil {
		d.sleep = Sleep
	}
	if d.newRunID == nil {
		d.newRunID = func() string { return uuid.NewString() }
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// Sleep waits for d, returning ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// outcome is the tagged per-recipient result folded into the tally.
type outcome struct {
	ok     bool
	sender string
	reply  *kit.ChatReply
	err    error
}

// Dispatch sends req.Template to every recipient, in order, one at a time.
//
// Only configuration problems are returned as errors, and they are detected
// before the first recipient. Per-recipient failures end up in Result.Failures.
// Cancelling ctx stops the run between recipients and returns the partial tally
// with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if err := d.check(req); err != nil {
		return Result{}, err
	}

	var rot *Rotator
	if req.Channel == kit.ChannelEmail {
		r, err := NewRotator(req.Senders)
		if err != nil {
			return Result{}, err
		}
		rot = r
	}

	res := Result{
		RunID:     d.newRunID(),
		Name:      req.Name,
		Channel:   req.Channel,
		Total:     len(req.Recipients),
		Failures:  []Failure{},
		StartedAt: d.now(),
	}
	log := d.log.With(logx.String("run", res.RunID), logx.String("name", req.Name), logx.String("channel", string(req.Channel)))
	log.Info("dispatch started", logx.Int("total", res.Total), logx.Duration("delay", req.InterSendDelay))
	d.notifyStart(res)

	for i, rcpt := range req.Recipients {
		if ctx.Err() != nil {
			log.Warn("dispatch cancelled", logx.Int("attempted", res.Attempted), logx.Int("remaining", res.Total-res.Attempted))
			break
		}

		start := time.Now()
		res.Attempted++
		out := d.deliver(ctx, req, rot, rcpt)
		if out.ok {
			res.Succeeded++
			log.Debug("recipient sent", logx.Int("index", i), logx.String("recipient", rcpt.DisplayName), logx.String("sender", out.sender), logx.Duration("took", time.Since(start)))
		} else {
			res.Failures = append(res.Failures, Failure{Index: i, Recipient: rcpt.DisplayName, Reason: out.err.Error(), Err: out.err})
			log.Warn("recipient failed", logx.Int("index", i), logx.String("recipient", rcpt.DisplayName), logx.String("sender", out.sender), logx.Err(out.err))
		}
		d.notifyProgress(Progress{
			RunID:     res.RunID,
			Name:      req.Name,
			Channel:   req.Channel,
			Index:     i,
			Total:     res.Total,
			Recipient: rcpt.DisplayName,
			Sender:    out.sender,
			OK:        out.ok,
			Err:       out.err,
			Reply:     out.reply,
			Attempted: res.Attempted,
			Succeeded: res.Succeeded,
			Took:      time.Since(start),
		})

		if i == len(req.Recipients)-1 {
			break
		}
		if err := d.sleep(ctx, req.InterSendDelay); err != nil {
			log.Warn("dispatch cancelled during pacing", logx.Int("attempted", res.Attempted), logx.Int("remaining", res.Total-res.Attempted))
			break
		}
	}

	res.FinishedAt = d.now()
	fields := []logx.Field{
		logx.Int("total", res.Total),
		logx.Int("attempted", res.Attempted),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed()),
		logx.Duration("dur", res.Duration()),
	}
	if res.Failed() > 0 {
		log.Warn("dispatch finished with failures", fields...)
	} else {
		log.Info("dispatch finished", fields...)
	}
	d.notifyFinish(res)
	return res, nil
}

func (d *Dispatcher) check(req Request) error {
	switch req.Channel {
	case kit.ChannelEmail:
		if d.email == nil {
			return &kit.ConfigurationError{Field: "email", Reason: "email channel selected but no mail relay is configured"}
		}
		if len(req.Senders) == 0 {
			return &kit.ConfigurationError{Field: "senders", Reason: "sender pool is empty"}
		}
	case kit.ChannelChat:
		if d.chat == nil {
			return &kit.ConfigurationError{Field: "chat", Reason: "chat channel selected but no gateway is configured"}
		}
	default:
		return &kit.ConfigurationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q", req.Channel)}
	}
	return nil
}

// deliver processes one recipient. Failures of any kind, panics included,
// are contained here and returned as a failed outcome. Cancelling ctx does not
// interrupt the send.
func (d *Dispatcher) deliver(ctx context.Context, req Request, rot *Rotator, rcpt kit.Recipient) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while sending", logx.String("recipient", rcpt.DisplayName), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			out = outcome{sender: out.sender, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	body, err := template.Render(req.Template, rcpt)
	if err != nil {
		// Rendering fails before a sender is drawn, so the rotator does not advance.
		out.err = err
		return out
	}

	// A send that has started runs to completion; cancellation is only
	// observed between recipients. Adapters bound each call with their own timeout.
	ctx = context.WithoutCancel(ctx)

	switch req.Channel {
	case kit.ChannelEmail:
		from := rot.Next()
		out.sender = from.Login
		if err := d.email.Send(ctx, from, rcpt.ContactAddress, req.Subject, body); err != nil {
			out.err = err
			return out
		}
		out.ok = true
	case kit.ChannelChat:
		reply, err := d.chat.SendText(ctx, rcpt.ContactAddress, body)
		if err != nil {
			out.err = err
			return out
		}
		out.reply = &reply
		if d.strict {
			if reason, rejected := reply.Rejection(); rejected {
				out.err = fmt.Errorf("rejected by gateway: %s", reason)
				return out
			}
		}
		out.ok = true
	}
	return out
}

func (d *Dispatcher) notifyStart(res Result) {
	for _, o := range d.observers {
		if o != nil {
			o.RunStarted(res.RunID, res.Name, res.Channel, res.Total)
		}
	}
}

func (d *Dispatcher) notifyProgress(p Progress) {
	for _, o := range d.observers {
		if o != nil {
			o.RecipientDone(p)
		}
	}
}

func (d *Dispatcher) notifyFinish(res Result) {
	for _, o := range d.observers {
		if o != nil {
			o.RunFinished(res)
		}
	}
}

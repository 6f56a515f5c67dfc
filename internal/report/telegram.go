package report

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"commhub/internal/dispatch"
	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint (local Bot API server, tests).
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// Telegram posts a summary of every finished run to an operator chat.
// It implements dispatch.Observer; only RunFinished does any work.
type Telegram struct {
	bot    *tele.Bot
	target kit.OperatorTarget
	log    logx.Logger
}

var _ dispatch.Observer = (*Telegram)(nil)

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	// Offline skips getMe; the report only ever sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{
		bot:    b,
		target: kit.OperatorTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID},
		log:    log.With(logx.String("comp", "telegram_report")),
	}, nil
}

func (t *Telegram) RunStarted(string, string, kit.Channel, int) {}

func (t *Telegram) RecipientDone(dispatch.Progress) {}

func (t *Telegram) RunFinished(res dispatch.Result) {
	start := time.Now()
	if err := t.Send(FormatRun(res)); err != nil {
		t.log.Warn("run report not delivered", logx.String("run", res.RunID), logx.Err(err))
		return
	}
	t.log.Debug("run report delivered", logx.String("run", res.RunID), logx.Duration("took", time.Since(start)))
}

// Send delivers one HTML message to the operator chat.
func (t *Telegram) Send(text H) error {
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.target.ThreadID,
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.target.ChatID}, string(text), opt)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// FormatRun renders a run summary for Telegram.
func FormatRun(res dispatch.Result) H {
	title := "Dispatch finished"
	if res.Name != "" {
		title = "Dispatch finished: " + res.Name
	}
	lines := []H{
		B(title),
		JoinH(" ", Esc("Channel:"), Code(string(res.Channel)), Esc("Run:"), Code(shortID(res.RunID))),
		Esc(StatusLine(res)),
	}
	if res.Attempted < res.Total {
		lines = append(lines, I(fmt.Sprintf("Stopped early: %d of %d attempted", res.Attempted, res.Total)))
	}
	if d := res.Duration(); d > 0 {
		lines = append(lines, Esc("Took "+d.Round(time.Second).String()))
	}
	if len(res.Failures) > 0 {
		lines = append(lines, "", B(fmt.Sprintf("Failures (%d)", len(res.Failures))))
		for _, f := range res.Failures {
			lines = append(lines, Esc("• "+FailureLine(f)))
		}
	}
	lines = clipLines(lines, maxMessageLen)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return H(strings.Join(out, "\n"))
}

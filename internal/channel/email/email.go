// Package email delivers plain-text messages through an authenticated SMTP relay.
//
// Every Send opens its own session (dial, EHLO, STARTTLS, AUTH, MAIL, RCPT,
// DATA, QUIT). Sessions are never shared between recipients, so a bad sender
// credential only fails its own message.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

const (
	DefaultRelayHost = "smtp.gmail.com"
	DefaultRelayPort = 587
	DefaultTimeout   = 30 * time.Second
)

type Config struct {
	RelayHost string
	RelayPort int
	// Timeout bounds one whole session, from dial to QUIT.
	Timeout time.Duration
	// AllowPlaintext authenticates over an unencrypted session when the relay
	// does not offer STARTTLS. By default such relays are refused.
	AllowPlaintext bool
	// HelloName overrides the EHLO name ("localhost" when empty).
	HelloName string
	// RatePerSec caps sessions per second; 0 disables the cap.
	RatePerSec int
}

type Client struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	tls     *tls.Config
	now     func() time.Time
}

var _ kit.EmailSender = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.RelayHost) == "" {
		cfg.RelayHost = DefaultRelayHost
	}
	if cfg.RelayPort <= 0 {
		cfg.RelayPort = DefaultRelayPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		cfg:  cfg,
		log:  log.With(logx.String("relay", cfg.RelayHost)),
		dial: (&net.Dialer{}).DialContext,
		tls:  &tls.Config{ServerName: cfg.RelayHost, MinVersion: tls.VersionTLS12},
		now:  time.Now,
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

func (c *Client) Addr() string {
	return net.JoinHostPort(c.cfg.RelayHost, strconv.Itoa(c.cfg.RelayPort))
}

// Send transmits one message from sender to the single address to.
// Any dial, TLS, auth or protocol failure is returned as a *kit.TransportError.
func (c *Client) Send(ctx context.Context, from kit.Sender, to, subject, body string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return kit.NewTransportError("rate limit", err)
		}
	}
	start := time.Now()

	sctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dial(sctx, "tcp", c.Addr())
	if err != nil {
		return kit.NewTransportError("dial", err)
	}
	if dl, ok := sctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Cancellation or timeout aborts a hung relay instead of waiting on the read deadline.
	stop := context.AfterFunc(sctx, func() { _ = conn.Close() })
	defer stop()

	cl, err := smtp.NewClient(conn, c.cfg.RelayHost)
	if err != nil {
		_ = conn.Close()
		return kit.NewTransportError("greeting", err)
	}
	defer cl.Close()

	if err := c.session(cl, from, to, subject, body); err != nil {
		c.log.Debug("smtp session failed", logx.String("from", from.Login), logx.String("to", to), logx.Err(err), logx.Duration("took", time.Since(start)))
		if ctxErr := sctx.Err(); ctxErr != nil {
			return kit.NewTransportError("session", fmt.Errorf("%w (%v)", ctxErr, err))
		}
		return err
	}
	c.log.Debug("smtp message accepted", logx.String("from", from.Login), logx.String("to", to), logx.Duration("took", time.Since(start)))
	return nil
}

func (c *Client) session(cl *smtp.Client, from kit.Sender, to, subject, body string) error {
	hello := strings.TrimSpace(c.cfg.HelloName)
	if hello == "" {
		hello = "localhost"
	}
	if err := cl.Hello(hello); err != nil {
		return kit.NewTransportError("ehlo", err)
	}

	if ok, _ := cl.Extension("STARTTLS"); ok {
		if err := cl.StartTLS(c.tls); err != nil {
			return kit.NewTransportError("starttls", err)
		}
	} else if !c.cfg.AllowPlaintext {
		return kit.NewTransportError("starttls", errors.New("relay does not offer STARTTLS"))
	}

	if ok, _ := cl.Extension("AUTH"); !ok {
		return kit.NewTransportError("auth", errors.New("relay does not offer AUTH"))
	}
	if err := cl.Auth(smtp.PlainAuth("", from.Login, from.Secret, c.cfg.RelayHost)); err != nil {
		return kit.NewTransportError("auth", err)
	}

	if err := cl.Mail(from.Login); err != nil {
		return kit.NewTransportError("mail from", err)
	}
	if err := cl.Rcpt(to); err != nil {
		return kit.NewTransportError("rcpt to", err)
	}
	w, err := cl.Data()
	if err != nil {
		return kit.NewTransportError("data", err)
	}
	if _, err := w.Write(buildMessage(from.Login, to, subject, body, c.now())); err != nil {
		_ = w.Close()
		return kit.NewTransportError("data", err)
	}
	if err := w.Close(); err != nil {
		return kit.NewTransportError("data", err)
	}
	if err := cl.Quit(); err != nil {
		return kit.NewTransportError("quit", err)
	}
	return nil
}

// buildMessage renders a single-part text/plain message. Addresses are used
// verbatim; only line breaks are removed from header values.
func buildMessage(from, to, subject, body string, date time.Time) []byte {
	var b bytes.Buffer
	writeHeader(&b, "From", from)
	writeHeader(&b, "To", to)
	writeHeader(&b, "Subject", mime.QEncoding.Encode("utf-8", headerValue(subject)))
	writeHeader(&b, "Date", date.Format(time.RFC1123Z))
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", `text/plain; charset="utf-8"`)
	writeHeader(&b, "Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

func writeHeader(b *bytes.Buffer, k, v string) {
	b.WriteString(k)
	b.WriteString(": ")
	b.WriteString(headerValue(v))
	b.WriteString("\r\n")
}

func headerValue(v string) string {
	return strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(v)
}

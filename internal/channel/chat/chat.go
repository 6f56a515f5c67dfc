// Package chat talks to an Evolution-API style messaging gateway.
//
// Credentials are fixed per Client. Gateway replies are always returned as
// data; only failing to reach the gateway is an error.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	kit "commhub/internal/transport"
	logx "commhub/pkg/logx"
)

const (
	DefaultTimeout = 15 * time.Second
	maxReplyBytes  = 1 << 20
)

type Config struct {
	BaseURL      string
	InstanceName string
	APIKey       string
	// Timeout bounds one request including reading the reply.
	Timeout time.Duration
	// RatePerSec caps requests per second; 0 disables the cap.
	RatePerSec int
}

type Client struct {
	cfg     Config
	log     logx.Logger
	http    *http.Client
	limiter *rate.Limiter
	url     string
}

var _ kit.ChatSender = (*Client)(nil)

// New validates the fixed gateway settings; a missing value is a configuration error.
func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, &kit.ConfigurationError{Field: "chat.base_url", Reason: "required"}
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, &kit.ConfigurationError{Field: "chat.base_url", Reason: err.Error()}
	}
	if strings.TrimSpace(cfg.InstanceName) == "" {
		return nil, &kit.ConfigurationError{Field: "chat.instance_name", Reason: "required"}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &kit.ConfigurationError{Field: "chat.api_key", Reason: "required"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		cfg:  cfg,
		log:  log.With(logx.String("gateway", base), logx.String("instance", cfg.InstanceName)),
		http: &http.Client{Timeout: cfg.Timeout},
		url:  base + "/message/sendText/" + url.PathEscape(cfg.InstanceName),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c, nil
}

func (c *Client) Endpoint() string { return c.url }

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText posts one message. The destination is trimmed of surrounding whitespace.
func (c *Client) SendText(ctx context.Context, number, text string) (kit.ChatReply, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return kit.ChatReply{}, kit.NewTransportError("rate limit", err)
		}
	}
	start := time.Now()
	number = strings.TrimSpace(number)

	buf, err := json.Marshal(sendTextRequest{Number: number, Text: text})
	if err != nil {
		return kit.ChatReply{}, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return kit.ChatReply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return kit.ChatReply{}, kit.NewTransportError("post", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return kit.ChatReply{}, kit.NewTransportError("read reply", err)
	}

	reply := kit.ChatReply{StatusCode: resp.StatusCode, Payload: ParseReply(raw)}
	fields := []logx.Field{
		logx.String("number", number),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
		logx.String("reply", logx.Truncate(string(raw), 600)),
	}
	if reason, rejected := reply.Rejection(); rejected {
		c.log.Debug("gateway replied with rejection", append(fields, logx.String("reason", reason))...)
	} else {
		c.log.Debug("gateway replied", fields...)
	}
	return reply, nil
}

// ParseReply decodes a gateway reply body. JSON objects are returned as is,
// other JSON values are wrapped under "data", and anything that is not JSON
// becomes {"error": "Invalid JSON response", "raw": <body>}.
func ParseReply(raw []byte) map[string]any {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() || trailingData(dec) {
		return invalidReply(raw)
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"data": v}
}

func trailingData(dec *json.Decoder) bool {
	_, err := dec.Token()
	return !errors.Is(err, io.EOF)
}

func invalidReply(raw []byte) map[string]any {
	return map[string]any{"error": kit.InvalidJSONResponse, "raw": string(raw)}
}

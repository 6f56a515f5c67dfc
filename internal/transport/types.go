package transport

import (
	"context"
	"fmt"
	"strings"
)

// Channel is the transport family used for a dispatch run.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// ParseChannel accepts the channel names used in config and on the CLI.
// "whatsapp" is kept as an alias for the chat gateway.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "email", "mail", "smtp":
		return ChannelEmail, nil
	case "chat", "whatsapp", "wa":
		return ChannelChat, nil
	default:
		return "", &ConfigurationError{Field: "channel", Reason: fmt.Sprintf("unknown channel %q (use email or chat)", s)}
	}
}

func (c Channel) Valid() bool { return c == ChannelEmail || c == ChannelChat }

// Recipient is one row of the recipient roster. Identity is the row position;
// duplicate addresses are sent to independently.
type Recipient struct {
	DisplayName    string
	ContactAddress string
	Group          string
}

// Sender is one mail account used for rotation. Secret must never be logged.
type Sender struct {
	Login  string
	Secret string
}

func (s Sender) String() string { return s.Login }

// ChatReply is the gateway's reply to one send.
//
// Payload is the decoded JSON body, or a synthetic
// {"error": "Invalid JSON response", "raw": <body>} when the body is not JSON.
type ChatReply struct {
	StatusCode int
	Payload    map[string]any
}

const InvalidJSONResponse = "Invalid JSON response"

// Rejection reports whether the reply looks like a gateway-side rejection.
// It is only consulted when strict chat mode is enabled.
func (r ChatReply) Rejection() (string, bool) {
	if r.StatusCode >= 400 {
		return fmt.Sprintf("gateway status %d%s", r.StatusCode, payloadReason(r.Payload)), true
	}
	if v, ok := r.Payload["error"]; ok && v != nil {
		if b, isBool := v.(bool); isBool && !b {
			return "", false
		}
		return fmt.Sprintf("gateway error%s", payloadReason(r.Payload)), true
	}
	return "", false
}

func payloadReason(p map[string]any) string {
	for _, k := range []string{"message", "error", "response"} {
		if v, ok := p[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && s != "" {
				return ": " + s
			}
		}
	}
	return ""
}

// EmailSender delivers one plain-text message through the mail relay.
type EmailSender interface {
	Send(ctx context.Context, from Sender, to, subject, body string) error
}

// ChatSender delivers one text message through the chat gateway.
// Gateway-side rejections are returned as data, not as errors.
type ChatSender interface {
	SendText(ctx context.Context, number, text string) (ChatReply, error)
}

// OperatorTarget addresses the operator chat that receives run reports.
type OperatorTarget struct {
	ChatID   int64
	ThreadID int
}

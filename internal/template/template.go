// Package template substitutes recipient fields into message templates.
//
// A placeholder is "{" + identifier + "}" where identifier matches
// [A-Za-z_][A-Za-z0-9_]*. Only {name} is supported. Any other brace sequence
// is literal text, so a template without placeholders renders unchanged.
package template

import (
	"strings"

	kit "commhub/internal/transport"
)

// FieldName is the only supported placeholder: the recipient's display name.
const FieldName = "name"

// DefaultBody and DefaultSubject match the prefilled form values operators are used to.
const (
	DefaultBody     = "Hello {name},\nThis is a test email from my project!"
	DefaultChatBody = "Hi {name}, this is a test WhatsApp message!"
	DefaultSubject  = "Test Email"
)

// BodyOrDefault returns tmpl, or the channel's default body when tmpl is blank.
func BodyOrDefault(ch kit.Channel, tmpl string) string {
	if strings.TrimSpace(tmpl) != "" {
		return tmpl
	}
	if ch == kit.ChannelChat {
		return DefaultChatBody
	}
	return DefaultBody
}

// SubjectOrDefault is empty for chat.
func SubjectOrDefault(ch kit.Channel, subject string) string {
	if ch != kit.ChannelEmail {
		return ""
	}
	if strings.TrimSpace(subject) != "" {
		return subject
	}
	return DefaultSubject
}

var supported = map[string]func(kit.Recipient) string{
	FieldName: func(r kit.Recipient) string { return r.DisplayName },
}

// Render replaces every placeholder in tmpl with the recipient's value.
// The name is inserted verbatim, no escaping.
func Render(tmpl string, r kit.Recipient) (string, error) {
	if !strings.Contains(tmpl, "{") {
		return tmpl, nil
	}
	var b strings.Builder
	b.Grow(len(tmpl) + len(r.DisplayName))
	rest := tmpl
	for {
		start, end, field := nextPlaceholder(rest)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		get, ok := supported[field]
		if !ok {
			return "", &kit.TemplateError{Field: field, Reason: "unsupported placeholder (only {name} is available)"}
		}
		b.WriteString(rest[:start])
		b.WriteString(get(r))
		rest = rest[end:]
	}
}

// Placeholders lists the fields referenced by tmpl, in order of appearance.
func Placeholders(tmpl string) []string {
	var out []string
	rest := tmpl
	for {
		start, end, field := nextPlaceholder(rest)
		if start < 0 {
			return out
		}
		out = append(out, field)
		rest = rest[end:]
	}
}

// Validate checks tmpl against the supported field set without rendering it.
func Validate(tmpl string) error {
	for _, f := range Placeholders(tmpl) {
		if _, ok := supported[f]; !ok {
			return &kit.TemplateError{Field: f, Reason: "unsupported placeholder (only {name} is available)"}
		}
	}
	return nil
}

// nextPlaceholder returns the byte span [start,end) of the first placeholder in s
// and its field name, or start=-1 if there is none.
func nextPlaceholder(s string) (start, end int, field string) {
	off := 0
	for {
		i := strings.IndexByte(s[off:], '{')
		if i < 0 {
			return -1, -1, ""
		}
		i += off
		j := i + 1
		for j < len(s) && isIdentByte(s[j], j == i+1) {
			j++
		}
		if j > i+1 && j < len(s) && s[j] == '}' {
			return i, j + 1, s[i+1 : j]
		}
		off = i + 1
	}
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !first
	default:
		return false
	}
}

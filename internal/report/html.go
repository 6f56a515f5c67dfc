package report

import (
	"html"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxMessageLen is Telegram's text limit for one message.
const maxMessageLen = 4096

// H is Telegram-safe HTML (ParseMode "HTML"); treat values as already escaped.
type H string

func (h H) String() string { return string(h) }

func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + string(inner) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// JoinH joins the non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) != "" {
			out = append(out, string(p))
		}
	}
	return H(strings.Join(out, sep))
}

// clipLines keeps whole lines while the total stays under limit and appends
// a marker for what was cut. Cutting between lines keeps tags balanced.
func clipLines(lines []H, limit int) []H {
	const marker = "…"
	total := 0
	for i, l := range lines {
		n := utf8.RuneCountInString(string(l)) + 1
		if total+n > limit-64 {
			rest := len(lines) - i
			return append(lines[:i:i], I(marker+" and "+strconv.Itoa(rest)+" more"))
		}
		total += n
	}
	return lines
}

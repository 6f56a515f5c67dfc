// Package report renders dispatch runs for people: a live terminal view for
// the CLI and a summary message to an operator Telegram chat.
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"commhub/internal/dispatch"
	kit "commhub/internal/transport"
)

// StatusLine is the final one-line tally shown to operators.
func StatusLine(res dispatch.Result) string {
	return fmt.Sprintf("Done! %d/%d messages sent successfully.", res.Succeeded, res.Total)
}

// FailureLine reports one recipient that was not delivered.
func FailureLine(f dispatch.Failure) string {
	return fmt.Sprintf("Failed for %s: %s", f.Recipient, f.Reason)
}

// Terminal prints progress while a run is going and a table when it ends.
// It implements dispatch.Observer.
type Terminal struct {
	mu     sync.Mutex
	w      io.Writer
	colors bool
	// Verbose prints a line for every recipient, not just failures.
	verbose bool
}

func NewTerminal(w io.Writer, colors, verbose bool) *Terminal {
	return &Terminal{w: w, colors: colors, verbose: verbose}
}

var _ dispatch.Observer = (*Terminal)(nil)

func (t *Terminal) paint(style color.Style, s string) string {
	if !t.colors {
		return s
	}
	return style.Render(s)
}

func (t *Terminal) RunStarted(runID, name string, ch kit.Channel, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	label := string(ch)
	if name != "" {
		label = name + " (" + label + ")"
	}
	fmt.Fprintf(t.w, "%s %d recipients via %s\n", t.paint(color.New(color.FgCyan, color.OpBold), "Sending"), total, label)
}

func (t *Terminal) RecipientDone(p dispatch.Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !p.OK {
		reason := "unknown error"
		if p.Err != nil {
			reason = p.Err.Error()
		}
		fmt.Fprintln(t.w, t.paint(color.New(color.FgRed), fmt.Sprintf("[%d/%d] %s", p.Index+1, p.Total, FailureLine(dispatch.Failure{Recipient: p.Recipient, Reason: reason}))))
		return
	}
	if t.verbose {
		via := ""
		if p.Sender != "" {
			via = " via " + p.Sender
		}
		fmt.Fprintf(t.w, "[%d/%d] %s %s%s\n", p.Index+1, p.Total, t.paint(color.New(color.FgGreen), "sent"), p.Recipient, via)
	}
}

func (t *Terminal) RunFinished(res dispatch.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.render(res)
}

// Render writes the run table and status line for a finished run.
func (t *Terminal) Render(res dispatch.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.render(res)
}

func (t *Terminal) render(res dispatch.Result) {
	table := tablewriter.NewWriter(t.w)
	table.SetHeader([]string{"Run", "Channel", "Total", "Attempted", "Sent", "Failed", "Took"})
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{
		shortID(res.RunID),
		string(res.Channel),
		strconv.Itoa(res.Total),
		strconv.Itoa(res.Attempted),
		strconv.Itoa(res.Succeeded),
		strconv.Itoa(res.Failed()),
		res.Duration().Round(10 * time.Millisecond).String(),
	})
	table.Render()

	if len(res.Failures) > 0 {
		ft := tablewriter.NewWriter(t.w)
		ft.SetHeader([]string{"#", "Recipient", "Reason"})
		ft.SetAutoFormatHeaders(false)
		ft.SetAutoWrapText(false)
		ft.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, f := range res.Failures {
			ft.Append([]string{strconv.Itoa(f.Index + 1), f.Recipient, f.Reason})
		}
		ft.Render()
	}

	line := StatusLine(res)
	if res.Attempted < res.Total {
		line += fmt.Sprintf(" (stopped after %d of %d)", res.Attempted, res.Total)
	}
	style := color.New(color.FgGreen, color.OpBold)
	if res.Failed() > 0 || res.Attempted < res.Total {
		style = color.New(color.FgYellow, color.OpBold)
	}
	if res.Total > 0 && res.Succeeded == 0 {
		style = color.New(color.FgRed, color.OpBold)
	}
	fmt.Fprintln(t.w, t.paint(style, line))
}

// Groups prints the distinct groups of a roster, one per line, numbered.
func Groups(w io.Writer, groups []string) {
	if len(groups) == 0 {
		fmt.Fprintln(w, "No groups found (roster has no group column or all rows are blank).")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Group"})
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for i, g := range groups {
		table.Append([]string{strconv.Itoa(i + 1), g})
	}
	table.Render()
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

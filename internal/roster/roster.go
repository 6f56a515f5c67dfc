package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/samber/lo"

	kit "commhub/internal/transport"
)

// Columns maps roster fields to CSV header names.
type Columns struct {
	Name   string
	Email  string
	Number string
	Group  string
	Login  string
	Secret string
}

// DefaultColumns are the header names of the recipients/senders sheets operators
// already keep: name,email,number,dept and email,app_password.
func DefaultColumns() Columns {
	return Columns{Name: "name", Email: "email", Number: "number", Group: "dept", Login: "email", Secret: "app_password"}
}

// WithDefaults fills empty names from DefaultColumns.
func (c Columns) WithDefaults() Columns {
	d := DefaultColumns()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = d.Name
	}
	if strings.TrimSpace(c.Email) == "" {
		c.Email = d.Email
	}
	if strings.TrimSpace(c.Number) == "" {
		c.Number = d.Number
	}
	if strings.TrimSpace(c.Group) == "" {
		c.Group = d.Group
	}
	if strings.TrimSpace(c.Login) == "" {
		c.Login = d.Login
	}
	if strings.TrimSpace(c.Secret) == "" {
		c.Secret = d.Secret
	}
	return c
}

// Table is an already-parsed CSV sheet: a header plus rows.
type Table struct {
	Source string
	header []string
	index  map[string]int
	rows   [][]string
}

// ReadTable parses CSV with a header row. Short rows are padded with empty cells.
func ReadTable(r io.Reader, source string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &kit.ConfigurationError{Field: source, Reason: "file is empty (header row required)"}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", source, err)
	}
	t := &Table{Source: source, index: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		t.header = append(t.header, h)
		if _, dup := t.index[h]; !dup {
			t.index[h] = i
		}
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source, err)
		}
		if isBlank(rec) {
			continue
		}
		for len(rec) < len(t.header) {
			rec = append(rec, "")
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

// LoadTable reads a CSV file from disk.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return ReadTable(f, path)
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Header() []string { return append([]string(nil), t.header...) }

func (t *Table) Has(col string) bool {
	_, ok := t.index[col]
	return ok
}

func (t *Table) cell(row []string, col string) string {
	i, ok := t.index[col]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (t *Table) require(cols ...string) error {
	for _, c := range cols {
		if !t.Has(c) {
			return &kit.ConfigurationError{
				Field:  t.Source,
				Reason: fmt.Sprintf("%q column not found (have %s)", c, strings.Join(t.header, ", ")),
			}
		}
	}
	return nil
}

// Roster is the recipient side of a run before group filtering.
type Roster struct {
	Recipients []kit.Recipient
	// HasGroups is false when the sheet has no group column.
	HasGroups bool
}

// Recipients materialises the recipient sheet for a channel. The contact
// address comes from the email column for email and the number column for chat.
func (t *Table) Recipients(cols Columns, ch kit.Channel) (Roster, error) {
	cols = cols.WithDefaults()
	addrCol := cols.Email
	if ch == kit.ChannelChat {
		addrCol = cols.Number
	}
	if err := t.require(cols.Name, addrCol); err != nil {
		return Roster{}, err
	}
	hasGroups := t.Has(cols.Group)
	out := make([]kit.Recipient, 0, len(t.rows))
	for _, row := range t.rows {
		r := kit.Recipient{
			DisplayName:    t.cell(row, cols.Name),
			ContactAddress: t.cell(row, addrCol),
		}
		if hasGroups {
			r.Group = strings.TrimSpace(t.cell(row, cols.Group))
		}
		out = append(out, r)
	}
	return Roster{Recipients: out, HasGroups: hasGroups}, nil
}

// Senders materialises the sender sheet in file order.
func (t *Table) Senders(cols Columns) ([]kit.Sender, error) {
	cols = cols.WithDefaults()
	if err := t.require(cols.Login, cols.Secret); err != nil {
		return nil, err
	}
	return lo.Map(t.rows, func(row []string, _ int) kit.Sender {
		return kit.Sender{Login: strings.TrimSpace(t.cell(row, cols.Login)), Secret: t.cell(row, cols.Secret)}
	}), nil
}

// Groups lists the distinct non-empty groups, sorted.
func (r Roster) Groups() []string {
	if !r.HasGroups {
		return nil
	}
	groups := lo.Uniq(lo.Compact(lo.Map(r.Recipients, func(rc kit.Recipient, _ int) string { return rc.Group })))
	sort.Strings(groups)
	return groups
}

// FilterMode tells the caller how a group selection was applied.
type FilterMode int

const (
	FilterApplied FilterMode = iota
	// FilterNoSelection: nothing was selected, so everyone is included.
	FilterNoSelection
	// FilterNoGroupColumn: the sheet has no group column, so everyone is included.
	FilterNoGroupColumn
)

func (m FilterMode) String() string {
	switch m {
	case FilterApplied:
		return "applied"
	case FilterNoSelection:
		return "no_selection"
	case FilterNoGroupColumn:
		return "no_group_column"
	default:
		return "unknown"
	}
}

// Filter keeps recipients whose group is selected, preserving roster order.
// Rows without a group never match an explicit selection.
func (r Roster) Filter(groups []string) ([]kit.Recipient, FilterMode) {
	all := append([]kit.Recipient(nil), r.Recipients...)
	if !r.HasGroups {
		return all, FilterNoGroupColumn
	}
	selected := lo.Compact(lo.Map(groups, func(g string, _ int) string { return strings.TrimSpace(g) }))
	if len(selected) == 0 {
		return all, FilterNoSelection
	}
	return lo.Filter(all, func(rc kit.Recipient, _ int) bool {
		return rc.Group != "" && lo.Contains(selected, rc.Group)
	}), FilterApplied
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

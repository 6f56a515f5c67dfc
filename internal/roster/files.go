package roster

import (
	"strings"

	kit "commhub/internal/transport"
)

// Files points at the recipient and sender sheets on disk. Each Load re-reads
// them, so edits between scheduled runs are picked up.
type Files struct {
	Recipients string
	Senders    string
	Columns    Columns
}

// Load reads the recipient sheet for ch, and the sender sheet when ch is email.
func (f Files) Load(ch kit.Channel) (Roster, []kit.Sender, error) {
	if strings.TrimSpace(f.Recipients) == "" {
		return Roster{}, nil, &kit.ConfigurationError{Field: "roster.recipients", Reason: "path required"}
	}
	rt, err := LoadTable(f.Recipients)
	if err != nil {
		return Roster{}, nil, err
	}
	r, err := rt.Recipients(f.Columns, ch)
	if err != nil {
		return Roster{}, nil, err
	}
	if ch != kit.ChannelEmail {
		return r, nil, nil
	}
	if strings.TrimSpace(f.Senders) == "" {
		return Roster{}, nil, &kit.ConfigurationError{Field: "roster.senders", Reason: "path required for the email channel"}
	}
	st, err := LoadTable(f.Senders)
	if err != nil {
		return Roster{}, nil, err
	}
	senders, err := st.Senders(f.Columns)
	if err != nil {
		return Roster{}, nil, err
	}
	return r, senders, nil
}

package dispatch

import kit "commhub/internal/transport"

// Rotator hands out sender identities round-robin.
//
// It owns a copy of the pool plus a cursor. One Rotator per run; it is not
// safe for concurrent use.
type Rotator struct {
	pool []kit.Sender
	next int
}

// NewRotator fails with a ConfigurationError when the pool is empty.
func NewRotator(senders []kit.Sender) (*Rotator, error) {
	if len(senders) == 0 {
		return nil, &kit.ConfigurationError{Field: "senders", Reason: "sender pool is empty"}
	}
	pool := make([]kit.Sender, len(senders))
	copy(pool, senders)
	return &Rotator{pool: pool}, nil
}

// Next returns the sender at the cursor and advances it, wrapping after the last.
func (r *Rotator) Next() kit.Sender {
	s := r.pool[r.next]
	r.next = (r.next + 1) % len(r.pool)
	return s
}

func (r *Rotator) Len() int { return len(r.pool) }

package dispatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	kit "commhub/internal/transport"
)

func senders(n int) []kit.Sender {
	out := make([]kit.Sender, n)
	for i := range out {
		out[i] = kit.Sender{Login: fmt.Sprintf("s%d@example.com", i+1), Secret: "pw"}
	}
	return out
}

func TestRotatorWrapsAfterPool(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 3, 7} {
		n := n
		t.Run(fmt.Sprintf("pool_%d", n), func(t *testing.T) {
			r, err := NewRotator(senders(n))
			require.NoError(t, err)
			require.Equal(t, n, r.Len())

			first := r.Next()
			for i := 1; i < n; i++ {
				r.Next()
			}
			require.Equal(t, first, r.Next(), "call %d must return the first identity again", n+1)
		})
	}
}

func TestRotatorCopiesPool(t *testing.T) {
	t.Parallel()
	pool := senders(2)
	r, err := NewRotator(pool)
	require.NoError(t, err)
	pool[0].Login = "mutated@example.com"
	require.Equal(t, "s1@example.com", r.Next().Login)
}

func TestRotatorEmptyPool(t *testing.T) {
	t.Parallel()
	r, err := NewRotator(nil)
	require.Nil(t, r)
	require.True(t, kit.IsConfiguration(err))
}

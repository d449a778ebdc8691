package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a, b := New(), New()

	require.NotEqual(t, a, b)
	require.True(t, Valid(a))
	require.True(t, Valid("00000000-0000-0001-0000-000000000000"))
	require.False(t, Valid("not-a-uuid"))
	require.False(t, Valid("urn:uuid:"+a))
}

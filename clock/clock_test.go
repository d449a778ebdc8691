package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockedClock(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	clock, mock := NewMockedClock(start)

	mock.Advance(time.Minute)

	require.Equal(t, start.Add(time.Minute), clock.Now())
	require.Equal(t, time.Minute, clock.Since(start))

	mock.SetNowTime(start)
	require.Equal(t, start, clock.Now())
}

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleNext(t *testing.T) {
	s := Schedule{60, 300, 900, 3600}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 300 * time.Second},
		{2, 900 * time.Second},
		{3, 3600 * time.Second},
		{4, 3600 * time.Second}, // saturates at the last entry
		{100, 3600 * time.Second},
		{-1, 60 * time.Second},
	}

	for _, c := range cases {
		require.Equal(t, c.want, s.Next(c.attempts))
	}
}

func TestScheduleNextEmpty(t *testing.T) {
	var s Schedule
	require.Equal(t, time.Duration(0), s.Next(3))
}

func TestScheduleNextAttempt(t *testing.T) {
	s := Schedule{60}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, now.Add(60*time.Second), s.NextAttempt(now, 0))
}

package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2025, time.September, 14, 9, 0, 0, 0, time.UTC)
	clock := NewFake(start)
	require.Equal(t, start, clock.Now())

	clock.Advance(90 * time.Minute)
	require.Equal(t, start.Add(90*time.Minute), clock.Now())
}

func TestParseLocal(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		input  string
		expect time.Time
		ok     bool
	}{
		{
			input:  "2025-09-15T09:00:00",
			expect: time.Date(2025, time.September, 15, 9, 0, 0, 0, loc),
			ok:     true,
		},
		{
			input:  "2025-09-15T09:00:00Z",
			expect: time.Date(2025, time.September, 15, 9, 0, 0, 0, time.UTC),
			ok:     true,
		},
		{
			input:  "09/15/2025 06:30 PM",
			expect: time.Date(2025, time.September, 15, 18, 30, 0, 0, loc),
			ok:     true,
		},
		{
			input: "next tuesday",
			ok:    false,
		},
	}

	for _, test := range cases {
		result, ok := ParseLocal(test.input, loc)
		require.Equal(t, test.ok, ok, test.input)
		if test.ok {
			require.True(t, test.expect.Equal(result), "%s: expected %v got %v", test.input, test.expect, result)
		}
	}
}

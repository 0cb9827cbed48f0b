package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	table := []struct {
		input    string
		expected string
	}{
		{input: "OK", expected: "ok"},
		{input: "  Message\n\t Sent  ", expected: "message sent"},
		{input: "Follow-Up   Saved", expected: "follow-up saved"},
	}

	for _, row := range table {
		require.Equal(t, row.expected, Normalize(row.input))
	}
}

func TestContainsAny(t *testing.T) {
	body := "<div class=\"alert\">Jane Doe\n   has been   TEXTED.</div>"

	marker, ok := ContainsAny(body, []string{"has been emailed", "has been texted"})
	require.True(t, ok)
	require.Equal(t, "has been texted", marker)

	_, ok = ContainsAny(body, []string{"", "message sent"})
	require.False(t, ok)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", Truncate("abc", 5))
	require.Equal(t, "abcde...", Truncate("abcdefgh", 5))
}

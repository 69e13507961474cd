package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlayers(t *testing.T) {
	tests := []struct {
		name  string
		input string
		count int
		names []string
	}{
		{
			name:  "listing",
			input: "Online players (2):\n  alice (online)\n  bob (online)\n",
			count: 2,
			names: []string{"alice", "bob"},
		},
		{
			name:  "empty server",
			input: "Online players (0):",
			count: 0,
			names: []string{},
		},
		{
			name:  "crlf and no suffix",
			input: "Players (1):\r\n  carol\r\n",
			count: 1,
			names: []string{"carol"},
		},
		{
			name:  "count without names",
			input: "Online players (3):",
			count: 3,
			names: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePlayers(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.count, p.Count)
			assert.Equal(t, tt.names, p.Names)
		})
	}
}

func TestParsePlayers_UnexpectedFormat(t *testing.T) {
	_, err := ParsePlayers("Unknown command \"players\".")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedFormat)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, MetricPlayers, pe.Metric)
}

func TestParseTick(t *testing.T) {
	v, err := ParseTick("\n 123456 \n")
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), v)

	for _, bad := range []string{"", "-5", "12.5", "tick: 10"} {
		_, err := ParseTick(bad)
		assert.ErrorIs(t, err, ErrUnexpectedFormat, "input %q", bad)
	}
}

func TestParseFloat(t *testing.T) {
	v, err := ParseFloat(MetricEvolution, "0.4213\n")
	require.NoError(t, err)
	assert.InDelta(t, 0.4213, v, 1e-12)

	for _, bad := range []string{"", "NaN", "+Inf", "high"} {
		_, err := ParseFloat(MetricEvolution, bad)
		assert.ErrorIs(t, err, ErrUnexpectedFormat, "input %q", bad)
	}
}

func TestParseError_TruncatesInput(t *testing.T) {
	err := &ParseError{Metric: MetricTick, Input: strings.Repeat("x", 200), Err: ErrUnexpectedFormat}
	assert.Less(t, len(err.Error()), 150)
	assert.Contains(t, err.Error(), "...")
}

package metrics

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Metric names used in ParseError, logs and Engine.Series.
const (
	MetricPlayers   = "players"
	MetricTick      = "tick"
	MetricEvolution = "evolution"
	MetricUPS       = "ups"
)

// ErrUnexpectedFormat is wrapped by ParseError when a response has no recognizable value.
var ErrUnexpectedFormat = errors.New("unexpected response format")

// ParseError reports that one metric could not be read from a response.
// It degrades that field of a snapshot and nothing else.
type ParseError struct {
	Metric string
	Input  string
	Err    error
}

func (e *ParseError) Error() string {
	input := e.Input
	if len(input) > 64 {
		input = input[:64] + "..."
	}
	return fmt.Sprintf("parse %s from %q: %v", e.Metric, input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

var playersHeader = regexp.MustCompile(`(?i)players\s*\((\d+)\)`)

// Players is the parsed player listing.
type Players struct {
	Count int
	Names []string
}

// ParsePlayers reads a listing of the form
//
//	Online players (2):
//	  alice (online)
//	  bob (online)
//
// The count comes from the header; name lines are optional.
func ParsePlayers(output string) (Players, error) {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")

	headerAt := -1
	count := 0
	for i, line := range lines {
		if m := playersHeader.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return Players{}, &ParseError{Metric: MetricPlayers, Input: output, Err: err}
			}
			headerAt, count = i, n
			break
		}
	}
	if headerAt < 0 {
		return Players{}, &ParseError{Metric: MetricPlayers, Input: output, Err: ErrUnexpectedFormat}
	}

	names := make([]string, 0, count)
	for _, line := range lines[headerAt+1:] {
		name := strings.TrimSpace(line)
		name = strings.TrimSuffix(name, "(online)")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	return Players{Count: count, Names: names}, nil
}

// ParseTick reads a non-negative integer tick counter from the first non-empty line.
func ParseTick(output string) (uint64, error) {
	line := firstLine(output)
	v, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, &ParseError{Metric: MetricTick, Input: output, Err: errors.Join(ErrUnexpectedFormat, err)}
	}
	return v, nil
}

// ParseFloat reads a finite number from the first non-empty line.
func ParseFloat(metric, output string) (float64, error) {
	line := firstLine(output)
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, &ParseError{Metric: metric, Input: output, Err: errors.Join(ErrUnexpectedFormat, err)}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ParseError{Metric: metric, Input: output, Err: ErrUnexpectedFormat}
	}
	return v, nil
}

func firstLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			return s
		}
	}
	return ""
}

package broker

import (
	"strconv"
	"strings"
)

// TimeframeMinutes parses a canonical timeframe ("5m", "25m", "1h", "1d")
// into its length in minutes. Returns 0 for anything unparseable; the
// caller decides whether that is an error.
func TimeframeMinutes(tf string) int {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if tf == "" {
		return 0
	}
	unit := tf[len(tf)-1]
	num, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || num <= 0 {
		return 0
	}
	switch unit {
	case 'm':
		return num
	case 'h':
		return num * 60
	case 'd':
		return num * 1440
	default:
		return 0
	}
}

// SnapMinutes picks the entry of supported closest to want, preferring the
// smaller candidate on a tie so a snapped series never has fewer bars than
// the caller asked the canonical timeframe for. supported must be sorted
// ascending and non-empty.
func SnapMinutes(want int, supported []int) int {
	if want <= 0 || len(supported) == 0 {
		return 0
	}
	best := supported[0]
	for _, s := range supported {
		d, bd := diff(want, s), diff(want, best)
		if d < bd || (d == bd && s < best) {
			best = s
		}
	}
	return best
}

func diff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

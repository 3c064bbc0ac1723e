// Package timeparse implements the permissive duration parser used for
// options such as zeroconf-connections-persistence: it accepts forms like
// "72hours", "1:24", "1.2 minutes", and signed variants, returning seconds
// as a float64.
package timeparse

import (
	"regexp"
	"strconv"
	"strings"
)

// unit multipliers, in seconds.
var units = map[string]float64{
	"s": 1, "sec": 1, "secs": 1, "second": 1, "seconds": 1,
	"m": 60, "min": 60, "mins": 60, "minute": 60, "minutes": 60,
	"h": 3600, "hr": 3600, "hrs": 3600, "hour": 3600, "hours": 3600,
	"d": 86400, "day": 86400, "days": 86400,
	"w": 604800, "week": 604800, "weeks": 604800,
}

var tokenRe = regexp.MustCompile(`(?i)([0-9]*\.?[0-9]+)\s*([a-z]*)`)

var leadsWithDigit = regexp.MustCompile(`^[0-9.]`)

// secClockRe matches a bare ":SS" form (seconds only).
var secClockRe = regexp.MustCompile(`^:(\d+(?:\.\d+)?)$`)

// minClockRe matches "M:SS" (minutes:seconds).
var minClockRe = regexp.MustCompile(`^(\d{1,2}):(\d{1,2}(?:\.\d+)?)$`)

// hourClockRe matches "H:MM:SS" (hours:minutes:seconds).
var hourClockRe = regexp.MustCompile(`^(\d+):(\d{1,2}):(\d{1,2}(?:\.\d+)?)$`)

// Parse parses s into a number of seconds, or returns (0, false) if s
// cannot be interpreted. A leading '+' or '-' sign is honored.
func Parse(s string) (float64, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, false
	}

	sign := 1.0
	rest := trimmed
	if strings.HasPrefix(rest, "+") {
		rest = strings.TrimSpace(rest[1:])
	} else if strings.HasPrefix(rest, "-") {
		sign = -1
		rest = strings.TrimSpace(rest[1:])
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return 0, false
	}

	// Plain numeric literal.
	if v, err := strconv.ParseFloat(rest, 64); err == nil {
		return sign * v, true
	}

	if m := secClockRe.FindStringSubmatch(rest); m != nil {
		secs, _ := strconv.ParseFloat(m[1], 64)
		return sign * secs, true
	}
	if m := minClockRe.FindStringSubmatch(rest); m != nil {
		mins, _ := strconv.ParseFloat(m[1], 64)
		secs, _ := strconv.ParseFloat(m[2], 64)
		return sign * (mins*60 + secs), true
	}
	if m := hourClockRe.FindStringSubmatch(rest); m != nil {
		hours, _ := strconv.ParseFloat(m[1], 64)
		mins, _ := strconv.ParseFloat(m[2], 64)
		secs, _ := strconv.ParseFloat(m[3], 64)
		return sign * (hours*3600 + mins*60 + secs), true
	}

	if !leadsWithDigit.MatchString(rest) {
		return 0, false
	}

	matches := tokenRe.FindAllStringSubmatch(rest, -1)
	if len(matches) == 0 {
		return 0, false
	}

	total := 0.0
	for _, m := range matches {
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		unit := strings.ToLower(strings.TrimSpace(m[2]))
		if unit == "" {
			if len(matches) != 1 {
				return 0, false
			}
			total += value
			continue
		}
		mult, ok := units[unit]
		if !ok {
			return 0, false
		}
		total += value * mult
	}

	return sign * total, true
}

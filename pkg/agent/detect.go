package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// defaultRateLimitPatterns match the signatures the common tools print when
// they hit their provider's limits. Profiles may add their own on top.
var defaultRateLimitPatterns = []string{
	`(?i)rate.?limit`,
	`(?i)too many requests`,
	`(?i)\b429\b`,
	`(?i)quota (?:exceeded|exhausted)`,
	`(?i)usage limit reached`,
	`(?i)overloaded`,
}

// defaultResetPatterns extract the reset instant from a rate-limit message.
// Each pattern carries exactly one capture group.
var defaultResetPatterns = []string{
	`(?i)try again (?:at|after)[:\s]+(.+?)\.?\s*$`,
	`(?i)resets? at[:\s]+(.+?)\.?\s*$`,
	`(?i)resets? in[:\s]+([0-9][0-9a-z ]*?)\.?\s*$`,
	`(?i)retry after[:\s]+([0-9]+ ?[a-z]*)`,
}

// relativePattern parses captures like "90 seconds" or "2 h".
var relativePattern = regexp.MustCompile(`^([0-9]+)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h)?$`)

// clockLayouts are the bare clock-time forms tools print, tried in order.
var clockLayouts = []string{"3:04pm", "3:04 pm", "15:04", "3pm"}

// Detector runs rate-limit and completion detection over captured output.
// One Detector is built per agent from its profile patterns plus the shared
// defaults.
type Detector struct {
	limitPatterns []*regexp.Regexp
	resetPatterns []*regexp.Regexp
	markers       []string
	now           func() time.Time
}

// NewDetector compiles the given patterns on top of the built-in defaults.
// markers are literal substrings that signal run completion.
func NewDetector(limitPatterns, resetPatterns, markers []string) (*Detector, error) {
	d := &Detector{now: time.Now}

	for _, src := range append(append([]string{}, defaultRateLimitPatterns...), limitPatterns...) {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("rate-limit pattern %q: %w", src, err)
		}
		d.limitPatterns = append(d.limitPatterns, re)
	}
	for _, src := range append(append([]string{}, defaultResetPatterns...), resetPatterns...) {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("reset-time pattern %q: %w", src, err)
		}
		if re.NumSubexp() != 1 {
			return nil, fmt.Errorf("reset-time pattern %q: need exactly one capture group", src)
		}
		d.resetPatterns = append(d.resetPatterns, re)
	}
	d.markers = append(d.markers, markers...)

	return d, nil
}

// DetectRateLimit scans output line by line for a rate-limit signature. On a
// hit it also tries to extract a reset instant from anywhere in the output.
func (d *Detector) DetectRateLimit(output string) RateLimitInfo {
	info := RateLimitInfo{}

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, re := range d.limitPatterns {
			if re.MatchString(trimmed) {
				info.Limited = true
				info.Message = trimmed
				break
			}
		}
		if info.Limited {
			break
		}
	}
	if !info.Limited {
		return info
	}

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, re := range d.resetPatterns {
			m := re.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}
			if at, ok := parseResetInstant(m[1], d.now()); ok {
				info.ResetTime = &at
				return info
			}
		}
	}
	return info
}

// DetectCompletion reports whether any completion marker appears in output.
func (d *Detector) DetectCompletion(output string) bool {
	for _, marker := range d.markers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// parseResetInstant turns a captured reset expression into an absolute time.
// Accepted forms: RFC 3339, unix epoch seconds, Go durations, "<n> <unit>"
// relative expressions, and bare clock times (next occurrence, local).
func parseResetInstant(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "."))
	if raw == "" {
		return time.Time{}, false
	}

	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at, true
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 1_000_000_000 {
		return time.Unix(secs, 0), true
	}

	if m := relativePattern.FindStringSubmatch(strings.ToLower(raw)); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			unit := time.Second
			switch {
			case strings.HasPrefix(m[2], "m"):
				unit = time.Minute
			case strings.HasPrefix(m[2], "h"):
				unit = time.Hour
			}
			return now.Add(time.Duration(n) * unit), true
		}
	}

	if d, err := time.ParseDuration(strings.ReplaceAll(strings.ToLower(raw), " ", "")); err == nil && d > 0 {
		return now.Add(d), true
	}

	lowered := strings.ToLower(raw)
	for _, layout := range clockLayouts {
		clock, err := time.Parse(layout, lowered)
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(),
			clock.Hour(), clock.Minute(), 0, 0, now.Location())
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return at, true
	}

	return time.Time{}, false
}

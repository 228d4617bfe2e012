package security

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Input sanitizer: user text that ends up in the decision bundle
// ---------------------------------------------------------------------------

// SanitizeResult holds the outcome of a sanitization check.
type SanitizeResult struct {
	Clean       string
	WasModified bool
	Warnings    []string
	Blocked     bool
	BlockReason string
}

// Sanitizer cleans goals, clarification answers and event payloads before
// they are persisted and rendered into oracle prompts. Injection patterns
// only produce warnings; the text is still accepted.
type Sanitizer struct {
	maxInputLength int
	patterns       []*regexp.Regexp
}

// DefaultMaxInputLength bounds a single user-supplied field.
const DefaultMaxInputLength = 20000

var injectionPatterns = []string{
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,
	`(?i)disregard\s+(all\s+)?(previous|prior|above)`,
	`(?i)you\s+are\s+now\s+(a|an|the)\s+`,
	`(?i)(show|reveal|print)\s+(your\s+)?(system\s+prompt|instructions)`,
	`(?i)<\/?system>`,
	`(?i)\[INST\]|\[\/INST\]`,
	// Attempts to dictate the orchestrator's own action choice.
	`(?i)(call|invoke|use)\s+(the\s+)?(evaluate_completion|mark_step_complete)\b`,
	`(?i)mark\s+(the\s+)?(task|goal)\s+(as\s+)?(complete|done)`,
}

// NewSanitizer creates a Sanitizer. maxLen <= 0 selects DefaultMaxInputLength.
func NewSanitizer(maxLen int) *Sanitizer {
	if maxLen <= 0 {
		maxLen = DefaultMaxInputLength
	}
	s := &Sanitizer{maxInputLength: maxLen}
	for _, p := range injectionPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(p))
	}
	return s
}

// Sanitize checks and cleans an input string.
func (s *Sanitizer) Sanitize(input string) SanitizeResult {
	result := SanitizeResult{Clean: input}

	if !utf8.ValidString(input) {
		result.Clean = strings.ToValidUTF8(input, "")
		result.WasModified = true
		result.Warnings = append(result.Warnings, "invalid UTF-8 sequences removed")
	}

	cleaned := strings.TrimSpace(stripControlChars(result.Clean))
	if cleaned != result.Clean {
		result.Clean = cleaned
		result.WasModified = true
	}

	if result.Clean == "" {
		result.Blocked = true
		result.BlockReason = "input is empty"
		return result
	}
	if len(result.Clean) > s.maxInputLength {
		result.Blocked = true
		result.BlockReason = fmt.Sprintf("input exceeds maximum length (%d > %d)", len(result.Clean), s.maxInputLength)
		return result
	}

	for _, re := range s.patterns {
		if m := re.FindString(result.Clean); m != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("potential prompt injection: %q", m))
		}
	}
	return result
}

// stripControlChars removes ASCII control characters except \n, \r and \t.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Rate limiter: per-key sliding window
// ---------------------------------------------------------------------------

// RateLimiter bounds how often one key (a task id for external events) may
// trigger work inside a sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	windows  map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter allows limit events per key per interval.
func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		interval: interval,
		windows:  make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records one event for key and reports whether it is within the limit.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.interval)
	ts := rl.windows[key]
	keep := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	if len(keep) >= rl.limit {
		rl.windows[key] = keep
		return false
	}
	rl.windows[key] = append(keep, now)
	return true
}

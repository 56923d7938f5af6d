package policy

import (
	"strings"
	"unicode"
)

// CallerPolicy decides once, at call start, whether a caller may connect.
type CallerPolicy interface {
	Allow(callerID string) bool
}

// AllowAll admits every caller.
type AllowAll struct{}

func (AllowAll) Allow(string) bool { return true }

// Allowlist admits only listed caller numbers. Entries and caller ids are
// compared on their digits, so "+1 (555) 123-0000" matches "+15551230000".
// A trailing "*" entry matches any number with that prefix.
type Allowlist struct {
	exact    map[string]struct{}
	prefixes []string
}

func NewAllowlist(entries []string) *Allowlist {
	a := &Allowlist{exact: make(map[string]struct{}, len(entries))}
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.HasSuffix(raw, "*") {
			if p := normalizeNumber(strings.TrimSuffix(raw, "*")); p != "" {
				a.prefixes = append(a.prefixes, p)
			}
			continue
		}
		if n := normalizeNumber(raw); n != "" {
			a.exact[n] = struct{}{}
		}
	}
	return a
}

func (a *Allowlist) Allow(callerID string) bool {
	n := normalizeNumber(callerID)
	if n == "" {
		return false
	}
	if _, ok := a.exact[n]; ok {
		return true
	}
	for _, p := range a.prefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

// NewCallerPolicy returns AllowAll for an empty list.
func NewCallerPolicy(entries []string) CallerPolicy {
	a := NewAllowlist(entries)
	if len(a.exact) == 0 && len(a.prefixes) == 0 {
		return AllowAll{}
	}
	return a
}

// MaskCallerID keeps the last four digits for logs.
func MaskCallerID(callerID string) string {
	n := normalizeNumber(callerID)
	if len(n) <= 4 {
		return strings.Repeat("*", len(n))
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}

func normalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package moderation

import "strings"

// Whitelist holds model patterns that bypass review entirely. A pattern
// is either an exact model name or a prefix glob like "gpt-4*".
type Whitelist struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewWhitelist compiles patterns. Blank entries are dropped.
func NewWhitelist(patterns []string) *Whitelist {
	w := &Whitelist{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			w.prefixes = append(w.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		w.exact[p] = struct{}{}
	}
	return w
}

// Matches reports whether model is exempt from review.
func (w *Whitelist) Matches(model string) bool {
	if _, ok := w.exact[model]; ok {
		return true
	}
	for _, prefix := range w.prefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

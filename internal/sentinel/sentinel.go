// Package sentinel implements the soft-failure keyword scan (§4.3): a
// response with a 2xx status can still indicate an upstream failure (e.g.
// "insufficient quota") buried in its body text. Grounded on api.py's
// full_response_text.lower() scan against failure_keywords.
package sentinel

import "strings"

// Scanner holds the active ErrorKeyword list, lowercased once up front so
// every scan is a plain substring check.
type Scanner struct {
	keywords []string
}

func NewScanner(keywords []string) *Scanner {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return &Scanner{keywords: lowered}
}

// Matches reports whether body (not yet lowercased) contains any active
// keyword, and which keyword matched first.
func (s *Scanner) Matches(body string) (string, bool) {
	lower := strings.ToLower(body)
	for _, kw := range s.keywords {
		if kw != "" && strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

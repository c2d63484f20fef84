package selector

import "strings"

// ResolveGroup applies the §4.5 authorization pre-filter in rule order:
// exact match; then an authorized "X/Y" name matching the request model on
// either side of the slash; then the two declared alias rewrites. First
// match wins. Returns the matched group name, or ok=false (→ 403 by the caller).
func ResolveGroup(authorizedGroups []string, requestedModel string) (string, bool) {
	for _, g := range authorizedGroups {
		if g == requestedModel {
			return g, true
		}
	}

	for _, g := range authorizedGroups {
		if idx := strings.IndexByte(g, '/'); idx >= 0 {
			suffix := g[idx+1:]
			if suffix == requestedModel || g == requestedModel {
				return g, true
			}
		}
		if strings.HasSuffix(g, "/"+requestedModel) || strings.HasSuffix(requestedModel, "/"+g) {
			return g, true
		}
	}

	rewrites := []struct {
		old string
		new string
	}{
		{"claude-", "anthropic/"},
		{"gpt-", "openai/"},
	}
	for _, r := range rewrites {
		candidate := strings.ReplaceAll(requestedModel, r.old, r.new)
		if candidate == requestedModel {
			continue
		}
		for _, g := range authorizedGroups {
			if g == candidate {
				return g, true
			}
		}
	}

	return "", false
}

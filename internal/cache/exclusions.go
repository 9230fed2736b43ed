package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides whether a request bypasses the cache. A request is
// excluded when its model equals an exact rule, its model matches a regex
// rule, or its agent type is listed.
//
// A nil *ExclusionList never matches.
type ExclusionList struct {
	models   map[string]struct{}
	patterns []*regexp.Regexp
	agents   map[string]struct{}
}

// NewExclusionList compiles the given rules. An invalid pattern is an error so
// misconfiguration surfaces at startup.
func NewExclusionList(models, patterns, agents []string) (*ExclusionList, error) {
	el := &ExclusionList{
		models: toSet(models),
		agents: toSet(agents),
	}

	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.patterns = append(el.patterns, re)
	}

	return el, nil
}

func toSet(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

// Matches reports whether a request for model issued by agentType must skip
// the cache.
func (el *ExclusionList) Matches(model, agentType string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.agents[agentType]; ok && agentType != "" {
		return true
	}
	if _, ok := el.models[model]; ok {
		return true
	}
	for _, re := range el.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len returns the total number of rules.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.models) + len(el.patterns) + len(el.agents)
}

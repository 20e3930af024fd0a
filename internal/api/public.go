package api

import (
	"fmt"
	"regexp"
	"strings"
)

// PublicPaths is the allow-list of endpoints readable without a login.
// A 401 on a matching path is an ordinary failure for the caller: it never
// clears state or asks for reauthentication.
type PublicPaths struct {
	patterns []*regexp.Regexp
}

// NewPublicPaths compiles the given patterns. Each is matched against the
// request path without its query string.
func NewPublicPaths(patterns []string) (*PublicPaths, error) {
	p := &PublicPaths{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid public path pattern %q: %w", pattern, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// Match reports whether path is public
func (p *PublicPaths) Match(path string) bool {
	if p == nil {
		return false
	}
	path, _, _ = strings.Cut(path, "?")
	for _, re := range p.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

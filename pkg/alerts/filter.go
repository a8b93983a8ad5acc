package alerts

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter matches server types against glob patterns. An empty filter
// matches every server.
type Filter struct {
	patterns []glob.Glob
}

func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{patterns: make([]glob.Glob, 0, len(patterns))}
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid server type pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
	}
	return f, nil
}

func (f *Filter) Match(serverType string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(serverType) {
			return true
		}
	}
	return false
}

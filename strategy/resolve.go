package strategy

import (
	"strings"
)

// ExtensionPlaceholder prefixes URLs that point at pages bundled with the
// automation rather than at a real site.
const ExtensionPlaceholder = "chrome-extension://__MSG_@@extension_id__/"

// Environment holds what's needed to turn a strategy template into one
// that can run here.
type Environment struct {
	// BaseURL is where bundled pages are served from.
	BaseURL string
}

// Resolve returns a copy of s with every GOTO URL that starts with
// ExtensionPlaceholder rebased on env.BaseURL. s itself is not modified.
func Resolve(s Strategy, env Environment) Strategy {
	c := s.Clone()
	if env.BaseURL == "" {
		return c
	}
	base := strings.TrimSuffix(env.BaseURL, "/") + "/"
	for i, step := range c.Steps {
		if step.Action != ActionGoto || !step.Params.URL.Valid {
			continue
		}
		if rest, ok := strings.CutPrefix(step.Params.URL.String, ExtensionPlaceholder); ok {
			c.Steps[i].Params.URL.SetValid(base + rest)
		}
	}
	return c
}

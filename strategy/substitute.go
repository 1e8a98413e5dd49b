package strategy

import (
	"regexp"
)

var placeholderRe = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Substitute replaces every {{key}} in text with vars[key]. Keys that are
// missing or empty are left as they are.
func Substitute(text string, vars Vars) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if v := vars[key]; v != "" {
			return v
		}
		return m
	})
}

// Unresolved returns the keys in text that vars can't fill.
func Unresolved(text string, vars Vars) []string {
	var keys []string
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if vars[m[1]] == "" {
			keys = append(keys, m[1])
		}
	}
	return keys
}

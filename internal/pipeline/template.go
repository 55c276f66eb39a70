package pipeline

import (
	"errors"
	"fmt"
	"regexp"
)

// errTemplate marks rendering failures, which are configuration mistakes
// rather than recoverable stage failures.
var errTemplate = errors.New("template error")

var placeholderRe = regexp.MustCompile(`\{([a-z_]+)\}`)

// renderTemplate substitutes {name} placeholders from vars. An unknown
// placeholder fails the render rather than passing through silently.
func renderTemplate(template string, vars map[string]string) (string, error) {
	var unknown string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			if unknown == "" {
				unknown = name
			}
			return m
		}
		return v
	})
	if unknown != "" {
		return "", fmt.Errorf("%w: unknown placeholder {%s}", errTemplate, unknown)
	}
	return out, nil
}

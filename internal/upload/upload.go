// Package upload decides whether an inbound filename is acceptable and
// turns it into a name that is safe to use on disk.
package upload

import (
	"regexp"
	"slices"
	"strings"
)

// DefaultExtensions are the image extensions accepted when none are configured.
var DefaultExtensions = []string{"png", "jpg", "jpeg", "gif"}

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Allowed reports whether name carries one of the allowed extensions.
// The comparison is done on the lowercased suffix after the last dot.
func Allowed(name string, exts []string) bool {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return false
	}
	return slices.Contains(exts, strings.ToLower(name[i+1:]))
}

// Sanitize strips path separators and unsafe characters from name.
// Separators become spaces, runs of whitespace collapse to a single
// underscore, anything outside [A-Za-z0-9_.-] is dropped and leading or
// trailing dots and underscores are trimmed. The result may be empty.
func Sanitize(name string) string {
	name = strings.NewReplacer("/", " ", `\`, " ").Replace(name)
	name = whitespace.ReplaceAllString(strings.TrimSpace(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

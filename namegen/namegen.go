// Package namegen makes readable unique suffixes for backend resource names.
package namegen

import (
	"strings"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

// Suffix returns a random lowercase word pair such as "brave_turing",
// with '-' as separator so that it is valid in container, key and
// instance names.
func Suffix() string {
	return strings.ToLower(strings.ReplaceAll(gen.Get(), "_", "-"))
}

// Name joins parts and a random suffix with '-'. Empty parts are skipped.
func Name(parts ...string) string {
	kept := make([]string, 0, len(parts)+1)
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(append(kept, Suffix()), "-")
}

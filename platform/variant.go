package platform

import (
	"fmt"
	"strings"
)

// Variant is the edition of DC/OS installed on a cluster.
type Variant string

const (
	// Auto asks the installer orchestrator to detect the variant from the installer itself.
	Auto       Variant = "auto"
	Community  Variant = "community"
	Enterprise Variant = "enterprise"
)

// ParseVariant accepts the label and flag spellings of a variant, including
// the historical "oss" alias for the community edition.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return Auto, nil
	case "community", "oss":
		return Community, nil
	case "enterprise", "ee":
		return Enterprise, nil
	default:
		return "", fmt.Errorf("unknown DC/OS variant '%s'", s)
	}
}

func (v Variant) String() string {
	return string(v)
}

// Resolved reports whether v names a concrete edition.
func (v Variant) Resolved() bool {
	return v == Community || v == Enterprise
}

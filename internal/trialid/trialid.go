// Package trialid validates and classifies clinical-trial identifiers.
package trialid

import (
	"regexp"
	"strings"
)

// Registry identifies which trial registry an identifier belongs to.
type Registry string

const (
	RegistryCTGov   Registry = "ctgov"
	RegistryEUCTR   Registry = "euctr"
	RegistryDRKS    Registry = "drks"
	RegistryUnknown Registry = "unknown"
)

var (
	ctgovRe = regexp.MustCompile(`^NCT\d{8}$`)
	euctrRe = regexp.MustCompile(`^\d{4}-\d{6}-\d{2}$`)
	drksRe  = regexp.MustCompile(`^DRKS\d{8}$`)
)

// Normalize trims whitespace and uppercases prefixed identifier forms
// (nct..., drks...). EudraCT numbers are purely numeric and only trimmed.
func Normalize(id string) string {
	id = strings.TrimSpace(id)
	upper := strings.ToUpper(id)
	if strings.HasPrefix(upper, "NCT") || strings.HasPrefix(upper, "DRKS") {
		return upper
	}
	return id
}

// Detect classifies a raw identifier. It is total: every input maps to exactly
// one registry, with RegistryUnknown for anything unrecognized.
func Detect(id string) Registry {
	id = Normalize(id)
	switch {
	case ctgovRe.MatchString(id):
		return RegistryCTGov
	case euctrRe.MatchString(id):
		return RegistryEUCTR
	case drksRe.MatchString(id):
		return RegistryDRKS
	default:
		return RegistryUnknown
	}
}

// Valid reports whether the identifier belongs to a supported registry.
func Valid(id string) bool {
	return Detect(id) != RegistryUnknown
}

package store

import (
	"fmt"
	"regexp"
	"strings"
)

// stateKeyPattern is the shape every state key must satisfy: at least two
// dot-separated labels, first label bare alphanumeric, later labels may
// carry underscores. No uppercase, no hyphens, no empty labels.
var stateKeyPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9_]+)+$`)

// ingestPrefixes are the namespaces external writers may touch.
var ingestPrefixes = map[string]struct{}{
	"ed":     {},
	"music":  {},
	"hw":     {},
	"policy": {},
	"ai":     {},
}

// runtimePrefixes are reserved for runtime-managed keys. They skip the
// ingest allow-list but never the shape check.
var runtimePrefixes = map[string]struct{}{
	"app":    {},
	"twitch": {},
	"jinx":   {},
}

// ValidateStateKey checks the key shape only.
func ValidateStateKey(key string) error {
	if !stateKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidStateKey, key)
	}
	return nil
}

// ValidateIngestKey checks shape plus the ingest prefix allow-list. When
// allowRuntime is set the runtime-managed namespaces pass too (dev ingest).
func ValidateIngestKey(key string, allowRuntime bool) error {
	if err := ValidateStateKey(key); err != nil {
		return err
	}
	prefix, _, _ := strings.Cut(key, ".")
	if _, ok := ingestPrefixes[prefix]; ok {
		return nil
	}
	if allowRuntime {
		if _, ok := runtimePrefixes[prefix]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: prefix %q not accepted at ingest", ErrInvalidStateKey, prefix)
}

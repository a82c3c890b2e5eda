package logging

import (
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// Keys that identify protocol objects or describe failures and are safe to
// emit verbatim. Everything else passed through MaskField is masked.
var safeKeys = map[string]struct{}{
	"service":    {},
	"env":        {},
	"component":  {},
	"error":      {},
	"reason":     {},
	"strategy":   {},
	"request_id": {},
	"chain_id":   {},
	"epoch":      {},
	"event":      {},
	"block":      {},
	"log_index":  {},
	"operation":  {},
	"tx_hash":    {},
}

// IsAllowlisted reports whether key is emitted without masking.
func IsAllowlisted(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the unmasked keys, sorted.
func RedactionAllowlist() []string {
	return slices.Sorted(maps.Keys(safeKeys))
}

// MaskField returns an attribute whose value is masked unless the key is
// allowlisted or the value is empty.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) != "" && !IsAllowlisted(key) {
		value = RedactedValue
	}
	return slog.String(key, value)
}

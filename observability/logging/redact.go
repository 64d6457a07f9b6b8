package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// allowlistKeys are the structural log keys the broker emits. Anything outside
// this list is treated as potentially sensitive (seeds, key references,
// credentials) and masked by helpers that accept caller-supplied keys.
var allowlistKeys = []string{
	"action",
	"address",
	"asset",
	"attempt",
	"component",
	"deal_id",
	"env",
	"error",
	"escrow",
	"height",
	"ledger",
	"leg_id",
	"message",
	"payout_id",
	"phase",
	"purpose",
	"reason",
	"reference",
	"service",
	"severity",
	"state",
	"status",
	"timestamp",
	"txid",
}

var redactionAllowlist = func() map[string]struct{} {
	m := make(map[string]struct{}, len(allowlistKeys))
	for _, key := range allowlistKeys {
		m[key] = struct{}{}
	}
	return m
}()

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns a sorted copy of the log keys that are allowed to
// be emitted without redaction. Tests use this to ensure sensitive keys remain
// masked.
func RedactionAllowlist() []string {
	keys := append([]string(nil), allowlistKeys...)
	sort.Strings(keys)
	return keys
}

// MaskValue returns the canonical redacted placeholder for non-empty values.
// Empty values pass through unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key
// is explicitly allowlisted. Key derivation references and credentials stay
// masked no matter how callers label them.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

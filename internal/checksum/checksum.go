// Package checksum implements the per-item status lines and the scope-level
// aggregate digest. The aggregate is the SHA-256 of all status lines joined
// with "\n", ordered by ascending key, so it is a pure function of the final
// object set regardless of the order writes arrived in.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// StatusLine formats an object's contribution to the scope aggregate.
// A nil digest renders as the literal "null".
func StatusLine(key string, digest *string) string {
	if digest == nil || *digest == "" {
		return key + " null"
	}
	return key + " " + *digest
}

// MetaStatusLine formats a meta entry's status line. Meta entries attached to
// an object carry the object key in parentheses.
func MetaStatusLine(key string, objectKey *string, digest *string) string {
	d := "null"
	if digest != nil && *digest != "" {
		d = *digest
	}
	if objectKey != nil && *objectKey != "" {
		return fmt.Sprintf("meta %s(%s) %s", key, *objectKey, d)
	}
	return fmt.Sprintf("meta %s %s", key, d)
}

// Aggregate combines per-key status lines into the scope digest. The input
// must be non-empty; an empty scope has no checksum and callers must not ask
// for one.
func Aggregate(lines map[string]string) string {
	keys := make([]string, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = lines[k]
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// Bytes returns the SHA-256 hex digest of b. Used for inline meta values.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

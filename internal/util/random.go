// Package util provides id generation and environment helpers shared across Omnia.
package util

import (
	"math/rand/v2"
	"strings"
)

// DialogueIDPrefix is the prefix of every generated dialogue id.
const DialogueIDPrefix = "dlg_"

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateDialogueID generates a unique dialogue ID with the "dlg_" prefix.
func GenerateDialogueID() string {
	return GenerateRandomID(DialogueIDPrefix, 32)
}

// IsDialogueID reports whether id has the shape of a generated dialogue id.
func IsDialogueID(id string) bool {
	hex, ok := strings.CutPrefix(id, DialogueIDPrefix)
	if !ok || len(hex) != 32 {
		return false
	}
	for _, c := range hex {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

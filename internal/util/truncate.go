package util

import "fmt"

// DefaultLogMaxLen is the default maximum length for truncated log output (1KB)
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for verbose logging.
// Upstream error bodies go through this before they are attached to errors.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// MaskToken returns a preview of a bearer credential that is safe to log.
// Short values are fully masked; longer ones keep four characters on each end.
func MaskToken(t string) string {
	if t == "" {
		return ""
	}
	if len(t) < 20 {
		return "****"
	}
	return t[:4] + "..." + t[len(t)-4:]
}

package utils

import "strings"

const maskSuffix = "*****"

// MaskSecret keeps a short prefix of a credential for log correlation. Secrets
// of eight characters or fewer are masked entirely.
func MaskSecret(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 8 {
		return maskSuffix
	}
	return s[:4] + maskSuffix
}

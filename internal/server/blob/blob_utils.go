package blob

import (
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Match: starts with one or more / OR contains \ OR contains ..
var regexForbiddenPatterns = regexp.MustCompile(`^/+|\\+|\.\.`)

// Validate a key for S3 and local file system compatibility
func ValidateKey(key string) bool {
	// S3 keys must be between 1 and 1024 bytes long
	if len(key) == 0 || len(key) > 1024 {
		return false
	} else if key == "." || key == ".." {
		return false
	}

	if regexForbiddenPatterns.MatchString(key) {
		return false
	}

	// S3 keys must be valid UTF-8 strings
	return utf8.ValidString(key)
}

var regexUnsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFileName reduces a client supplied file name to a single safe key segment.
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = regexUnsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(strings.ReplaceAll(name, "..", "_"), "._")
	if name == "" {
		return "file"
	}
	return name
}

// UploadKey builds the storage key of an upload: uploads/<tenant>/<session>/<file name>
func UploadKey(tenantID, sessionID, fileName string) string {
	tenant := SanitizeFileName(tenantID)
	if tenantID == "" {
		tenant = "default"
	}
	return path.Join("uploads", tenant, sessionID, SanitizeFileName(fileName))
}

// SessionIDFromKey extracts the session id from a key built by UploadKey.
func SessionIDFromKey(key string) (string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "uploads" {
		return "", false
	}
	for _, p := range parts[1:] {
		if p == "" {
			return "", false
		}
	}
	return parts[2], true
}

package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

const defaultContentType = "application/octet-stream"

// extensions the platform mime table gets wrong or lacks
var contentTypeOverrides = map[string]string{
	".md":      "text/markdown; charset=utf-8",
	".yaml":    "application/yaml",
	".yml":     "application/yaml",
	".toml":    "application/toml",
	".parquet": "application/vnd.apache.parquet",
}

// DetectContentType guesses a content type from a file name's extension.
func DetectContentType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return defaultContentType
	}
	if ct, ok := contentTypeOverrides[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return defaultContentType
}

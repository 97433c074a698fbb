package workflow

import "strings"

// Standard suffixes that mark an output field as a filesystem path. Fields
// outside this set must be declared per node as custom path fields.
var pathSuffixes = []string{"_path", "_file", "_dir", "_data", "_audio", "_video", "_image"}

// Suffixes of derived remote fields; never treated as path fields themselves.
const (
	MinioURLSuffix        = "_minio_url"
	MinioURLsSuffix       = "_minio_urls"
	CompressionInfoSuffix = "_compression_info"
)

// IsPathField reports whether an output key names a local path, either by
// standard suffix or by explicit declaration.
func IsPathField(key string, custom []string) bool {
	if strings.HasSuffix(key, MinioURLSuffix) ||
		strings.HasSuffix(key, MinioURLsSuffix) ||
		strings.HasSuffix(key, CompressionInfoSuffix) {
		return false
	}
	for _, c := range custom {
		if key == c {
			return true
		}
	}
	for _, suffix := range pathSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// ForbiddenDurationAliases are output keys that would shadow the single
// stage-scope duration field. Stages must never emit them.
var ForbiddenDurationAliases = []string{"processing_time", "transcribe_duration", "execution_time"}

// HasDurationAlias reports whether an output map carries a forbidden
// duration alias.
func HasDurationAlias(output map[string]interface{}) (string, bool) {
	for _, alias := range ForbiddenDurationAliases {
		if _, ok := output[alias]; ok {
			return alias, true
		}
	}
	return "", false
}

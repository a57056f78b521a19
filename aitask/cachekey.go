package aitask

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// KeyParts are the inputs that determine a cached result.
type KeyParts struct {
	Type           TaskType
	EntryID        string
	Provider       string
	Model          string
	TargetLanguage string
	OutputStyle    string // translation only
}

// CacheKey derives the result-cache key. It is a pure function: equal parts
// give equal keys, and the model name is compared case-insensitively.
// OutputStyle only participates for translations.
func CacheKey(p KeyParts) string {
	style := ""
	if p.Type == TaskTranslation {
		style = strings.ToLower(strings.TrimSpace(p.OutputStyle))
	}
	fields := []string{
		string(p.Type),
		strings.TrimSpace(p.EntryID),
		strings.ToLower(strings.TrimSpace(p.Provider)),
		NormalizeModel(p.Model),
		strings.ToLower(strings.TrimSpace(p.TargetLanguage)),
		style,
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\x00")))
	return string(p.Type) + ":" + hex.EncodeToString(sum[:16])
}

// NormalizeModel lowercases and trims a model name.
func NormalizeModel(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

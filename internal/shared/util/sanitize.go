package util

import (
	"errors"
	"strings"
)

// SanitizeFileName removes path separators and rejects traversal patterns.
// The result is safe to use as the final element of an object-store key.
func SanitizeFileName(name string) (string, error) {
	s := strings.TrimSpace(name)
	if s == "" || strings.Contains(s, "..") {
		return "", errors.New("invalid file name")
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if strings.ContainsRune(s, 0) {
		return "", errors.New("invalid file name")
	}
	return s, nil
}

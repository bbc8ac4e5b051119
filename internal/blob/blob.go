// Package blob stores uploaded and generated audio behind a small
// key/value interface with local, S3 and NATS JetStream backends.
package blob

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"

	"voiceforge/internal/apperr"
)

// Store is a content store keyed by slash-separated relative paths.
type Store interface {
	// Save writes data under key and returns the key clients should use to
	// reference it later.
	Save(ctx context.Context, key string, data []byte) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

// ErrInvalidKey is returned for empty, absolute or escaping keys.
var ErrInvalidKey = errors.New("invalid blob key")

// CleanKey normalizes key and rejects anything that could leave the store root.
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	if key == "" || strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// allowedAudio lists the upload extensions the studio accepts.
var allowedAudio = map[string]struct{}{
	".wav":  {},
	".mp3":  {},
	".m4a":  {},
	".flac": {},
	".ogg":  {},
}

// IsAllowedAudio checks the file extension case-insensitively.
func IsAllowedAudio(filename string) bool {
	_, ok := allowedAudio[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// SanitizeFilename reduces an uploaded name to a safe single path element.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	clean := strings.Trim(b.String(), "._")
	if clean == "" {
		return "upload"
	}
	return clean
}

func missing(key string) error {
	return apperr.NotFound("audio file %q not found", key)
}

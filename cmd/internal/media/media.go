// Package media stores message images and profile pictures.
package media

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidImage is returned for image references that cannot be stored.
var ErrInvalidImage = errors.New("invalid image")

// Store uploads an image reference (a data URL or a remote URL) and returns
// the public URL to persist. Destroy removes a previously returned URL.
type Store interface {
	Upload(ctx context.Context, ref string) (string, error)
	Destroy(ctx context.Context, url string) error
}

// IsDataURL reports whether ref is an inline base64 data URL.
func IsDataURL(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// IsRemoteURL reports whether ref is an http(s) URL.
func IsRemoteURL(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}

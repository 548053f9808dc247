package media

import (
	"context"
	"fmt"
	"strings"
)

// Passthrough keeps image references as given. It is the dev fallback when
// no image host is configured.
type Passthrough struct {
	// MaxBytes bounds inline data URLs; 0 means unbounded.
	MaxBytes int
}

func (p Passthrough) Upload(_ context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case IsRemoteURL(ref):
		return ref, nil
	case IsDataURL(ref):
		if p.MaxBytes > 0 && len(ref) > p.MaxBytes {
			return "", fmt.Errorf("%w: data url exceeds %d bytes", ErrInvalidImage, p.MaxBytes)
		}
		return ref, nil
	default:
		return "", fmt.Errorf("%w: expected data or http(s) url", ErrInvalidImage)
	}
}

func (Passthrough) Destroy(context.Context, string) error { return nil }

var _ Store = Passthrough{}

// Package payload resolves named pixel buffers for delivery. Payloads are
// opaque bytes; nothing here decodes images.
package payload

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("payload not found")

// Source looks up a payload by name.
type Source interface {
	Lookup(ctx context.Context, name string) ([]byte, error)
}

// Renderer produces a payload for a text message.
type Renderer interface {
	Render(ctx context.Context, text string) ([]byte, error)
}

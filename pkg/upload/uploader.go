package upload

import (
	"context"
	"io"
)

// Uploader ships a finalized recording to remote storage.
type Uploader interface {
	// Key is a unique identifier for the file.
	Upload(ctx context.Context, key string, body io.Reader) error
	Directory() string
}

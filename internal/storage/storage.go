// Package storage archives session recordings in a private bucket.
package storage

import (
	"context"
	"io"
	"time"
)

type Uploader interface {
	// Upload stores r under objectName and returns the object name it was stored as.
	Upload(ctx context.Context, objectName string, contentType string, r io.Reader) (storedPath string, err error)
	// URI returns the gs:// address of an object, used by speech recognition.
	URI(objectName string) string
}

// Signer hands out time-limited read links to private recordings.
type Signer interface {
	SignedGetURL(ctx context.Context, objectName string, ttl time.Duration) (string, error)
}

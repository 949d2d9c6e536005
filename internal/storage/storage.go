// Package storage manages the two on-disk directories of the service:
// incoming holds raw uploads and processed holds watermarked outputs.
// It also provides an optional publisher that mirrors processed images to S3.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ProcessedPrefix is prepended to an upload's name to form its output name.
const ProcessedPrefix = "watermarked_"

var (
	// ErrNotFound is returned when a processed file does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrInvalidName is returned when a name is not a single clean path element.
	ErrInvalidName = errors.New("invalid file name")
	// ErrS3NotConfigured is returned when publishing is attempted without S3 settings.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
)

// UploadedFile is an original image accepted from a client.
type UploadedFile struct {
	// Name is the sanitized filename.
	Name string
	// Path is the location inside the incoming directory.
	Path string
	// ModTime is when the file was written.
	ModTime time.Time
}

// ProcessedFile is the watermarked output of an embed operation.
type ProcessedFile struct {
	// Name is ProcessedPrefix followed by the original name.
	Name string
	// Path is the location inside the processed directory.
	Path string
	// ModTime is when the file was written.
	ModTime time.Time
}

// Publisher copies a processed image to a remote store.
type Publisher interface {
	// Publish uploads data under key and returns its public URL.
	Publish(ctx context.Context, key string, data io.Reader) (url string, err error)
}

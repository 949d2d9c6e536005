// Package watermark defines the narrow capability the service needs from a
// watermarking engine. The algorithm behind it is pluggable; handlers only
// rely on the contract documented on Engine.
package watermark

import (
	"context"
	"errors"
)

var (
	// ErrEngine wraps every failure reported by an engine. Callers treat it
	// as a single opaque internal error.
	ErrEngine = errors.New("watermark engine failure")
	// ErrEmptyText is returned when Embed is called with no payload.
	ErrEmptyText = errors.New("watermark text is empty")
	// ErrInvalidBitLength is returned when Extract receives a length the
	// engine can never have produced.
	ErrInvalidBitLength = errors.New("invalid watermark bit length")
	// ErrCapacity is returned when the image is too small for the payload.
	ErrCapacity = errors.New("image too small for watermark")
)

// EmbedResult is the outcome of a successful Embed.
type EmbedResult struct {
	// OutputPath is where the watermarked image was written.
	OutputPath string
	// BitLength is the size of the encoded payload. It must be passed back
	// to Extract unchanged; the service does not store it.
	BitLength int
}

// Engine embeds and extracts text watermarks.
//
// Extract must reproduce the original text when given the BitLength returned
// by a prior Embed on an unmodified copy of the output image. Behavior for any
// other bit length is undefined: the engine may fail or return garbage.
type Engine interface {
	// Embed reads the image at srcPath, encodes text into it and writes the
	// result to dstPath. dstPath is only visible once fully written.
	Embed(ctx context.Context, srcPath, dstPath, text string) (EmbedResult, error)

	// Extract recovers bitLength bits of payload from the image at srcPath.
	Extract(ctx context.Context, srcPath string, bitLength int) (string, error)
}

// Package server provides the HTTP server for the watermark API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// Error codes returned in ErrorResponse.Code.
const (
	CodeMissingFile     = "MISSING_FILE"
	CodeMissingText     = "MISSING_TEXT"
	CodeMissingLength   = "MISSING_LENGTH"
	CodeInvalidLength   = "INVALID_LENGTH"
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeInvalidForm     = "INVALID_FORM"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeNotFound        = "NOT_FOUND"
)

// Multipart form field names.
const (
	fieldFile          = "file"
	fieldWatermarkText = "watermark_text"
	fieldWatermarkLen  = "wm_length"
)

// EmbedResponse is the HTTP response after a watermark was embedded.
type EmbedResponse struct {
	// ProcessedImageURL is the path the watermarked image is served from.
	ProcessedImageURL string `json:"processed_image_url"`
	// WMLength is the bit length of the payload; clients send it back to /extract.
	WMLength int `json:"wm_length"`
	// S3URL is the mirrored copy, present only when S3 publishing is configured.
	S3URL string `json:"s3_url,omitempty"`
}

// ExtractResponse is the HTTP response carrying a recovered watermark.
type ExtractResponse struct {
	// ExtractedText is the recovered payload.
	ExtractedText string `json:"extracted_text"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

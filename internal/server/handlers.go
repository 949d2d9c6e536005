package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/maauso/watermark-api/internal/storage"
	"github.com/maauso/watermark-api/internal/upload"
	"github.com/maauso/watermark-api/internal/watermark"
)

// User-facing messages. Engine details never reach the client.
const (
	msgNoFilePart      = "no file part in request"
	msgNoFileSelected  = "no file selected"
	msgMissingText     = "watermark text must not be empty"
	msgMissingLength   = "watermark length is required"
	msgInvalidLength   = "invalid watermark length"
	msgUnsupportedType = "file type not allowed"
	msgInvalidForm     = "invalid multipart form"
	msgTooLarge        = "file too large"
	msgInternal        = "internal error, check the server logs"
	msgNotFound        = "file not found"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

// DefaultMaxUploadBytes caps a request body when no limit is configured.
const DefaultMaxUploadBytes = 32 << 20

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	store          *storage.FileStore
	engine         watermark.Engine
	publisher      storage.Publisher
	validator      *validator.Validate
	logger         *slog.Logger
	allowedExts    []string
	maxUploadBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithPublisher mirrors every processed image through p.
func WithPublisher(p storage.Publisher) HandlerOption {
	return func(h *Handlers) {
		h.publisher = p
	}
}

// WithAllowedExtensions replaces the accepted image extensions.
func WithAllowedExtensions(exts []string) HandlerOption {
	return func(h *Handlers) {
		if len(exts) > 0 {
			h.allowedExts = exts
		}
	}
}

// WithMaxUploadBytes caps the size of embed and extract request bodies.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store *storage.FileStore, engine watermark.Engine, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		store:          store,
		engine:         engine,
		validator:      validator.New(),
		logger:         logger.With(slog.String("source", "server")),
		allowedExts:    upload.DefaultExtensions,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Embed handles POST /embed requests.
func (h *Handlers) Embed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	file, header, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer func() { _ = file.Close() }()

	text := r.FormValue(fieldWatermarkText)
	if err := h.validator.Var(text, "required"); err != nil {
		h.rejectInput(ctx, w, msgMissingText, CodeMissingText)
		return
	}

	name, ok := h.acceptName(ctx, w, header.Filename)
	if !ok {
		return
	}

	uploaded, err := h.store.SaveIncoming(ctx, name, file)
	if err != nil {
		h.internalError(ctx, w, "failed to save upload", err)
		return
	}

	dst := h.store.ProcessedPath(name)
	res, err := h.engine.Embed(ctx, uploaded.Path, dst, text)
	if err != nil {
		h.internalError(ctx, w, "failed to embed watermark", err)
		if derr := h.store.Discard(context.WithoutCancel(ctx), dst); derr != nil {
			h.logger.ErrorContext(ctx, "failed to discard processed output",
				slog.String("path", dst),
				slog.String("error", derr.Error()),
			)
		}
		return
	}

	processedName := storage.ProcessedName(name)
	resp := EmbedResponse{
		ProcessedImageURL: "/processed/" + processedName,
		WMLength:          res.BitLength,
		S3URL:             h.publish(ctx, processedName, res.OutputPath),
	}

	h.logger.InfoContext(ctx, "watermark embedded",
		slog.String("file", name),
		slog.String("output", res.OutputPath),
		slog.Int("wm_length", res.BitLength),
	)

	writeJSON(w, http.StatusOK, resp)
}

// Extract handles POST /extract requests.
func (h *Handlers) Extract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	file, header, ok := h.formFile(w, r)
	if !ok {
		return
	}
	defer func() { _ = file.Close() }()

	raw := strings.TrimSpace(r.FormValue(fieldWatermarkLen))
	if err := h.validator.Var(raw, "required"); err != nil {
		h.rejectInput(ctx, w, msgMissingLength, CodeMissingLength)
		return
	}
	bitLength, err := strconv.Atoi(raw)
	if err != nil || h.validator.Var(bitLength, "gt=0") != nil {
		h.rejectInput(ctx, w, msgInvalidLength, CodeInvalidLength)
		return
	}

	name, ok := h.acceptName(ctx, w, header.Filename)
	if !ok {
		return
	}

	uploaded, err := h.store.SaveIncoming(ctx, name, file)
	if err != nil {
		h.internalError(ctx, w, "failed to save upload", err)
		return
	}

	text, err := h.engine.Extract(ctx, uploaded.Path, bitLength)
	if err != nil {
		h.internalError(ctx, w, "failed to extract watermark", err)
		return
	}

	h.logger.InfoContext(ctx, "watermark extracted",
		slog.String("file", name),
		slog.Int("wm_length", bitLength),
	)

	writeJSON(w, http.StatusOK, ExtractResponse{ExtractedText: text})
}

// ServeProcessed handles GET /processed/{filename} requests.
// Only files directly inside the processed directory are reachable.
func (h *Handlers) ServeProcessed(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")

	f, info, err := h.store.OpenProcessed(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
			writeError(w, http.StatusNotFound, msgNotFound, CodeNotFound)
			return
		}
		h.internalError(r.Context(), w, "failed to open processed file", err)
		return
	}
	defer func() { _ = f.Close() }()

	// The engine may write PNG bytes under a .jpg name, so sniff the content.
	mtype, err := mimetype.DetectReader(f)
	if err == nil {
		w.Header().Set("Content-Type", mtype.String())
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		h.internalError(r.Context(), w, "failed to rewind processed file", err)
		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// formFile parses the multipart body and returns the "file" part.
// It writes the error response itself and reports false on failure.
func (h *Handlers) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr), strings.Contains(err.Error(), "request body too large"):
			h.rejectInputStatus(ctx, w, http.StatusRequestEntityTooLarge, msgTooLarge, CodeFileTooLarge)
		case errors.Is(err, http.ErrNotMultipart), errors.Is(err, http.ErrMissingBoundary):
			h.rejectInput(ctx, w, msgNoFilePart, CodeMissingFile)
		default:
			h.rejectInput(ctx, w, msgInvalidForm, CodeInvalidForm)
		}
		return nil, nil, false
	}

	file, header, err := r.FormFile(fieldFile)
	if err != nil {
		// A part sent with an empty filename is parsed as a plain value.
		if _, present := r.MultipartForm.Value[fieldFile]; present {
			h.rejectInput(ctx, w, msgNoFileSelected, CodeMissingFile)
			return nil, nil, false
		}
		h.rejectInput(ctx, w, msgNoFilePart, CodeMissingFile)
		return nil, nil, false
	}

	if header.Filename == "" {
		_ = file.Close()
		h.rejectInput(ctx, w, msgNoFileSelected, CodeMissingFile)
		return nil, nil, false
	}

	return file, header, true
}

// acceptName checks the extension of the client filename and returns its
// sanitized form. Both the raw and the sanitized name must carry an allowed
// extension.
func (h *Handlers) acceptName(ctx context.Context, w http.ResponseWriter, filename string) (string, bool) {
	name := upload.Sanitize(filename)
	if !upload.Allowed(filename, h.allowedExts) || !upload.Allowed(name, h.allowedExts) {
		h.rejectInput(ctx, w, msgUnsupportedType, CodeUnsupportedType)
		return "", false
	}
	return name, true
}

// publish mirrors the processed image when a publisher is configured.
// Failures are logged; the local copy stays authoritative.
func (h *Handlers) publish(ctx context.Context, key, path string) string {
	if h.publisher == nil {
		return ""
	}

	f, err := h.store.Fs().Open(path)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to open processed file for publishing",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return ""
	}
	defer func() { _ = f.Close() }()

	url, err := h.publisher.Publish(ctx, key, f)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to publish processed file",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return url
}

func (h *Handlers) rejectInput(ctx context.Context, w http.ResponseWriter, message, code string) {
	h.rejectInputStatus(ctx, w, http.StatusBadRequest, message, code)
}

func (h *Handlers) rejectInputStatus(ctx context.Context, w http.ResponseWriter, status int, message, code string) {
	h.logger.WarnContext(ctx, "request rejected",
		slog.String("code", code),
		slog.String("reason", message),
	)
	writeError(w, status, message, code)
}

// internalError logs err in full and answers with a generic 500.
func (h *Handlers) internalError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	h.logger.ErrorContext(ctx, msg,
		slog.String("error", err.Error()),
		slog.Bool("engine", errors.Is(err, watermark.ErrEngine)),
		slog.String("stack", string(debug.Stack())),
	)
	writeError(w, http.StatusInternalServerError, msgInternal, CodeInternalError)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

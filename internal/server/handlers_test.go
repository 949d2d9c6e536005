package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/watermark-api/internal/storage"
	"github.com/maauso/watermark-api/internal/watermark"
)

const (
	testIncoming  = "/srv/uploads"
	testProcessed = "/srv/processed"
)

// mockEngine implements watermark.Engine for testing.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Embed(ctx context.Context, srcPath, dstPath, text string) (watermark.EmbedResult, error) {
	args := m.Called(ctx, srcPath, dstPath, text)
	return args.Get(0).(watermark.EmbedResult), args.Error(1)
}

func (m *mockEngine) Extract(ctx context.Context, srcPath string, bitLength int) (string, error) {
	args := m.Called(ctx, srcPath, bitLength)
	return args.String(0), args.Error(1)
}

// mockPublisher implements storage.Publisher for testing.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, key string, data io.Reader) (string, error) {
	args := m.Called(ctx, key, data)
	return args.String(0), args.Error(1)
}

type formFile struct {
	filename string
	data     []byte
}

// multipartBody builds a multipart/form-data body. A nil file omits the
// file part entirely.
func multipartBody(t *testing.T, file *formFile, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if file != nil {
		fw, err := mw.CreateFormFile(fieldFile, file.filename)
		require.NoError(t, err)
		_, err = fw.Write(file.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func newUploadRequest(t *testing.T, target string, file *formFile, fields map[string]string) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t, file, fields)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 6), G: uint8(y * 8), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*storage.FileStore, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	store, err := storage.NewFileStore(fsys, testIncoming, testProcessed)
	require.NoError(t, err)
	return store, fsys
}

func newTestHandlers(t *testing.T, opts ...HandlerOption) (*Handlers, *mockEngine, afero.Fs) {
	t.Helper()
	store, fsys := newTestStore(t)
	engine := &mockEngine{}
	return NewHandlers(store, engine, testLogger(), opts...), engine, fsys
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func dirEmpty(t *testing.T, fsys afero.Fs, dir string) bool {
	t.Helper()
	entries, err := afero.ReadDir(fsys, dir)
	require.NoError(t, err)
	return len(entries) == 0
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestIndexAndStatic(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	router := NewRouter(h, testLogger(), DefaultConfig())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), `id="embed-button"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/script.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openTab")
}

func TestEmbed_Success(t *testing.T) {
	h, engine, fsys := newTestHandlers(t)

	engine.On("Embed", mock.Anything, "/srv/uploads/photo.png", "/srv/processed/watermarked_photo.png", "hi").
		Return(watermark.EmbedResult{OutputPath: "/srv/processed/watermarked_photo.png", BitLength: 16}, nil)

	req := newUploadRequest(t, "/embed", &formFile{"photo.png", []byte("img")}, map[string]string{fieldWatermarkText: "hi"})
	rec := httptest.NewRecorder()

	h.Embed(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp EmbedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "/processed/watermarked_photo.png", resp.ProcessedImageURL)
	assert.Equal(t, 16, resp.WMLength)
	assert.Empty(t, resp.S3URL)

	saved, err := afero.ReadFile(fsys, "/srv/uploads/photo.png")
	require.NoError(t, err)
	assert.Equal(t, "img", string(saved))
	engine.AssertExpectations(t)
}

func TestEmbed_SanitizesFilename(t *testing.T) {
	h, engine, fsys := newTestHandlers(t)

	engine.On("Embed", mock.Anything, "/srv/uploads/my_holiday_pic.JPG", "/srv/processed/watermarked_my_holiday_pic.JPG", "hi").
		Return(watermark.EmbedResult{OutputPath: "/srv/processed/watermarked_my_holiday_pic.JPG", BitLength: 16}, nil)

	req := newUploadRequest(t, "/embed", &formFile{"my holiday pic.JPG", []byte("img")}, map[string]string{fieldWatermarkText: "hi"})
	rec := httptest.NewRecorder()

	h.Embed(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	exists, err := afero.Exists(fsys, "/srv/uploads/my_holiday_pic.JPG")
	require.NoError(t, err)
	assert.True(t, exists)
	engine.AssertExpectations(t)
}

func TestEmbed_ValidationErrors(t *testing.T) {
	photo := &formFile{"photo.png", []byte("img")}

	tests := []struct {
		name    string
		file    *formFile
		fields  map[string]string
		code    string
		message string
	}{
		{"no file part", nil, map[string]string{fieldWatermarkText: "hi"}, CodeMissingFile, msgNoFilePart},
		{"empty filename", &formFile{"", []byte("img")}, map[string]string{fieldWatermarkText: "hi"}, CodeMissingFile, msgNoFileSelected},
		{"missing text", photo, nil, CodeMissingText, msgMissingText},
		{"empty text", photo, map[string]string{fieldWatermarkText: ""}, CodeMissingText, msgMissingText},
		{"txt extension", &formFile{"notes.txt", []byte("x")}, map[string]string{fieldWatermarkText: "hi"}, CodeUnsupportedType, msgUnsupportedType},
		{"bmp extension", &formFile{"scan.bmp", []byte("x")}, map[string]string{fieldWatermarkText: "hi"}, CodeUnsupportedType, msgUnsupportedType},
		{"no extension", &formFile{"photo", []byte("x")}, map[string]string{fieldWatermarkText: "hi"}, CodeUnsupportedType, msgUnsupportedType},
		{"text checked before extension", &formFile{"notes.txt", []byte("x")}, nil, CodeMissingText, msgMissingText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, engine, fsys := newTestHandlers(t)

			req := newUploadRequest(t, "/embed", tt.file, tt.fields)
			rec := httptest.NewRecorder()

			h.Embed(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.message, resp.Error)

			assert.True(t, dirEmpty(t, fsys, testIncoming), "no upload may be written")
			assert.True(t, dirEmpty(t, fsys, testProcessed), "no output may be written")
			engine.AssertNotCalled(t, "Embed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestEmbed_NotMultipart(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/embed", strings.NewReader(`{"watermark_text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	h.Embed(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeMissingFile, decodeError(t, rec).Code)
}

func TestEmbed_TooLarge(t *testing.T) {
	h, _, fsys := newTestHandlers(t, WithMaxUploadBytes(1024))

	req := newUploadRequest(t, "/embed", &formFile{"big.png", bytes.Repeat([]byte("x"), 4096)}, map[string]string{fieldWatermarkText: "hi"})
	rec := httptest.NewRecorder()

	h.Embed(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, CodeFileTooLarge, decodeError(t, rec).Code)
	assert.True(t, dirEmpty(t, fsys, testIncoming))
}

func TestEmbed_EngineFailureIsIsolated(t *testing.T) {
	h, engine, fsys := newTestHandlers(t)
	router := NewRouter(h, testLogger(), DefaultConfig())

	engine.On("Embed", mock.Anything, "/srv/uploads/photo.png", "/srv/processed/watermarked_photo.png", "hi").
		Run(func(args mock.Arguments) {
			// Simulate an engine that dies half way through writing.
			_ = afero.WriteFile(fsys, args.String(2), []byte("partial"), 0640)
		}).
		Return(watermark.EmbedResult{}, errors.New("decoder blew up: secret internal detail"))

	req := newUploadRequest(t, "/embed", &formFile{"photo.png", []byte("img")}, map[string]string{fieldWatermarkText: "hi"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeInternalError, resp.Code)
	assert.Equal(t, msgInternal, resp.Error)
	assert.NotContains(t, rec.Body.String(), "secret internal detail")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/processed/watermarked_photo.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmbed_Publishes(t *testing.T) {
	publisher := &mockPublisher{}
	h, engine, fsys := newTestHandlers(t, WithPublisher(publisher))

	engine.On("Embed", mock.Anything, mock.Anything, "/srv/processed/watermarked_photo.png", "hi").
		Run(func(args mock.Arguments) {
			_ = afero.WriteFile(fsys, args.String(2), []byte("marked"), 0640)
		}).
		Return(watermark.EmbedResult{OutputPath: "/srv/processed/watermarked_photo.png", BitLength: 16}, nil)
	publisher.On("Publish", mock.Anything, "watermarked_photo.png", mock.Anything).
		Return("https://bucket.s3.eu-west-1.amazonaws.com/watermarked_photo.png", nil)

	req := newUploadRequest(t, "/embed", &formFile{"photo.png", []byte("img")}, map[string]string{fieldWatermarkText: "hi"})
	rec := httptest.NewRecorder()
	h.Embed(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp EmbedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "https://bucket.s3.eu-west-1.amazonaws.com/watermarked_photo.png", resp.S3URL)
	publisher.AssertExpectations(t)
}

func TestEmbed_PublishFailureDoesNotFailRequest(t *testing.T) {
	publisher := &mockPublisher{}
	h, engine, fsys := newTestHandlers(t, WithPublisher(publisher))

	engine.On("Embed", mock.Anything, mock.Anything, mock.Anything, "hi").
		Run(func(args mock.Arguments) {
			_ = afero.WriteFile(fsys, args.String(2), []byte("marked"), 0640)
		}).
		Return(watermark.EmbedResult{OutputPath: "/srv/processed/watermarked_photo.png", BitLength: 16}, nil)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("access denied"))

	req := newUploadRequest(t, "/embed", &formFile{"photo.png", []byte("img")}, map[string]string{fieldWatermarkText: "hi"})
	rec := httptest.NewRecorder()
	h.Embed(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp EmbedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.S3URL)
	assert.Equal(t, 16, resp.WMLength)
}

func TestExtract_Success(t *testing.T) {
	h, engine, _ := newTestHandlers(t)

	engine.On("Extract", mock.Anything, "/srv/uploads/copy.png", 16).Return("hi", nil)

	req := newUploadRequest(t, "/extract", &formFile{"copy.png", []byte("img")}, map[string]string{fieldWatermarkLen: "16"})
	rec := httptest.NewRecorder()

	h.Extract(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExtractResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "hi", resp.ExtractedText)
	engine.AssertExpectations(t)
}

func TestExtract_ValidationErrors(t *testing.T) {
	img := &formFile{"copy.png", []byte("img")}

	tests := []struct {
		name   string
		file   *formFile
		fields map[string]string
		code   string
	}{
		{"no file part", nil, map[string]string{fieldWatermarkLen: "16"}, CodeMissingFile},
		{"empty filename", &formFile{"", []byte("img")}, map[string]string{fieldWatermarkLen: "16"}, CodeMissingFile},
		{"missing length", img, nil, CodeMissingLength},
		{"blank length", img, map[string]string{fieldWatermarkLen: "  "}, CodeMissingLength},
		{"non numeric length", img, map[string]string{fieldWatermarkLen: "abc"}, CodeInvalidLength},
		{"fractional length", img, map[string]string{fieldWatermarkLen: "1.5"}, CodeInvalidLength},
		{"zero length", img, map[string]string{fieldWatermarkLen: "0"}, CodeInvalidLength},
		{"negative length", img, map[string]string{fieldWatermarkLen: "-8"}, CodeInvalidLength},
		{"txt extension", &formFile{"notes.txt", []byte("x")}, map[string]string{fieldWatermarkLen: "16"}, CodeUnsupportedType},
		{"bmp extension", &formFile{"scan.bmp", []byte("x")}, map[string]string{fieldWatermarkLen: "16"}, CodeUnsupportedType},
		{"length checked before extension", &formFile{"notes.txt", []byte("x")}, map[string]string{fieldWatermarkLen: "x"}, CodeInvalidLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, engine, fsys := newTestHandlers(t)

			req := newUploadRequest(t, "/extract", tt.file, tt.fields)
			rec := httptest.NewRecorder()

			h.Extract(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
			assert.True(t, dirEmpty(t, fsys, testIncoming))
			assert.True(t, dirEmpty(t, fsys, testProcessed))
			engine.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestExtract_EngineFailure(t *testing.T) {
	h, engine, _ := newTestHandlers(t)

	engine.On("Extract", mock.Anything, mock.Anything, 9000).
		Return("", errors.New("index out of range in decoder"))

	req := newUploadRequest(t, "/extract", &formFile{"copy.png", []byte("img")}, map[string]string{fieldWatermarkLen: "9000"})
	rec := httptest.NewRecorder()

	h.Extract(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, CodeInternalError, resp.Code)
	assert.NotContains(t, resp.Error, "index out of range")
}

func TestServeProcessed(t *testing.T) {
	h, _, fsys := newTestHandlers(t)
	pngData := testPNG(t)
	require.NoError(t, afero.WriteFile(fsys, "/srv/processed/watermarked_photo.jpg", pngData, 0640))

	req := httptest.NewRequest(http.MethodGet, "/processed/watermarked_photo.jpg", nil)
	req.SetPathValue("filename", "watermarked_photo.jpg")
	rec := httptest.NewRecorder()

	h.ServeProcessed(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, pngData, rec.Body.Bytes())
}

func TestServeProcessed_NotFound(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodGet, "/processed/missing.png", nil)
	req.SetPathValue("filename", "missing.png")
	rec := httptest.NewRecorder()

	h.ServeProcessed(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, rec).Code)
}

func TestServeProcessed_TraversalIsRejected(t *testing.T) {
	h, _, fsys := newTestHandlers(t)
	require.NoError(t, afero.WriteFile(fsys, "/srv/secret.txt", []byte("top secret"), 0640))
	require.NoError(t, afero.WriteFile(fsys, "/srv/uploads/original.png", []byte("original bytes"), 0640))
	router := NewRouter(h, testLogger(), DefaultConfig())

	t.Run("direct handler", func(t *testing.T) {
		for _, name := range []string{"../secret.txt", "../../etc/passwd", "..", "../uploads/original.png"} {
			req := httptest.NewRequest(http.MethodGet, "/processed/x", nil)
			req.SetPathValue("filename", name)
			rec := httptest.NewRecorder()

			h.ServeProcessed(rec, req)

			assert.Equal(t, http.StatusNotFound, rec.Code, name)
			assert.NotContains(t, rec.Body.String(), "top secret")
			assert.NotContains(t, rec.Body.String(), "original bytes")
		}
	})

	t.Run("through router", func(t *testing.T) {
		for _, target := range []string{
			"/processed/../../etc/passwd",
			"/processed/../secret.txt",
			"/processed/..%2fsecret.txt",
			"/processed/..%2F..%2Fetc%2Fpasswd",
			"/processed/%2e%2e/uploads/original.png",
		} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

			assert.NotEqual(t, http.StatusOK, rec.Code, target)
			assert.NotContains(t, rec.Body.String(), "top secret", target)
			assert.NotContains(t, rec.Body.String(), "original bytes", target)
		}
	})
}

func TestRouter_SetsRequestID(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	router := NewRouter(h, testLogger(), DefaultConfig())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "client-chosen")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "client-chosen", rec.Header().Get(RequestIDHeader))
}

func TestRouter_RoundTripWithRealEngine(t *testing.T) {
	store, fsys := newTestStore(t)
	h := NewHandlers(store, watermark.NewLSBEngine(fsys), testLogger())
	router := NewRouter(h, testLogger(), DefaultConfig())

	req := newUploadRequest(t, "/embed", &formFile{"photo.png", testPNG(t)}, map[string]string{fieldWatermarkText: "hi"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var embedResp EmbedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&embedResp))
	assert.Equal(t, "/processed/watermarked_photo.png", embedResp.ProcessedImageURL)
	assert.Equal(t, 16, embedResp.WMLength)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, embedResp.ProcessedImageURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	marked := rec.Body.Bytes()
	require.NotEmpty(t, marked)

	req = newUploadRequest(t, "/extract", &formFile{"downloaded.png", marked},
		map[string]string{fieldWatermarkLen: "16"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var extractResp ExtractResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&extractResp))
	assert.Equal(t, "hi", extractResp.ExtractedText)
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	router := NewRouter(h, testLogger(), Config{AllowedOrigins: []string{"https://example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/embed", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, CodeInternalError, decodeError(t, rec).Code)
}

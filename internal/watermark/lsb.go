package watermark

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"math/rand/v2"
	"path/filepath"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// Compile-time check that LSBEngine implements Engine.
var _ Engine = (*LSBEngine)(nil)

// LSBEngine hides the payload in the least significant bit of the RGB
// channels. Channel slots are visited in an order drawn from ImageSeed and
// the payload bytes are masked with a keystream drawn from WatermarkSeed, so
// the same seeds must be used on both sides. The output is always encoded
// as PNG, whatever the destination extension says.
type LSBEngine struct {
	fs        afero.Fs
	imageSeed uint64
	markSeed  uint64
}

// LSBOption configures an LSBEngine.
type LSBOption func(*LSBEngine)

// WithSeeds sets the slot-order and keystream seeds.
func WithSeeds(imageSeed, watermarkSeed uint64) LSBOption {
	return func(e *LSBEngine) {
		e.imageSeed = imageSeed
		e.markSeed = watermarkSeed
	}
}

// NewLSBEngine creates an engine reading and writing through fsys.
// If fsys is nil the OS filesystem is used. Both seeds default to 1.
func NewLSBEngine(fsys afero.Fs, opts ...LSBOption) *LSBEngine {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	e := &LSBEngine{fs: fsys, imageSeed: 1, markSeed: 1}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed implements Engine.
func (e *LSBEngine) Embed(ctx context.Context, srcPath, dstPath, text string) (EmbedResult, error) {
	if err := ctx.Err(); err != nil {
		return EmbedResult{}, fmt.Errorf("%w: %w", ErrEngine, err)
	}
	if text == "" {
		return EmbedResult{}, fmt.Errorf("%w: %w", ErrEngine, ErrEmptyText)
	}

	img, err := e.load(srcPath)
	if err != nil {
		return EmbedResult{}, err
	}

	payload := e.mask([]byte(text))
	bits := len(payload) * 8
	slots, err := e.slots(img, bits)
	if err != nil {
		return EmbedResult{}, err
	}

	for i, slot := range slots {
		bit := (payload[i/8] >> (7 - uint(i%8))) & 1
		img.Pix[slot] = img.Pix[slot]&^1 | bit
	}

	if err := e.write(img, dstPath); err != nil {
		return EmbedResult{}, err
	}

	return EmbedResult{OutputPath: dstPath, BitLength: bits}, nil
}

// Extract implements Engine.
func (e *LSBEngine) Extract(ctx context.Context, srcPath string, bitLength int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngine, err)
	}
	if bitLength <= 0 || bitLength%8 != 0 {
		return "", fmt.Errorf("%w: %w: %d", ErrEngine, ErrInvalidBitLength, bitLength)
	}

	img, err := e.load(srcPath)
	if err != nil {
		return "", err
	}

	slots, err := e.slots(img, bitLength)
	if err != nil {
		return "", err
	}

	payload := make([]byte, bitLength/8)
	for i, slot := range slots {
		payload[i/8] |= (img.Pix[slot] & 1) << (7 - uint(i%8))
	}

	text := e.mask(payload)
	if !utf8.Valid(text) {
		return "", fmt.Errorf("%w: extracted payload is not valid UTF-8", ErrEngine)
	}
	return string(text), nil
}

// load decodes the image at path into an NRGBA buffer. NRGBA sources are
// used as-is so that semi-transparent pixels keep their exact channel values.
func (e *LSBEngine) load(path string) (*image.NRGBA, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open image: %w", ErrEngine, err)
	}
	defer func() { _ = f.Close() }()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %w", ErrEngine, err)
	}

	if nrgba, ok := src.(*image.NRGBA); ok {
		return nrgba, nil
	}

	b := src.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	return dst, nil
}

// slots picks n distinct RGB byte offsets in img.Pix using a partial
// Fisher-Yates shuffle over the channel slots, seeded by imageSeed.
func (e *LSBEngine) slots(img *image.NRGBA, n int) ([]int, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	total := w * h * 3
	if n > total {
		return nil, fmt.Errorf("%w: %w: need %d bits, have %d", ErrEngine, ErrCapacity, n, total)
	}

	rng := rand.New(rand.NewPCG(e.imageSeed, e.imageSeed^0x9e3779b97f4a7c15))
	swapped := make(map[int]int, n)
	lookup := func(i int) int {
		if v, ok := swapped[i]; ok {
			return v
		}
		return i
	}

	out := make([]int, n)
	for i := 0; i < n; i++ {
		j := i + rng.IntN(total-i)
		vi, vj := lookup(i), lookup(j)
		swapped[i], swapped[j] = vj, vi

		slot := vj
		px, ch := slot/3, slot%3
		x, y := px%w, px/w
		out[i] = y*img.Stride + x*4 + ch
	}
	return out, nil
}

// mask XORs data with the keystream derived from markSeed. Applying it twice
// returns the original bytes.
func (e *LSBEngine) mask(data []byte) []byte {
	rng := rand.New(rand.NewPCG(e.markSeed, ^e.markSeed))
	out := make([]byte, len(data))
	for i, c := range data {
		out[i] = c ^ byte(rng.Uint32())
	}
	return out
}

// write encodes img as PNG into a temporary file next to dstPath and renames
// it into place, so a failed write never leaves a partial output behind.
func (e *LSBEngine) write(img *image.NRGBA, dstPath string) error {
	tmp, err := afero.TempFile(e.fs, filepath.Dir(dstPath), ".wm-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create output: %w", ErrEngine, err)
	}
	tmpName := tmp.Name()

	if err := png.Encode(tmp, img); err != nil {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
		return fmt.Errorf("%w: encode output: %w", ErrEngine, err)
	}
	if err := tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return fmt.Errorf("%w: close output: %w", ErrEngine, err)
	}
	if err := e.fs.Rename(tmpName, dstPath); err != nil {
		_ = e.fs.Remove(tmpName)
		return fmt.Errorf("%w: move output: %w", ErrEngine, err)
	}
	return nil
}

// Package imageprocessor turns uploaded image bytes into the fixed-shape
// tensor the classifier was trained on.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder

	_ "golang.org/x/image/bmp"  // register decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

// Channels is the colour depth the classifier expects.
const Channels = 3

// MaxPixels bounds the decoded size of an upload.
const MaxPixels = 40_000_000

var (
	// ErrEmptyInput is returned for a zero-length upload.
	ErrEmptyInput = errors.New("image is empty")
	// ErrDecode matches every DecodeError.
	ErrDecode = errors.New("unsupported image format")
)

// DecodeError reports bytes that could not be decoded as an image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDecode) match any DecodeError.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Tensor is a batch of one image in NHWC layout with values in [0, 1].
type Tensor struct {
	Data     []float32
	Batch    int
	Height   int
	Width    int
	Channels int
}

// Shape returns (batch, height, width, channels).
func (t *Tensor) Shape() [4]int {
	return [4]int{t.Batch, t.Height, t.Width, t.Channels}
}

// Normalizer decodes, converts, resizes and scales images to a square tensor.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	size int
}

// NewNormalizer returns a Normalizer producing size x size tensors.
func NewNormalizer(size int) (*Normalizer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("input size must be positive, got %d", size)
	}
	return &Normalizer{size: size}, nil
}

// Size returns the side length of produced tensors.
func (n *Normalizer) Size() int { return n.size }

// Normalize converts raw encoded image bytes into a (1, size, size, 3) tensor.
func (n *Normalizer) Normalize(data []byte) (*Tensor, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxPixels {
		return nil, &DecodeError{Err: fmt.Errorf("unsupported dimensions %dx%d", cfg.Width, cfg.Height)}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	rgb := toOpaqueRGB(src)
	resized := image.NewRGBA(image.Rect(0, 0, n.size, n.size))
	draw.CatmullRom.Scale(resized, resized.Bounds(), rgb, rgb.Bounds(), draw.Src, nil)

	return toTensor(resized, n.size), nil
}

// toOpaqueRGB discards alpha without compositing and expands grayscale or
// paletted images to three channels.
func toOpaqueRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			dst.SetRGBA(x-b.Min.X, y-b.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return dst
}

func toTensor(img *image.RGBA, size int) *Tensor {
	data := make([]float32, size*size*Channels)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			p := img.PixOffset(x, y)
			base := (y*size + x) * Channels
			data[base+0] = float32(img.Pix[p+0]) / 255.0
			data[base+1] = float32(img.Pix[p+1]) / 255.0
			data[base+2] = float32(img.Pix[p+2]) / 255.0
		}
	}
	return &Tensor{
		Data:     data,
		Batch:    1,
		Height:   size,
		Width:    size,
		Channels: Channels,
	}
}

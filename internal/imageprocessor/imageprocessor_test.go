package imageprocessor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSize = 32

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(testSize)
	require.NoError(t, err)
	return n
}

func assertUnitRange(t *testing.T, tensor *Tensor) {
	t.Helper()
	for i, v := range tensor.Data {
		if v < 0 || v > 1 {
			t.Fatalf("element %d out of range: %f", i, v)
		}
	}
}

func TestNormalizeBlackPixel(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.Black)

	tensor, err := newNormalizer(t).Normalize(encodePNG(t, img))
	require.NoError(t, err)

	assert.Equal(t, [4]int{1, testSize, testSize, 3}, tensor.Shape())
	require.Len(t, tensor.Data, testSize*testSize*3)
	for _, v := range tensor.Data {
		assert.Zero(t, v)
	}
}

func TestNormalizeGradientStaysInUnitRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 97, 41))
	for y := 0; y < 41; y++ {
		for x := 0; x < 97; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 6), B: uint8((x + y) % 256), A: 0xff})
		}
	}

	tensor, err := newNormalizer(t).Normalize(encodePNG(t, img))
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, testSize, testSize, 3}, tensor.Shape())
	assertUnitRange(t, tensor)
}

func TestNormalizeExpandsGrayscale(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 51
	}

	tensor, err := newNormalizer(t).Normalize(encodePNG(t, img))
	require.NoError(t, err)

	for i := 0; i < len(tensor.Data); i += 3 {
		assert.InDelta(t, 0.2, tensor.Data[i], 1.0/255)
		assert.Equal(t, tensor.Data[i], tensor.Data[i+1])
		assert.Equal(t, tensor.Data[i], tensor.Data[i+2])
	}
}

func TestNormalizeDropsAlphaWithoutCompositing(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 102, B: 0, A: 128})
		}
	}

	tensor, err := newNormalizer(t).Normalize(encodePNG(t, img))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, tensor.Data[0], 1.0/255)
	assert.InDelta(t, 0.4, tensor.Data[1], 1.0/255)
	assert.InDelta(t, 0.0, tensor.Data[2], 1.0/255)
}

func TestNormalizeAcceptsJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 300, 200))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	tensor, err := newNormalizer(t).Normalize(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, testSize, testSize, 3}, tensor.Shape())
	assertUnitRange(t, tensor)
}

func TestNormalizeEmptyInput(t *testing.T) {
	_, err := newNormalizer(t).Normalize(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNormalizeRejectsUnknownFormat(t *testing.T) {
	_, err := newNormalizer(t).Normalize([]byte("definitely not an image"))
	require.ErrorIs(t, err, ErrDecode)

	var decodeErr *DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestNewNormalizerRejectsNonPositiveSize(t *testing.T) {
	_, err := NewNormalizer(0)
	assert.Error(t, err)
}

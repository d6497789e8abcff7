package grpcclient

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/example/retinascan/internal/imageprocessor"
)

const (
	headerSize = 4 * 4
	// maxDim bounds every dimension of a decoded tensor.
	maxDim = 1 << 14
)

// EncodeTensor packs the shape as four little-endian uint32 values followed by
// the float32 data.
func EncodeTensor(t *imageprocessor.Tensor) []byte {
	buf := make([]byte, headerSize+4*len(t.Data))
	for i, d := range t.Shape() {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(d))
	}
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[headerSize+i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeTensor reverses EncodeTensor.
func DecodeTensor(b []byte) (*imageprocessor.Tensor, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("tensor payload too short: %d bytes", len(b))
	}
	var shape [4]int
	for i := range shape {
		shape[i] = int(binary.LittleEndian.Uint32(b[i*4:]))
		if shape[i] == 0 || shape[i] > maxDim {
			return nil, fmt.Errorf("tensor dimension %d out of range: %d", i, shape[i])
		}
	}

	available := (len(b) - headerSize) / 4
	n := 1
	for _, d := range shape {
		if n > available/d {
			return nil, fmt.Errorf("tensor payload has %d bytes for shape %v", len(b)-headerSize, shape)
		}
		n *= d
	}
	if len(b)-headerSize != 4*n {
		return nil, fmt.Errorf("tensor payload has %d bytes for shape %v", len(b)-headerSize, shape)
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[headerSize+i*4:]))
	}
	return &imageprocessor.Tensor{
		Data:     data,
		Batch:    shape[0],
		Height:   shape[1],
		Width:    shape[2],
		Channels: shape[3],
	}, nil
}

package database

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidEncoding is returned for template blobs that cannot be decoded.
var ErrInvalidEncoding = errors.New("invalid template encoding")

// DecodeFloat64Blob decodes a little-endian float64 array, the format legacy
// enrollment tools wrote face encodings in, into a float32 vector.
func DecodeFloat64Blob(blob []byte) ([]float32, error) {
	if len(blob) == 0 || len(blob)%8 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a float64 array", ErrInvalidEncoding, len(blob))
	}
	out := make([]float32, len(blob)/8)
	for i := range out {
		v := math.Float64frombits(binary.LittleEndian.Uint64(blob[i*8:]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite value at %d", ErrInvalidEncoding, i)
		}
		out[i] = float32(v)
	}
	return out, nil
}

// EncodeFloat64Blob is the inverse of DecodeFloat64Blob.
func EncodeFloat64Blob(vec []float32) []byte {
	out := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(float64(v)))
	}
	return out
}

// SourceHash returns a stable hash of a template vector, used to detect
// re-enrollment.
func SourceHash(vec []float32) string {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, v := range vec {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

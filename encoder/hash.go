// Package encoder provides the text encoders used during training: a
// deterministic feature-hashing encoder that serves as the frozen
// reference, and a trainable linear head layered on top of it.
package encoder

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/tsawler/go-glyph/config"
)

// DefaultDim is the embedding width used when none is configured.
const DefaultDim = 64

// Hash embeds captions by hashing character trigrams into a fixed number
// of signed buckets and L2-normalizing the result. It has no parameters,
// so the same caption always maps to the same vector, and changing a
// single code point moves every trigram that covers it.
type Hash struct {
	dim int
}

// NewHash creates a hashing encoder with the given embedding width.
func NewHash(dim int) (*Hash, error) {
	if dim <= 0 {
		return nil, &config.ConfigurationError{Field: "encoder.dim", Reason: "must be positive"}
	}
	return &Hash{dim: dim}, nil
}

// Dim returns the embedding width.
func (h *Hash) Dim() int {
	return h.dim
}

// Embed maps each caption to a normalized feature vector.
func (h *Hash) Embed(ctx context.Context, captions []string) ([][]float32, error) {
	out := make([][]float32, len(captions))
	for i, caption := range captions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embedOne(caption)
	}
	return out, nil
}

func (h *Hash) embedOne(caption string) []float32 {
	vec := make([]float32, h.dim)
	runes := []rune(caption)

	// Pad so captions shorter than a trigram still produce features.
	padded := make([]rune, 0, len(runes)+2)
	padded = append(padded, '\x02')
	padded = append(padded, runes...)
	padded = append(padded, '\x03')

	for i := 0; i+3 <= len(padded); i++ {
		hash := fnv.New32a()
		var buf [4]byte
		for _, r := range padded[i : i+3] {
			buf[0] = byte(r)
			buf[1] = byte(r >> 8)
			buf[2] = byte(r >> 16)
			buf[3] = byte(r >> 24)
			hash.Write(buf[:])
		}
		sum := hash.Sum32()
		bucket := int(sum % uint32(h.dim))
		// The bit above the bucket selector supplies the sign so that
		// colliding trigrams can cancel instead of always accumulating.
		if (sum>>31)&1 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for j := range vec {
			vec[j] *= inv
		}
	}
	return vec
}

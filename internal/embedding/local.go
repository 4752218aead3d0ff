package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// LocalEngine produces deterministic embeddings without a network dependency.
// Each token hashes into a handful of vector positions, so texts sharing words
// land near each other. Retrieval quality is rough, which is acceptable for
// tests and offline development.
type LocalEngine struct {
	dims int
}

// NewLocalEngine creates a local hash-based embedding engine.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEngine{dims: dims}
}

// Embed generates a deterministic embedding for a single text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		// Spread each token over four positions
		for i := 0; i < 4; i++ {
			idx := binary.BigEndian.Uint32(sum[i*4:]) % uint32(e.dims)
			sign := float32(1)
			if sum[16+i]%2 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}

	// L2 normalize
	var mag float64
	for _, v := range vec {
		mag += float64(v * v)
	}
	if mag > 0 {
		norm := float32(math.Sqrt(mag))
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int {
	return e.dims
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return "local:hash"
}

// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Similarity maps cosine similarity from [-1,1] onto [0,1].
func Similarity(a, b Vector) float64 {
	s := (CosineSimilarity(a, b) + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Mean returns the element-wise mean of vs, or nil when they disagree on length.
func Mean(vs []Vector) Vector {
	var dims int
	var n int
	for _, v := range vs {
		if len(v) == 0 {
			continue
		}
		if dims == 0 {
			dims = len(v)
		} else if len(v) != dims {
			return nil
		}
		n++
	}
	if n == 0 {
		return nil
	}
	out := make(Vector, dims)
	for _, v := range vs {
		for i, x := range v {
			out[i] += x
		}
	}
	for i := range out {
		out[i] /= float32(n)
	}
	return out
}

// Encode packs a vector as little-endian float32s for BLOB storage.
func Encode(v Vector) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode unpacks a BLOB written by Encode.
func Decode(b []byte) (Vector, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("decode vector: length %d is not a multiple of 4", len(b))
	}
	v := make(Vector, len(b)/4)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &v); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return v, nil
}

// Options selects and configures a provider.
type Options struct {
	Provider string // "" | "none" | "hash" | "ollama" | "openai"
	Model    string
	URL      string
	APIKey   string
	Dims     int
}

// New builds the embedder named by opts.Provider. It returns nil, nil when
// embeddings are disabled.
func New(opts Options) (Embedder, error) {
	switch opts.Provider {
	case "", "none":
		return nil, nil
	case "hash":
		return NewHashEmbedder(opts.Dims), nil
	case "ollama":
		return NewOllamaEmbedder(opts.URL, opts.Model, opts.Dims)
	case "openai":
		return NewOpenAIEmbedder(opts.URL, opts.APIKey, opts.Model, opts.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}

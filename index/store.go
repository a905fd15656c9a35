// Package index embeds passages into a named vector collection and
// retrieves the nearest chunks for a query.
package index

import "context"

// Chunk is the stored unit: one slice of a passage together with its
// embedding and provenance metadata.
type Chunk struct {
	ID        string
	Text      string
	Embedding []float32
	Meta      Metadata
}

// Metadata travels with a chunk into the store and back out with
// retrieval results.
type Metadata struct {
	Source     string
	ChunkIndex int
	DocID      string
	DocType    string
}

// Result is one retrieved chunk. Score is the store's raw distance
// metric; lower means closer. No normalization range is guaranteed.
type Result struct {
	Text  string
	Meta  Metadata
	Score float64
}

// VectorStore is a named, persistent chunk collection. Clearing a
// collection that was never written is not an error.
type VectorStore interface {
	Clear(ctx context.Context, collection string) error
	Insert(ctx context.Context, collection string, chunks []Chunk) error
	Query(ctx context.Context, collection string, embedding []float32, limit int) ([]Result, error)
}

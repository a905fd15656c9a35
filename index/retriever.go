package index

import (
	"context"
	"fmt"

	"github.com/finbot/market-rag/embeddings"
)

// DefaultTopK is the result count when neither the caller nor the
// retriever's configuration chooses one. It matches the TOP_K
// configuration default.
const DefaultTopK = 4

// Retriever answers nearest-neighbor queries against a collection using
// the same embedder and normalization the Indexer used to build it.
type Retriever struct {
	embedder embeddings.Embedder
	store    VectorStore
	defaultK int
}

// NewRetriever builds a Retriever. defaultK applies when a caller passes
// a non-positive k; a non-positive defaultK falls back to DefaultTopK.
func NewRetriever(embedder embeddings.Embedder, store VectorStore, defaultK int) *Retriever {
	if defaultK <= 0 {
		defaultK = DefaultTopK
	}
	return &Retriever{embedder: embedder, store: store, defaultK: defaultK}
}

// Retrieve returns the k chunks nearest to the query, ordered by
// ascending distance.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, collection string) ([]Result, error) {
	if k <= 0 {
		k = r.defaultK
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("query embedding count mismatch: expected 1, got %d", len(vectors))
	}

	results, err := r.store.Query(ctx, collection, embeddings.Normalize(vectors[0]), k)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	return results, nil
}

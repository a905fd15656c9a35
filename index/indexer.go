package index

import (
	"context"
	"fmt"
	"log"

	"github.com/finbot/market-rag/embeddings"
	"github.com/finbot/market-rag/marketdata"
)

// Indexer rebuilds a named collection from passages. Builds are full
// replacements: the prior collection contents are cleared first, never
// merged.
type Indexer struct {
	embedder embeddings.Embedder
	store    VectorStore
	logger   *log.Logger
}

func NewIndexer(embedder embeddings.Embedder, store VectorStore, logger *log.Logger) *Indexer {
	if logger == nil {
		logger = log.Default()
	}
	return &Indexer{embedder: embedder, store: store, logger: logger}
}

// Build chunks the passages, embeds every chunk text in one batch, clears
// the collection and inserts the new rows. It returns the inserted count.
// An empty passage list returns 0 without touching the store.
func (ix *Indexer) Build(ctx context.Context, passages []marketdata.Passage, chunker Chunker, collection string) (int, error) {
	if chunker == nil {
		chunker = IdentityChunker
	}

	var chunks []Chunk
	for _, passage := range passages {
		for i, text := range chunker(passage.Text) {
			chunks = append(chunks, Chunk{
				ID:   fmt.Sprintf("%s#chunk%d", passage.ID, i),
				Text: text,
				Meta: Metadata{
					Source:     passage.Source,
					ChunkIndex: i,
					DocID:      passage.ID,
					DocType:    passage.Type,
				},
			})
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: expected %d, got %d", len(chunks), len(vectors))
	}
	for i, vec := range vectors {
		chunks[i].Embedding = embeddings.Normalize(vec)
	}

	if err := ix.store.Clear(ctx, collection); err != nil {
		return 0, fmt.Errorf("clear collection %s: %w", collection, err)
	}
	if err := ix.store.Insert(ctx, collection, chunks); err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}

	ix.logger.Printf("indexed %d chunks into collection %q", len(chunks), collection)
	return len(chunks), nil
}

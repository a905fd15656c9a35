package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore keeps chunks in the rag_chunks table with a pgvector
// embedding column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ VectorStore = (*PostgresStore)(nil)

func (s *PostgresStore) Clear(ctx context.Context, collection string) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	// Deleting zero rows is fine: a collection that was never written is
	// simply absent.
	if _, err := s.pool.Exec(ctx, "DELETE FROM rag_chunks WHERE collection = $1", collection); err != nil {
		return fmt.Errorf("clear collection %s: %w", collection, err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, collection string, chunks []Chunk) error {
	if s.pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunks {
		if _, err := tx.Exec(ctx, `
            INSERT INTO rag_chunks (id, collection, chunk_id, doc_id, source, doc_type, chunk_index, content, embedding)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        `,
			uuid.New(),
			collection,
			chunk.ID,
			chunk.Meta.DocID,
			chunk.Meta.Source,
			chunk.Meta.DocType,
			chunk.Meta.ChunkIndex,
			chunk.Text,
			pgvector.NewVector(chunk.Embedding),
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, embedding []float32, limit int) ([]Result, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = DefaultTopK
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := limit * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
        SELECT
            content,
            source,
            chunk_index,
            doc_id,
            doc_type,
            (embedding <-> $1::vector) AS distance
        FROM rag_chunks
        WHERE collection = $2
        ORDER BY embedding <-> $1::vector
        LIMIT $3
    `, pgvector.NewVector(embedding), collection, limit)
	if err != nil {
		return nil, fmt.Errorf("query nearest chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, limit)
	for rows.Next() {
		var item Result
		if scanErr := rows.Scan(&item.Text, &item.Meta.Source, &item.Meta.ChunkIndex, &item.Meta.DocID, &item.Meta.DocType, &item.Score); scanErr != nil {
			return nil, fmt.Errorf("scan chunk row: %w", scanErr)
		}
		results = append(results, item)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return results, nil
}

package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/cchc/docsync/internal/model"
	appErr "github.com/cchc/docsync/internal/pkg/errors"
	"github.com/cchc/docsync/internal/pkg/dbutil"
)

type ChunkRepo struct {
	db dbutil.Queryer
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

func (r *ChunkRepo) WithTx(tx *sql.Tx) *ChunkRepo {
	return &ChunkRepo{db: tx}
}

func (r *ChunkRepo) Create(ctx context.Context, chunk *model.Chunk) error {
	data := map[string]interface{}{
		"document_id": chunk.DocumentID,
		"text":        chunk.Text,
		"embedding":   embeddingValue(chunk.Embedding),
		"page_number": chunk.PageNumber,
	}
	sqlStr, args, err := builder.BuildInsert("chunks", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	row := r.db.QueryRowContext(ctx, sqlStr+" RETURNING id", args...)
	return row.Scan(&chunk.ID)
}

// UpdateEmbedding overwrites a chunk's embedding. Embeddings are never
// re-derived implicitly; this is the explicit overwrite path.
func (r *ChunkRepo) UpdateEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE chunks SET embedding = $1 WHERE id = $2",
		embeddingValue(embedding), chunkID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

func (r *ChunkRepo) GetByID(ctx context.Context, id int64) (*model.Chunk, error) {
	chunks, err := r.list(ctx, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, appErr.ErrNotFound
	}
	return &chunks[0], nil
}

func (r *ChunkRepo) ListByDocument(ctx context.Context, documentID int64) ([]model.Chunk, error) {
	return r.list(ctx, map[string]interface{}{"document_id": documentID, "_orderby": "id asc"})
}

// ListByDocuments loads the chunks for a set of documents in one query,
// keyed by document id.
func (r *ChunkRepo) ListByDocuments(ctx context.Context, documentIDs []int64) (map[int64][]model.Chunk, error) {
	result := make(map[int64][]model.Chunk)
	if len(documentIDs) == 0 {
		return result, nil
	}
	ids := make([]interface{}, 0, len(documentIDs))
	for _, id := range documentIDs {
		ids = append(ids, id)
	}
	chunks, err := r.list(ctx, map[string]interface{}{
		"document_id in": ids,
		"_orderby":       "id asc",
	})
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		result[chunk.DocumentID] = append(result[chunk.DocumentID], chunk)
	}
	return result, nil
}

func (r *ChunkRepo) list(ctx context.Context, where map[string]interface{}) ([]model.Chunk, error) {
	sqlStr, args, err := builder.BuildSelect("chunks", where,
		[]string{"id", "document_id", "text", "embedding", "page_number"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chunks := make([]model.Chunk, 0)
	for rows.Next() {
		var chunk model.Chunk
		var embedding sql.NullString
		var pageNumber sql.NullInt64
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Text, &embedding, &pageNumber); err != nil {
			return nil, err
		}
		if embedding.Valid {
			var vec pgvector.Vector
			if err := vec.Parse(embedding.String); err != nil {
				return nil, err
			}
			chunk.Embedding = vec.Slice()
		}
		if pageNumber.Valid {
			v := int(pageNumber.Int64)
			chunk.PageNumber = &v
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func embeddingValue(embedding []float32) interface{} {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

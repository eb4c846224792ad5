package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/cchc/docsync/internal/pkg/dbutil"
)

type DocumentTagRepo struct {
	db dbutil.Queryer
}

func NewDocumentTagRepo(db *sql.DB) *DocumentTagRepo {
	return &DocumentTagRepo{db: db}
}

func (r *DocumentTagRepo) WithTx(tx *sql.Tx) *DocumentTagRepo {
	return &DocumentTagRepo{db: tx}
}

// Add links a tag to a document. Re-adding an existing link is a no-op; the
// join table's primary key absorbs the duplicate.
func (r *DocumentTagRepo) Add(ctx context.Context, documentID, tagID int64) error {
	data := map[string]interface{}{
		"document_id": documentID,
		"tag_id":      tagID,
	}
	sqlStr, args, err := builder.BuildInsert("document_tags", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr+" ON CONFLICT DO NOTHING", args...)
	return err
}

func (r *DocumentTagRepo) ListTagIDs(ctx context.Context, documentID int64) ([]int64, error) {
	where := map[string]interface{}{"document_id": documentID}
	sqlStr, args, err := builder.BuildSelect("document_tags", where, []string{"tag_id"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]int64, 0)
	for rows.Next() {
		var tagID int64
		if err := rows.Scan(&tagID); err != nil {
			return nil, err
		}
		ids = append(ids, tagID)
	}
	return ids, rows.Err()
}

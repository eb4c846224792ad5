package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/cchc/docsync/internal/model"
	appErr "github.com/cchc/docsync/internal/pkg/errors"
	"github.com/cchc/docsync/internal/pkg/dbutil"
)

type TagRepo struct {
	db dbutil.Queryer
}

func NewTagRepo(db *sql.DB) *TagRepo {
	return &TagRepo{db: db}
}

func (r *TagRepo) WithTx(tx *sql.Tx) *TagRepo {
	return &TagRepo{db: tx}
}

// Create inserts a tag row. A duplicate name surfaces as ErrConflict so the
// caller can fall back to the row the concurrent creator won with.
func (r *TagRepo) Create(ctx context.Context, tag *model.Tag) error {
	data := map[string]interface{}{"name": tag.Name}
	sqlStr, args, err := builder.BuildInsert("tags", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	row := r.db.QueryRowContext(ctx, sqlStr+" RETURNING id", args...)
	if err := row.Scan(&tag.ID); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *TagRepo) GetByName(ctx context.Context, name string) (*model.Tag, error) {
	sqlStr, args, err := builder.BuildSelect("tags", map[string]interface{}{"name": name}, []string{"id", "name"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, appErr.ErrNotFound
	}
	var tag model.Tag
	if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
		return nil, err
	}
	return &tag, rows.Err()
}

func (r *TagRepo) List(ctx context.Context) ([]model.Tag, error) {
	sqlStr, args, err := builder.BuildSelect("tags", map[string]interface{}{"_orderby": "name asc"}, []string{"id", "name"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := make([]model.Tag, 0)
	for rows.Next() {
		var tag model.Tag
		if err := rows.Scan(&tag.ID, &tag.Name); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ListByDocuments loads the tags attached to a set of documents through the
// join table, keyed by document id.
func (r *TagRepo) ListByDocuments(ctx context.Context, documentIDs []int64) (map[int64][]model.Tag, error) {
	result := make(map[int64][]model.Tag)
	if len(documentIDs) == 0 {
		return result, nil
	}
	query := "SELECT dt.document_id, t.id, t.name FROM tags t JOIN document_tags dt ON dt.tag_id = t.id WHERE dt.document_id IN ("
	args := make([]interface{}, 0, len(documentIDs))
	for i, id := range documentIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, id)
	}
	query += ") ORDER BY t.name ASC"
	query, args = dbutil.Finalize(query, args)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var docID int64
		var tag model.Tag
		if err := rows.Scan(&docID, &tag.ID, &tag.Name); err != nil {
			return nil, err
		}
		result[docID] = append(result[docID], tag)
	}
	return result, rows.Err()
}

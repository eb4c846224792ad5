package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/cchc/docsync/internal/model"
	appErr "github.com/cchc/docsync/internal/pkg/errors"
	"github.com/cchc/docsync/internal/pkg/dbutil"
)

var documentColumns = []string{
	"id", "doc_hash", "title", "doc_path", "output_dir",
	"markdown_path", "images_path", "page_count", "is_uploaded", "local_update",
}

type DocumentRepo struct {
	db dbutil.Queryer
}

func NewDocumentRepo(db *sql.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *DocumentRepo) WithTx(tx *sql.Tx) *DocumentRepo {
	return &DocumentRepo{db: tx}
}

func (r *DocumentRepo) Create(ctx context.Context, doc *model.Document) error {
	data := map[string]interface{}{
		"doc_hash":      nullableString(doc.DocHash),
		"title":         doc.Title,
		"doc_path":      doc.DocPath,
		"output_dir":    doc.OutputDir,
		"markdown_path": doc.MarkdownPath,
		"images_path":   doc.ImagesPath,
		"page_count":    doc.PageCount,
		"is_uploaded":   doc.IsUploaded,
		"local_update":  doc.LocalUpdate,
	}
	sqlStr, args, err := builder.BuildInsert("documents", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	row := r.db.QueryRowContext(ctx, sqlStr+" RETURNING id", args...)
	if err := row.Scan(&doc.ID); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *DocumentRepo) GetByID(ctx context.Context, id int64) (*model.Document, error) {
	return r.getOne(ctx, map[string]interface{}{"id": id})
}

func (r *DocumentRepo) GetByHash(ctx context.Context, docHash string) (*model.Document, error) {
	return r.getOne(ctx, map[string]interface{}{"doc_hash": docHash})
}

func (r *DocumentRepo) GetByTitle(ctx context.Context, title string) (*model.Document, error) {
	return r.getOne(ctx, map[string]interface{}{"title": title})
}

func (r *DocumentRepo) getOne(ctx context.Context, where map[string]interface{}) (*model.Document, error) {
	sqlStr, args, err := builder.BuildSelect("documents", where, documentColumns)
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
	doc, err := scanDocument(rows)
	if err != nil {
		return nil, err
	}
	return doc, rows.Err()
}

func (r *DocumentRepo) List(ctx context.Context) ([]*model.Document, error) {
	return r.list(ctx, map[string]interface{}{"_orderby": "id asc"})
}

// ListNotUploaded returns the sync work queue: every document whose remote
// copy does not yet reflect the local state.
func (r *DocumentRepo) ListNotUploaded(ctx context.Context) ([]*model.Document, error) {
	return r.list(ctx, map[string]interface{}{"is_uploaded": 0, "_orderby": "id asc"})
}

func (r *DocumentRepo) list(ctx context.Context, where map[string]interface{}) ([]*model.Document, error) {
	sqlStr, args, err := builder.BuildSelect("documents", where, documentColumns)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	docs := make([]*model.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateSyncFlags persists a document's reconciliation state. It is the only
// mutation the sync service performs.
func (r *DocumentRepo) UpdateSyncFlags(ctx context.Context, id int64, isUploaded, localUpdate int) error {
	where := map[string]interface{}{"id": id}
	update := map[string]interface{}{
		"is_uploaded":  isUploaded,
		"local_update": localUpdate,
	}
	sqlStr, args, err := builder.BuildUpdate("documents", where, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
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

// ResetSyncFlags clears both sync flags on every document, forcing a full
// re-sync on the next push. Returns the number of rows touched.
func (r *DocumentRepo) ResetSyncFlags(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, "UPDATE documents SET is_uploaded = 0, local_update = 0")
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteAll removes every document; chunks and tag links go with them via
// the cascading foreign keys.
func (r *DocumentRepo) DeleteAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

func scanDocument(rows *sql.Rows) (*model.Document, error) {
	var doc model.Document
	var docHash, markdownPath, imagesPath sql.NullString
	var pageCount sql.NullInt64
	if err := rows.Scan(&doc.ID, &docHash, &doc.Title, &doc.DocPath, &doc.OutputDir,
		&markdownPath, &imagesPath, &pageCount, &doc.IsUploaded, &doc.LocalUpdate); err != nil {
		return nil, err
	}
	if docHash.Valid {
		doc.DocHash = docHash.String
	}
	if markdownPath.Valid {
		v := markdownPath.String
		doc.MarkdownPath = &v
	}
	if imagesPath.Valid {
		v := imagesPath.String
		doc.ImagesPath = &v
	}
	if pageCount.Valid {
		v := int(pageCount.Int64)
		doc.PageCount = &v
	}
	return &doc, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

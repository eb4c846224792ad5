package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/cchc/docsync/internal/model"
	"github.com/cchc/docsync/internal/notify"
	appErr "github.com/cchc/docsync/internal/pkg/errors"
	"github.com/cchc/docsync/internal/repo"
)

// HashChecker asks the remote system whether a content-hash is already known
// there. The backend client implements it.
type HashChecker interface {
	CheckDocumentHash(ctx context.Context, hash string) (bool, error)
}

// DocumentService is the single write path for local document state. Each
// mutating call is one short transaction; a failure leaves previously
// committed state untouched.
type DocumentService struct {
	db         *sql.DB
	docRepo    *repo.DocumentRepo
	chunkRepo  *repo.ChunkRepo
	tagRepo    *repo.TagRepo
	docTagRepo *repo.DocumentTagRepo
	checker    HashChecker
	notifier   *notify.Notifier

	// hashCheckFailClosed turns a failed remote existence check into an
	// insert error instead of the default fail-open behavior.
	hashCheckFailClosed bool
}

type DocumentServiceOption func(*DocumentService)

func WithHashChecker(checker HashChecker) DocumentServiceOption {
	return func(s *DocumentService) { s.checker = checker }
}

func WithNotifier(notifier *notify.Notifier) DocumentServiceOption {
	return func(s *DocumentService) { s.notifier = notifier }
}

func WithHashCheckFailClosed(failClosed bool) DocumentServiceOption {
	return func(s *DocumentService) { s.hashCheckFailClosed = failClosed }
}

func NewDocumentService(db *sql.DB, opts ...DocumentServiceOption) *DocumentService {
	s := &DocumentService{
		db:         db,
		docRepo:    repo.NewDocumentRepo(db),
		chunkRepo:  repo.NewChunkRepo(db),
		tagRepo:    repo.NewTagRepo(db),
		docTagRepo: repo.NewDocumentTagRepo(db),
		notifier:   notify.NewNotifier(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateDocumentArgs struct {
	DocHash      string
	Title        string
	DocPath      string
	OutputDir    string
	MarkdownPath *string
	ImagesPath   *string
	PageCount    *int
	TagNames     []string
	ChunkTexts   []string
}

// CreateDocument builds a document with un-embedded chunks for each chunk
// text and the named tags attached. With commitNow false the in-memory
// document is returned for further enrichment; nothing is persisted until
// SaveDocument. With commitNow true it is persisted before returning.
func (s *DocumentService) CreateDocument(ctx context.Context, args CreateDocumentArgs, commitNow bool) (*model.Document, error) {
	if args.Title == "" {
		return nil, fmt.Errorf("%w: document title is required", appErr.ErrInvalid)
	}
	doc := &model.Document{
		DocHash:      args.DocHash,
		Title:        args.Title,
		DocPath:      args.DocPath,
		OutputDir:    args.OutputDir,
		MarkdownPath: args.MarkdownPath,
		ImagesPath:   args.ImagesPath,
		PageCount:    args.PageCount,
	}
	for _, text := range args.ChunkTexts {
		doc.Chunks = append(doc.Chunks, model.Chunk{Text: text})
	}
	for _, name := range args.TagNames {
		doc.Tags = append(doc.Tags, model.Tag{Name: name})
	}
	if !commitNow {
		return doc, nil
	}
	if err := s.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// SaveDocument makes an in-memory document durable: the validation hook runs
// first, then the row, its chunks and its tag links are committed in one
// transaction. Tag rows themselves are resolved before the transaction so a
// lost get-or-create race cannot abort it.
func (s *DocumentService) SaveDocument(ctx context.Context, doc *model.Document) error {
	if err := s.validateBeforeInsert(ctx, doc); err != nil {
		return err
	}
	for i := range doc.Tags {
		tag, err := s.GetOrCreateTag(ctx, doc.Tags[i].Name)
		if err != nil {
			return fmt.Errorf("resolve tag %q: %w", doc.Tags[i].Name, err)
		}
		doc.Tags[i] = *tag
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.docRepo.WithTx(tx).Create(ctx, doc); err != nil {
		return err
	}
	chunkRepo := s.chunkRepo.WithTx(tx)
	for i := range doc.Chunks {
		doc.Chunks[i].DocumentID = doc.ID
		if err := chunkRepo.Create(ctx, &doc.Chunks[i]); err != nil {
			return err
		}
	}
	docTagRepo := s.docTagRepo.WithTx(tx)
	for _, tag := range doc.Tags {
		if err := docTagRepo.Add(ctx, doc.ID, tag.ID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.publish(ctx, notify.EventDocumentCreated, doc)
	return nil
}

// validateBeforeInsert fires just before a document row becomes durable.
// When the remote already knows this hash, the very first commit must
// already read as "update pending", so local_update is set on the in-flight
// row. The check never retries; by default a transient failure is logged
// and the insert proceeds with the flag untouched.
func (s *DocumentService) validateBeforeInsert(ctx context.Context, doc *model.Document) error {
	if s.checker == nil || doc.DocHash == "" {
		return nil
	}
	exists, err := s.checker.CheckDocumentHash(ctx, doc.DocHash)
	if err != nil {
		if s.hashCheckFailClosed {
			return fmt.Errorf("remote hash check failed: %w", err)
		}
		logutil.GetLogger(ctx).Warn("remote hash check failed, inserting anyway",
			zap.String("doc_hash", doc.DocHash), zap.Error(err))
		return nil
	}
	if exists {
		doc.LocalUpdate = 1
		logutil.GetLogger(ctx).Info("remote already holds this hash, flagging for update",
			zap.String("doc_hash", doc.DocHash), zap.String("title", doc.Title))
		s.publish(ctx, notify.EventRemoteDuplicate, doc)
	}
	return nil
}

func (s *DocumentService) CreateChunk(ctx context.Context, chunk *model.Chunk) error {
	if chunk.DocumentID == 0 {
		return fmt.Errorf("%w: chunk requires a document id", appErr.ErrInvalid)
	}
	return s.chunkRepo.Create(ctx, chunk)
}

// GetOrCreateTag returns the tag row for name, creating it if absent. Losing
// the create race to a concurrent caller is benign: the winner's row is
// re-read and returned.
func (s *DocumentService) GetOrCreateTag(ctx context.Context, name string) (*model.Tag, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: tag name is required", appErr.ErrInvalid)
	}
	tag, err := s.tagRepo.GetByName(ctx, name)
	if err == nil {
		return tag, nil
	}
	if !errors.Is(err, appErr.ErrNotFound) {
		return nil, err
	}
	created := &model.Tag{Name: name}
	if err := s.tagRepo.Create(ctx, created); err == nil {
		return created, nil
	} else if !errors.Is(err, appErr.ErrConflict) {
		return nil, err
	}
	return s.tagRepo.GetByName(ctx, name)
}

func (s *DocumentService) GetDocumentByID(ctx context.Context, id int64) (*model.Document, error) {
	doc, err := s.docRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.attachRelations(ctx, []*model.Document{doc}); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) GetDocumentByHash(ctx context.Context, docHash string) (*model.Document, error) {
	doc, err := s.docRepo.GetByHash(ctx, docHash)
	if err != nil {
		return nil, err
	}
	if err := s.attachRelations(ctx, []*model.Document{doc}); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) GetDocumentByTitle(ctx context.Context, title string) (*model.Document, error) {
	doc, err := s.docRepo.GetByTitle(ctx, title)
	if err != nil {
		return nil, err
	}
	if err := s.attachRelations(ctx, []*model.Document{doc}); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *DocumentService) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	docs, err := s.docRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.attachRelations(ctx, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *DocumentService) ListTags(ctx context.Context) ([]model.Tag, error) {
	return s.tagRepo.List(ctx)
}

// GetNewestDocuments returns the sync work queue with chunks and tags
// loaded, ready to be pushed.
func (s *DocumentService) GetNewestDocuments(ctx context.Context) ([]*model.Document, error) {
	docs, err := s.docRepo.ListNotUploaded(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.attachRelations(ctx, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *DocumentService) attachRelations(ctx context.Context, docs []*model.Document) error {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	chunks, err := s.chunkRepo.ListByDocuments(ctx, ids)
	if err != nil {
		return err
	}
	tags, err := s.tagRepo.ListByDocuments(ctx, ids)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		doc.Chunks = chunks[doc.ID]
		doc.Tags = tags[doc.ID]
	}
	return nil
}

// AddTagToDocument attaches a tag by name; re-attaching is a no-op.
func (s *DocumentService) AddTagToDocument(ctx context.Context, documentID int64, tagName string) error {
	tag, err := s.GetOrCreateTag(ctx, tagName)
	if err != nil {
		return err
	}
	return s.docTagRepo.Add(ctx, documentID, tag.ID)
}

// AddTagToDocumentByHash resolves the document first, so a missing document
// surfaces as ErrNotFound instead of a dangling link.
func (s *DocumentService) AddTagToDocumentByHash(ctx context.Context, docHash string, tagName string) error {
	doc, err := s.docRepo.GetByHash(ctx, docHash)
	if err != nil {
		return err
	}
	return s.AddTagToDocument(ctx, doc.ID, tagName)
}

// MarkDocumentUploaded records a successful remote reconciliation: the
// remote copy now reflects local state, so both flags settle.
func (s *DocumentService) MarkDocumentUploaded(ctx context.Context, documentID int64) error {
	if err := s.docRepo.UpdateSyncFlags(ctx, documentID, 1, 0); err != nil {
		return err
	}
	s.publish(ctx, notify.EventDocumentSynced, &model.Document{ID: documentID, IsUploaded: 1})
	return nil
}

// MarkAllDocumentsNotUploaded force-queues every document for the next sync
// run. Returns the number of documents touched.
func (s *DocumentService) MarkAllDocumentsNotUploaded(ctx context.Context) (int64, error) {
	docs, err := s.docRepo.List(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := s.docRepo.ResetSyncFlags(ctx)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		doc.IsUploaded = 0
		doc.LocalUpdate = 0
		s.publish(ctx, notify.EventSyncFlagsReset, doc)
	}
	logutil.GetLogger(ctx).Info("sync flags reset", zap.Int64("documents", affected))
	return affected, nil
}

// DeleteAllDocuments drops every document; chunks and tag links cascade, tag
// rows stay (they are independent reference data).
func (s *DocumentService) DeleteAllDocuments(ctx context.Context) error {
	if err := s.docRepo.DeleteAll(ctx); err != nil {
		return err
	}
	s.publish(ctx, notify.EventDocumentsDeleted, nil)
	return nil
}

func (s *DocumentService) publish(ctx context.Context, event notify.Event, doc *model.Document) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, event, doc)
}

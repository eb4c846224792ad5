package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/cchc/docsync/internal/backend"
	"github.com/cchc/docsync/internal/model"
)

// ErrSyncRunning means a push was requested while another one was still in
// flight. Concurrent runs over the same work queue are not safe, so the
// second caller is turned away instead of queued.
var ErrSyncRunning = errors.New("sync is already running")

type localStore interface {
	GetNewestDocuments(ctx context.Context) ([]*model.Document, error)
	MarkDocumentUploaded(ctx context.Context, documentID int64) error
}

type remoteAPI interface {
	CreateDocument(ctx context.Context, payload backend.DocumentPayload) (*backend.RemoteDocument, error)
	UpdateDocumentByHash(ctx context.Context, docHash string, payload backend.DocumentPayload) (*backend.RemoteDocument, error)
}

type vectorIndex interface {
	UpsertDocuments(ctx context.Context, docs []*model.Document, namespace string) error
}

// SyncResult summarizes one push run.
type SyncResult struct {
	Created int
	Updated int
	Skipped int
	Failed  int
	Indexed int
}

// SyncService reconciles the local work queue against the remote system and
// then forwards the freshly synced documents to the vector index. Flag
// updates are committed per document, so an interrupted run only loses the
// unfinished tail.
type SyncService struct {
	store     localStore
	remote    remoteAPI
	index     vectorIndex
	namespace string
	running   atomic.Bool
}

type SyncServiceOption func(*SyncService)

// WithVectorIndex enables post-sync indexing into the given namespace.
func WithVectorIndex(index vectorIndex, namespace string) SyncServiceOption {
	return func(s *SyncService) {
		s.index = index
		s.namespace = namespace
	}
}

func NewSyncService(store localStore, remote remoteAPI, opts ...SyncServiceOption) *SyncService {
	s := &SyncService{store: store, remote: remote}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push drains the work queue. Documents flagged local_update are pushed as
// remote updates when merge is true and skipped when it is false; everything
// else is pushed as a remote create. One document failing does not stop the
// rest; per-document errors are joined into the returned error.
func (s *SyncService) Push(ctx context.Context, merge bool) (*SyncResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncRunning
	}
	defer s.running.Store(false)

	logger := logutil.GetLogger(ctx).With(zap.Bool("merge", merge))
	docs, err := s.store.GetNewestDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load work queue: %w", err)
	}
	logger.Info("sync run started", zap.Int("pending", len(docs)))

	result := &SyncResult{}
	var synced []*model.Document
	var errs []error
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		docLogger := logger.With(zap.Int64("document_id", doc.ID), zap.String("title", doc.Title))
		if doc.LocalUpdate == 1 {
			if !merge {
				docLogger.Info("local changes pending but merge disabled, skipping")
				result.Skipped++
				continue
			}
			if err := s.pushUpdate(ctx, doc); err != nil {
				docLogger.Error("remote update failed", zap.Error(err))
				result.Failed++
				errs = append(errs, fmt.Errorf("update %q: %w", doc.Title, err))
				continue
			}
			docLogger.Info("document updated remotely")
			result.Updated++
		} else {
			if err := s.pushCreate(ctx, doc); err != nil {
				docLogger.Error("remote create failed", zap.Error(err))
				result.Failed++
				errs = append(errs, fmt.Errorf("create %q: %w", doc.Title, err))
				continue
			}
			docLogger.Info("document created remotely")
			result.Created++
		}
		synced = append(synced, doc)
	}

	if s.index != nil {
		embedded := filterEmbedded(synced)
		if len(embedded) > 0 {
			if err := s.index.UpsertDocuments(ctx, embedded, s.namespace); err != nil {
				logger.Error("vector upsert failed", zap.Error(err))
				errs = append(errs, fmt.Errorf("vector upsert: %w", err))
			} else {
				result.Indexed = len(embedded)
			}
		}
	}

	logger.Info("sync run finished",
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("indexed", result.Indexed),
	)
	return result, errors.Join(errs...)
}

func (s *SyncService) pushCreate(ctx context.Context, doc *model.Document) error {
	if _, err := s.remote.CreateDocument(ctx, buildPayload(doc)); err != nil {
		return err
	}
	if err := s.store.MarkDocumentUploaded(ctx, doc.ID); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	doc.IsUploaded = 1
	doc.LocalUpdate = 0
	return nil
}

func (s *SyncService) pushUpdate(ctx context.Context, doc *model.Document) error {
	if doc.DocHash == "" {
		return fmt.Errorf("document has no content hash to update by")
	}
	if _, err := s.remote.UpdateDocumentByHash(ctx, doc.DocHash, buildPayload(doc)); err != nil {
		return err
	}
	if err := s.store.MarkDocumentUploaded(ctx, doc.ID); err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	doc.IsUploaded = 1
	doc.LocalUpdate = 0
	return nil
}

func buildPayload(doc *model.Document) backend.DocumentPayload {
	return backend.DocumentPayload{
		DocHash:      doc.DocHash,
		Title:        doc.Title,
		DocPath:      doc.DocPath,
		OutputDir:    doc.OutputDir,
		MarkdownPath: doc.MarkdownPath,
		ImagesPath:   doc.ImagesPath,
		PageCount:    doc.PageCount,
	}
}

func filterEmbedded(docs []*model.Document) []*model.Document {
	out := make([]*model.Document, 0, len(docs))
	for _, doc := range docs {
		if doc.HasEmbeddedChunks() {
			out = append(out, doc)
		}
	}
	return out
}

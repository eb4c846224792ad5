package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cchc/docsync/internal/model"
	"github.com/cchc/docsync/internal/notify"
	appErr "github.com/cchc/docsync/internal/pkg/errors"
	"github.com/cchc/docsync/internal/testutil"
)

type fakeChecker struct {
	exists bool
	err    error
	calls  int
}

func (f *fakeChecker) CheckDocumentHash(ctx context.Context, hash string) (bool, error) {
	f.calls++
	return f.exists, f.err
}

type recordingObserver struct {
	events []notify.Event
}

func (r *recordingObserver) OnDocumentEvent(ctx context.Context, event notify.Event, doc *model.Document) {
	r.events = append(r.events, event)
}

func TestValidateBeforeInsertFlagsKnownHash(t *testing.T) {
	checker := &fakeChecker{exists: true}
	observer := &recordingObserver{}
	s := &DocumentService{checker: checker, notifier: notify.NewNotifier(observer)}

	doc := &model.Document{DocHash: "h2", Title: "Doc2"}
	require.NoError(t, s.validateBeforeInsert(context.Background(), doc))
	require.Equal(t, 1, doc.LocalUpdate)
	require.Equal(t, 1, checker.calls)
	require.Contains(t, observer.events, notify.EventRemoteDuplicate)
}

func TestValidateBeforeInsertSkipsHashlessDocuments(t *testing.T) {
	checker := &fakeChecker{exists: true}
	s := &DocumentService{checker: checker}

	doc := &model.Document{Title: "NoHash"}
	require.NoError(t, s.validateBeforeInsert(context.Background(), doc))
	require.Equal(t, 0, doc.LocalUpdate)
	require.Equal(t, 0, checker.calls)
}

func TestValidateBeforeInsertFailsOpenByDefault(t *testing.T) {
	checker := &fakeChecker{err: errors.New("remote unreachable")}
	s := &DocumentService{checker: checker}

	doc := &model.Document{DocHash: "h3", Title: "Doc3"}
	require.NoError(t, s.validateBeforeInsert(context.Background(), doc))
	require.Equal(t, 0, doc.LocalUpdate)
}

func TestValidateBeforeInsertFailClosed(t *testing.T) {
	checker := &fakeChecker{err: errors.New("remote unreachable")}
	s := &DocumentService{checker: checker, hashCheckFailClosed: true}

	doc := &model.Document{DocHash: "h3", Title: "Doc3"}
	err := s.validateBeforeInsert(context.Background(), doc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "remote unreachable")
}

func TestCreateDocumentDeferredIsNotPersisted(t *testing.T) {
	s := &DocumentService{}
	doc, err := s.CreateDocument(context.Background(), CreateDocumentArgs{
		DocHash:    "h1",
		Title:      "Doc1",
		ChunkTexts: []string{"a", "b"},
		TagNames:   []string{"history"},
	}, false)
	require.NoError(t, err)
	require.Zero(t, doc.ID)
	require.Len(t, doc.Chunks, 2)
	require.Equal(t, "history", doc.Tags[0].Name)
}

func TestCreateDocumentRequiresTitle(t *testing.T) {
	s := &DocumentService{}
	_, err := s.CreateDocument(context.Background(), CreateDocumentArgs{DocHash: "h"}, false)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestDocumentLifecycleAgainstDatabase(t *testing.T) {
	database := testutil.PrepareDB(t)
	ctx := context.Background()
	observer := &recordingObserver{}
	checker := &fakeChecker{exists: false}
	s := NewDocumentService(database,
		WithHashChecker(checker),
		WithNotifier(notify.NewNotifier(observer)),
	)

	pageCount := 12
	doc, err := s.CreateDocument(ctx, CreateDocumentArgs{
		DocHash:    "hash-a",
		Title:      "Archive Report",
		DocPath:    "/in/report.pdf",
		OutputDir:  "/out",
		PageCount:  &pageCount,
		TagNames:   []string{"archive", "report"},
		ChunkTexts: []string{"first span", "second span"},
	}, true)
	require.NoError(t, err)
	require.NotZero(t, doc.ID)
	require.Contains(t, observer.events, notify.EventDocumentCreated)

	loaded, err := s.GetDocumentByHash(ctx, "hash-a")
	require.NoError(t, err)
	require.Equal(t, "Archive Report", loaded.Title)
	require.Len(t, loaded.Chunks, 2)
	require.Len(t, loaded.Tags, 2)
	require.Equal(t, 0, loaded.IsUploaded)

	// duplicate hash is rejected by the unique constraint
	_, err = s.CreateDocument(ctx, CreateDocumentArgs{DocHash: "hash-a", Title: "Other"}, true)
	require.ErrorIs(t, err, appErr.ErrConflict)

	// tag attach is idempotent and get-or-create reuses the row
	require.NoError(t, s.AddTagToDocumentByHash(ctx, "hash-a", "archive"))
	tags, err := s.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 2)

	require.ErrorIs(t, s.AddTagToDocumentByHash(ctx, "no-such-hash", "archive"), appErr.ErrNotFound)

	queue, err := s.GetNewestDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	require.NoError(t, s.MarkDocumentUploaded(ctx, doc.ID))
	queue, err = s.GetNewestDocuments(ctx)
	require.NoError(t, err)
	require.Empty(t, queue)

	affected, err := s.MarkAllDocumentsNotUploaded(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)
	require.Contains(t, observer.events, notify.EventSyncFlagsReset)

	require.NoError(t, s.DeleteAllDocuments(ctx))
	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)
	// tags survive document deletion
	tags, err = s.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 2)
}

func TestGetOrCreateTagReusesExistingRow(t *testing.T) {
	database := testutil.PrepareDB(t)
	ctx := context.Background()
	s := NewDocumentService(database)

	first, err := s.GetOrCreateTag(ctx, "manuscript")
	require.NoError(t, err)
	second, err := s.GetOrCreateTag(ctx, "manuscript")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateTagConcurrentCallersShareOneRow(t *testing.T) {
	database := testutil.PrepareDB(t)
	ctx := context.Background()
	s := NewDocumentService(database)

	// every worker misses the lookup, races the insert, and the losers must
	// recover the winner's row through the unique constraint
	const workers = 16
	ids := make([]int64, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tag, err := s.GetOrCreateTag(ctx, "contended")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = tag.ID
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	tags, err := s.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, "contended", tags[0].Name)
	require.Equal(t, ids[0], tags[0].ID)
}

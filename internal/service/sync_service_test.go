package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cchc/docsync/internal/backend"
	"github.com/cchc/docsync/internal/model"
)

type fakeLocalStore struct {
	queue   []*model.Document
	marked  []int64
	markErr error
}

func (f *fakeLocalStore) GetNewestDocuments(ctx context.Context) ([]*model.Document, error) {
	return f.queue, nil
}

func (f *fakeLocalStore) MarkDocumentUploaded(ctx context.Context, documentID int64) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, documentID)
	return nil
}

type fakeRemoteAPI struct {
	created       []backend.DocumentPayload
	updatedHashes []string
	createErr     map[string]error
	updateErr     error
}

func (f *fakeRemoteAPI) CreateDocument(ctx context.Context, payload backend.DocumentPayload) (*backend.RemoteDocument, error) {
	if err := f.createErr[payload.Title]; err != nil {
		return nil, err
	}
	f.created = append(f.created, payload)
	return &backend.RemoteDocument{ID: int64(len(f.created)), DocHash: payload.DocHash, Title: payload.Title}, nil
}

func (f *fakeRemoteAPI) UpdateDocumentByHash(ctx context.Context, docHash string, payload backend.DocumentPayload) (*backend.RemoteDocument, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updatedHashes = append(f.updatedHashes, docHash)
	return &backend.RemoteDocument{ID: 1, DocHash: docHash, Title: payload.Title}, nil
}

type fakeVectorIndex struct {
	docs      []*model.Document
	namespace string
	err       error
}

func (f *fakeVectorIndex) UpsertDocuments(ctx context.Context, docs []*model.Document, namespace string) error {
	if f.err != nil {
		return f.err
	}
	f.docs = docs
	f.namespace = namespace
	return nil
}

func TestPushCreatesPendingDocument(t *testing.T) {
	store := &fakeLocalStore{queue: []*model.Document{
		{ID: 1, DocHash: "h1", Title: "Doc1"},
	}}
	remote := &fakeRemoteAPI{}
	sync := NewSyncService(store, remote)

	result, err := sync.Push(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)
	require.Len(t, remote.created, 1)
	require.Equal(t, "h1", remote.created[0].DocHash)
	require.Equal(t, []int64{1}, store.marked)
	require.Equal(t, 1, store.queue[0].IsUploaded)
}

func TestPushSkipsLocalUpdateWithoutMerge(t *testing.T) {
	doc := &model.Document{ID: 2, DocHash: "h2", Title: "Doc2", LocalUpdate: 1}
	store := &fakeLocalStore{queue: []*model.Document{doc}}
	remote := &fakeRemoteAPI{}
	sync := NewSyncService(store, remote)

	result, err := sync.Push(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, result.Skipped)
	require.Empty(t, remote.created)
	require.Empty(t, remote.updatedHashes)
	require.Empty(t, store.marked)
	// flags untouched
	require.Equal(t, 0, doc.IsUploaded)
	require.Equal(t, 1, doc.LocalUpdate)
}

func TestPushUpdatesLocalUpdateWithMerge(t *testing.T) {
	doc := &model.Document{ID: 2, DocHash: "h2", Title: "Doc2", LocalUpdate: 1}
	store := &fakeLocalStore{queue: []*model.Document{doc}}
	remote := &fakeRemoteAPI{}
	sync := NewSyncService(store, remote)

	result, err := sync.Push(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, result.Updated)
	require.Equal(t, []string{"h2"}, remote.updatedHashes)
	require.Empty(t, remote.created)
	require.Equal(t, []int64{2}, store.marked)
	require.Equal(t, 0, doc.LocalUpdate)
	require.Equal(t, 1, doc.IsUploaded)
}

func TestPushForwardsOnlyEmbeddedDocumentsToIndex(t *testing.T) {
	embedded := &model.Document{ID: 1, DocHash: "h1", Title: "Doc1", Chunks: []model.Chunk{
		{ID: 10, Text: "a", Embedding: []float32{0.1}},
		{ID: 11, Text: "b"},
	}}
	plain := &model.Document{ID: 2, DocHash: "h2", Title: "Doc2", Chunks: []model.Chunk{
		{ID: 12, Text: "c"},
	}}
	store := &fakeLocalStore{queue: []*model.Document{embedded, plain}}
	remote := &fakeRemoteAPI{}
	index := &fakeVectorIndex{}
	sync := NewSyncService(store, remote, WithVectorIndex(index, "ns"))

	result, err := sync.Push(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, result.Created)
	require.Equal(t, 1, result.Indexed)
	require.Len(t, index.docs, 1)
	require.EqualValues(t, 1, index.docs[0].ID)
	require.Equal(t, "ns", index.namespace)
}

func TestPushOneFailureDoesNotStopTheRest(t *testing.T) {
	store := &fakeLocalStore{queue: []*model.Document{
		{ID: 1, DocHash: "h1", Title: "Bad"},
		{ID: 2, DocHash: "h2", Title: "Good"},
	}}
	remote := &fakeRemoteAPI{createErr: map[string]error{"Bad": errors.New("remote down")}}
	sync := NewSyncService(store, remote)

	result, err := sync.Push(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Bad")
	require.Equal(t, 1, result.Created)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, []int64{2}, store.marked)
}

func TestPushUpdateWithoutHashFails(t *testing.T) {
	store := &fakeLocalStore{queue: []*model.Document{
		{ID: 3, Title: "NoHash", LocalUpdate: 1},
	}}
	remote := &fakeRemoteAPI{}
	sync := NewSyncService(store, remote)

	result, err := sync.Push(context.Background(), true)
	require.Error(t, err)
	require.Equal(t, 1, result.Failed)
	require.Empty(t, remote.updatedHashes)
}

func TestPushRejectsConcurrentRun(t *testing.T) {
	sync := NewSyncService(&fakeLocalStore{}, &fakeRemoteAPI{})
	sync.running.Store(true)

	_, err := sync.Push(context.Background(), false)
	require.ErrorIs(t, err, ErrSyncRunning)

	sync.running.Store(false)
	_, err = sync.Push(context.Background(), false)
	require.NoError(t, err)
}

func TestPushVectorFailureIsReportedNotFatal(t *testing.T) {
	doc := &model.Document{ID: 1, DocHash: "h1", Title: "Doc1", Chunks: []model.Chunk{
		{ID: 10, Text: "a", Embedding: []float32{0.1}},
	}}
	store := &fakeLocalStore{queue: []*model.Document{doc}}
	remote := &fakeRemoteAPI{}
	index := &fakeVectorIndex{err: errors.New("index down")}
	sync := NewSyncService(store, remote, WithVectorIndex(index, "ns"))

	result, err := sync.Push(context.Background(), false)
	require.Error(t, err)
	require.Equal(t, 1, result.Created)
	require.Equal(t, 0, result.Indexed)
	// the document stays marked uploaded and leaves the work queue; its
	// vectors are only re-sent once a local change re-queues it
	require.Equal(t, []int64{1}, store.marked)
}

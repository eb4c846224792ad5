package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cchc/docsync/internal/model"
)

type fakeIndex struct {
	mu          sync.Mutex
	hasIndex    bool
	createCalls int
	create409   bool

	upsertBatches [][]vectorRecord
	failAtBatch   int // 1-based, 0 = never fail
	lastNamespace string

	queryBody  map[string]interface{}
	deleteBody map[string]interface{}
}

func newFakeIndexServer(f *fakeIndex) *httptest.Server {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/indexes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			indexes := []indexDescription{}
			if f.hasIndex {
				indexes = append(indexes, indexDescription{Name: "test-index", Host: srv.URL})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"indexes": indexes})
		case http.MethodPost:
			f.createCalls++
			if f.create409 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			f.hasIndex = true
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/indexes/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(indexDescription{Name: "test-index", Host: srv.URL})
	})
	mux.HandleFunc("/vectors/upsert", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body struct {
			Vectors   []vectorRecord `json:"vectors"`
			Namespace string         `json:"namespace"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.upsertBatches = append(f.upsertBatches, body.Vectors)
		f.lastNamespace = body.Namespace
		if f.failAtBatch > 0 && len(f.upsertBatches) >= f.failAtBatch {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewDecoder(r.Body).Decode(&f.queryBody)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"matches": []QueryMatch{
				{ID: "doc_1_chunk_1", Score: 0.92, Metadata: map[string]interface{}{"document_title": "Doc1"}},
				{ID: "doc_2_chunk_4", Score: 0.71, Metadata: map[string]interface{}{"document_title": "Doc2"}},
			},
		})
	})
	mux.HandleFunc("/vectors/delete", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewDecoder(r.Body).Decode(&f.deleteBody)
		w.WriteHeader(http.StatusOK)
	})
	srv = httptest.NewServer(mux)
	return srv
}

type staticEmbedder struct {
	vector []float32
}

func (e staticEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return e.vector, nil
}

func (e staticEmbedder) ModelName() string { return "static" }

func newTestPinecone(t *testing.T, f *fakeIndex, srv *httptest.Server, batchSize int) *PineconeClient {
	client, err := NewPineconeClient(context.Background(), Config{
		APIKey:     "pk-test",
		IndexName:  "test-index",
		Dimension:  3,
		BatchSize:  batchSize,
		ControlURL: srv.URL,
	}, staticEmbedder{vector: []float32{0.1, 0.2, 0.3}})
	require.NoError(t, err)
	return client
}

func TestProvisionCreatesMissingIndex(t *testing.T) {
	f := &fakeIndex{}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 0)
	require.Equal(t, 1, f.createCalls)
	require.Equal(t, srv.URL, client.host)
}

func TestProvisionReusesExistingIndex(t *testing.T) {
	f := &fakeIndex{hasIndex: true}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	newTestPinecone(t, f, srv, 0)
	require.Equal(t, 0, f.createCalls)
}

func TestProvisionToleratesLostCreateRace(t *testing.T) {
	f := &fakeIndex{create409: true}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 0)
	require.Equal(t, srv.URL, client.host)
}

func TestUpsertFlattensOnlyEmbeddedChunks(t *testing.T) {
	f := &fakeIndex{hasIndex: true}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 0)
	markdownPath := "h1/markdown.md"
	doc := &model.Document{
		ID:           1,
		Title:        "Doc1",
		MarkdownPath: &markdownPath,
		Chunks: []model.Chunk{
			{ID: 10, Text: "embedded span", Embedding: []float32{0.1, 0.2, 0.3}},
			{ID: 11, Text: "not embedded"},
		},
	}
	require.NoError(t, client.UpsertDocuments(context.Background(), []*model.Document{doc}, "ns"))

	require.Len(t, f.upsertBatches, 1)
	require.Len(t, f.upsertBatches[0], 1)
	record := f.upsertBatches[0][0]
	require.Equal(t, "doc_1_chunk_10", record.ID)
	require.Equal(t, "embedded span", record.Metadata["text"])
	require.Equal(t, "Doc1", record.Metadata["document_title"])
	require.Equal(t, "h1/markdown.md", record.Metadata["markdown_path"])
	require.Equal(t, "ns", f.lastNamespace)
}

func TestUpsertNothingToDoIsNotAnError(t *testing.T) {
	f := &fakeIndex{hasIndex: true}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 0)
	doc := &model.Document{ID: 1, Title: "Doc1", Chunks: []model.Chunk{{ID: 10, Text: "plain"}}}
	require.NoError(t, client.UpsertDocuments(context.Background(), []*model.Document{doc}, ""))
	require.Empty(t, f.upsertBatches)
}

func TestUpsertBatchFailureReportsCommitted(t *testing.T) {
	f := &fakeIndex{hasIndex: true, failAtBatch: 3}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 2)
	doc := &model.Document{ID: 1, Title: "Doc1"}
	for i := 0; i < 6; i++ {
		doc.Chunks = append(doc.Chunks, model.Chunk{
			ID:        int64(i + 1),
			Text:      fmt.Sprintf("span %d", i),
			Embedding: []float32{0.1, 0.2, 0.3},
		})
	}
	err := client.UpsertDocuments(context.Background(), []*model.Document{doc}, "ns")

	var upsertErr *UpsertError
	require.ErrorAs(t, err, &upsertErr)
	require.Equal(t, 4, upsertErr.Committed)
	require.Contains(t, upsertErr.Error(), "quota exceeded")
	// the failing batch aborts the rest
	require.Len(t, f.upsertBatches, 3)
}

func TestQueryTextEmbedsAndReturnsOrderedMatches(t *testing.T) {
	f := &fakeIndex{hasIndex: true}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 0)
	matches, err := client.QueryText(context.Background(), "what is in doc one", 2, "")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "doc_1_chunk_1", matches[0].ID)
	require.Greater(t, matches[0].Score, matches[1].Score)

	require.EqualValues(t, 2, f.queryBody["topK"])
	require.Equal(t, defaultNamespace, f.queryBody["namespace"])
	require.Equal(t, true, f.queryBody["includeMetadata"])
	require.Len(t, f.queryBody["vector"].([]interface{}), 3)
}

func TestPurgeNamespaceDeletesAll(t *testing.T) {
	f := &fakeIndex{hasIndex: true}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 0)
	require.NoError(t, client.PurgeNamespace(context.Background(), "stale-ns"))
	require.Equal(t, true, f.deleteBody["deleteAll"])
	require.Equal(t, "stale-ns", f.deleteBody["namespace"])
}

func TestUpsertIDStability(t *testing.T) {
	f := &fakeIndex{hasIndex: true}
	srv := newFakeIndexServer(f)
	defer srv.Close()

	client := newTestPinecone(t, f, srv, 0)
	doc := &model.Document{
		ID:    42,
		Title: "Doc42",
		Chunks: []model.Chunk{
			{ID: 7, Text: "v1", Embedding: []float32{0.1, 0.2, 0.3}},
		},
	}
	require.NoError(t, client.UpsertDocuments(context.Background(), []*model.Document{doc}, "ns"))
	doc.Chunks[0].Embedding = []float32{0.9, 0.8, 0.7}
	require.NoError(t, client.UpsertDocuments(context.Background(), []*model.Document{doc}, "ns"))

	require.Len(t, f.upsertBatches, 2)
	first, second := f.upsertBatches[0][0], f.upsertBatches[1][0]
	require.Equal(t, first.ID, second.ID)
	require.True(t, strings.HasPrefix(first.ID, "doc_42_chunk_"))
	require.NotEqual(t, first.Values, second.Values)
}

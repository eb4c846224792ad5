package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/cchc/docsync/internal/ai"
	"github.com/cchc/docsync/internal/model"
)

const (
	defaultControlURL = "https://api.pinecone.io"
	defaultIndexName  = "cchc-index"
	defaultNamespace  = "cchc-chunks"
	defaultDimension  = 1536
	defaultMetric     = "cosine"
	defaultCloud      = "aws"
	defaultRegion     = "us-east-1"
	defaultBatchSize  = 200

	queryTaskType = "RETRIEVAL_QUERY"
)

type Config struct {
	APIKey     string `json:"api_key"`
	IndexName  string `json:"index_name"`
	Dimension  int    `json:"dimension"`
	Metric     string `json:"metric"`
	Cloud      string `json:"cloud"`
	Region     string `json:"region"`
	BatchSize  int    `json:"batch_size"`
	ControlURL string `json:"control_url"`
}

// PineconeClient projects documents into a namespaced serverless index over
// Pinecone's REST surface: control plane for index provisioning, the index
// host for upsert/query/delete.
type PineconeClient struct {
	apiKey     string
	indexName  string
	dimension  int
	metric     string
	cloud      string
	region     string
	batchSize  int
	controlURL string
	host       string
	http       *http.Client
	embedder   ai.IEmbedder
}

type indexDescription struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

type vectorRecord struct {
	ID       string                 `json:"id"`
	Values   []float32              `json:"values"`
	Metadata map[string]interface{} `json:"metadata"`
}

// QueryMatch is one nearest-neighbour hit, best first.
type QueryMatch struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewPineconeClient provisions the index if it does not exist yet.
// Provisioning is idempotent: losing a create race to a concurrent process
// is tolerated, the index host is re-resolved afterwards either way.
func NewPineconeClient(ctx context.Context, cfg Config, embedder ai.IEmbedder) (*PineconeClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone api key is required")
	}
	c := &PineconeClient{
		apiKey:     cfg.APIKey,
		indexName:  cfg.IndexName,
		dimension:  cfg.Dimension,
		metric:     cfg.Metric,
		cloud:      cfg.Cloud,
		region:     cfg.Region,
		batchSize:  cfg.BatchSize,
		controlURL: strings.TrimRight(cfg.ControlURL, "/"),
		http:       &http.Client{Timeout: 60 * time.Second},
		embedder:   embedder,
	}
	if c.indexName == "" {
		c.indexName = defaultIndexName
	}
	if c.dimension <= 0 {
		c.dimension = defaultDimension
	}
	if c.metric == "" {
		c.metric = defaultMetric
	}
	if c.cloud == "" {
		c.cloud = defaultCloud
	}
	if c.region == "" {
		c.region = defaultRegion
	}
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if c.controlURL == "" {
		c.controlURL = defaultControlURL
	}
	if err := c.ensureIndex(ctx); err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("pinecone index ready",
		zap.String("index", c.indexName),
		zap.String("host", c.host),
		zap.Int("dimension", c.dimension),
		zap.String("metric", c.metric),
	)
	return c, nil
}

func (c *PineconeClient) ensureIndex(ctx context.Context) error {
	existing, err := c.listIndexes(ctx)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	for _, idx := range existing {
		if idx.Name == c.indexName {
			c.host = idx.Host
			return nil
		}
	}
	if err := c.createIndex(ctx); err != nil {
		return err
	}
	// Re-describe to pick up the host; also covers losing a creation race.
	desc, err := c.describeIndex(ctx)
	if err != nil {
		return fmt.Errorf("describe index %q: %w", c.indexName, err)
	}
	c.host = desc.Host
	return nil
}

func (c *PineconeClient) listIndexes(ctx context.Context) ([]indexDescription, error) {
	resp, err := c.controlRequest(ctx, http.MethodGet, "/indexes", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out struct {
		Indexes []indexDescription `json:"indexes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Indexes, nil
}

func (c *PineconeClient) createIndex(ctx context.Context) error {
	body := map[string]interface{}{
		"name":      c.indexName,
		"dimension": c.dimension,
		"metric":    c.metric,
		"spec": map[string]interface{}{
			"serverless": map[string]interface{}{
				"cloud":  c.cloud,
				"region": c.region,
			},
		},
		"deletion_protection": "disabled",
	}
	resp, err := c.controlRequest(ctx, http.MethodPost, "/indexes", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 409: another process created it first, which is fine.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("create index %q: %w", c.indexName, statusError(resp))
	}
	return nil
}

func (c *PineconeClient) describeIndex(ctx context.Context) (*indexDescription, error) {
	resp, err := c.controlRequest(ctx, http.MethodGet, "/indexes/"+c.indexName, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out indexDescription
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertDocuments flattens the documents' embedded chunks into one vector
// record each and upserts them in fixed-size batches. Chunks without an
// embedding are skipped, not errored. Record ids are stable per
// document+chunk, so re-upserting overwrites instead of duplicating.
func (c *PineconeClient) UpsertDocuments(ctx context.Context, docs []*model.Document, namespace string) error {
	if namespace == "" {
		namespace = defaultNamespace
	}
	var records []vectorRecord
	for _, doc := range docs {
		for i := range doc.Chunks {
			chunk := &doc.Chunks[i]
			if len(chunk.Embedding) == 0 {
				continue
			}
			markdownPath := ""
			if doc.MarkdownPath != nil {
				markdownPath = *doc.MarkdownPath
			}
			records = append(records, vectorRecord{
				ID:     fmt.Sprintf("doc_%d_chunk_%d", doc.ID, chunk.ID),
				Values: chunk.Embedding,
				Metadata: map[string]interface{}{
					"document_id":    doc.ID,
					"document_title": doc.Title,
					"text":           chunk.Text,
					"markdown_path":  markdownPath,
				},
			})
		}
	}
	logger := logutil.GetLogger(ctx).With(zap.String("namespace", namespace))
	if len(records) == 0 {
		logger.Info("no embedded chunks to upsert")
		return nil
	}

	committed := 0
	for start := 0; start < len(records); start += c.batchSize {
		end := start + c.batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		if err := c.upsertBatch(ctx, batch, namespace); err != nil {
			return &UpsertError{Committed: committed, Err: err}
		}
		committed += len(batch)
		logger.Debug("batch upserted", zap.Int("batch_size", len(batch)), zap.Int("committed", committed))
	}
	logger.Info("vectors upserted", zap.Int("total", committed))
	return nil
}

func (c *PineconeClient) upsertBatch(ctx context.Context, batch []vectorRecord, namespace string) error {
	body := map[string]interface{}{
		"vectors":   batch,
		"namespace": namespace,
	}
	resp, err := c.dataRequest(ctx, "/vectors/upsert", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// QueryText embeds the query and returns the topK nearest matches, best
// first. Ordering within equal scores is whatever the index decided.
func (c *PineconeClient) QueryText(ctx context.Context, text string, topK int, namespace string) ([]QueryMatch, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("no embedder configured for querying")
	}
	if topK <= 0 {
		topK = 3
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	queryVector, err := c.embedder.Embed(ctx, text, queryTaskType)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	body := map[string]interface{}{
		"vector":          queryVector,
		"topK":            topK,
		"namespace":       namespace,
		"includeValues":   false,
		"includeMetadata": true,
	}
	resp, err := c.dataRequest(ctx, "/query", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out struct {
		Matches []QueryMatch `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Matches, nil
}

// PurgeNamespace irreversibly deletes every vector in the namespace.
func (c *PineconeClient) PurgeNamespace(ctx context.Context, namespace string) error {
	if namespace == "" {
		namespace = defaultNamespace
	}
	body := map[string]interface{}{
		"deleteAll": true,
		"namespace": namespace,
	}
	resp, err := c.dataRequest(ctx, "/vectors/delete", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	logutil.GetLogger(ctx).Info("namespace purged", zap.String("namespace", namespace))
	return nil
}

func (c *PineconeClient) controlRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	return c.request(ctx, method, c.controlURL+path, body)
}

func (c *PineconeClient) dataRequest(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	host := c.host
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return c.request(ctx, http.MethodPost, strings.TrimRight(host, "/")+path, body)
}

func (c *PineconeClient) request(ctx context.Context, method, url string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/cchc/docsync/internal/ai"
	"github.com/cchc/docsync/internal/filestore"
	"github.com/cchc/docsync/internal/model"
	appErr "github.com/cchc/docsync/internal/pkg/errors"
)

const embedTaskType = "RETRIEVAL_DOCUMENT"

// Converter turns one source file into markdown. Implementations decide
// which extensions they accept.
type Converter interface {
	Supported(path string) bool
	Convert(ctx context.Context, sourcePath string) (*ConvertResult, error)
}

type ConvertResult struct {
	Markdown  string
	PageCount *int
}

// MarkdownConverter passes through files that already are markdown or plain
// text. Page count is meaningless for these sources and stays unset.
type MarkdownConverter struct{}

func (MarkdownConverter) Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

func (MarkdownConverter) Convert(ctx context.Context, sourcePath string) (*ConvertResult, error) {
	_ = ctx
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, err
	}
	return &ConvertResult{Markdown: string(data)}, nil
}

// IngestService walks a source directory and turns each supported file into
// a chunked, embedded document. Files whose content hash is already in the
// local store are skipped, so re-running over the same directory is cheap.
type IngestService struct {
	docs      *DocumentService
	chunker   *ai.Chunker
	converter Converter
	embedder  ai.IEmbedder
	artifacts filestore.Store
	outputDir string
}

type IngestServiceOption func(*IngestService)

func WithEmbedder(embedder ai.IEmbedder) IngestServiceOption {
	return func(s *IngestService) { s.embedder = embedder }
}

func WithArtifactStore(store filestore.Store) IngestServiceOption {
	return func(s *IngestService) { s.artifacts = store }
}

func WithConverter(converter Converter) IngestServiceOption {
	return func(s *IngestService) { s.converter = converter }
}

func NewIngestService(docs *DocumentService, chunker *ai.Chunker, outputDir string, opts ...IngestServiceOption) *IngestService {
	s := &IngestService{
		docs:      docs,
		chunker:   chunker,
		converter: MarkdownConverter{},
		outputDir: outputDir,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type IngestResult struct {
	Ingested int
	Skipped  int
	Failed   int
}

// IngestDir processes every supported file under dir. One bad file does not
// stop the walk; per-file errors are joined into the returned error.
func (s *IngestService) IngestDir(ctx context.Context, dir string) (*IngestResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("dir", dir))
	result := &IngestResult{}
	var errs []error
	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !s.converter.Supported(path) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		switch err := s.ingestFile(ctx, path); {
		case err == nil:
			result.Ingested++
		case errors.Is(err, appErr.ErrConflict):
			logger.Debug("document already ingested", zap.String("path", path))
			result.Skipped++
		default:
			logger.Error("ingest failed", zap.String("path", path), zap.Error(err))
			result.Failed++
			errs = append(errs, fmt.Errorf("ingest %s: %w", path, err))
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	logger.Info("ingest run finished",
		zap.Int("ingested", result.Ingested),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, errors.Join(errs...)
}

func (s *IngestService) ingestFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	docHash := hex.EncodeToString(sum[:])

	if _, err := s.docs.GetDocumentByHash(ctx, docHash); err == nil {
		return appErr.ErrConflict
	} else if !errors.Is(err, appErr.ErrNotFound) {
		return err
	}

	converted, err := s.converter.Convert(ctx, path)
	if err != nil {
		return fmt.Errorf("convert: %w", err)
	}
	markdownKey := docHash + "/markdown.md"
	if err := s.saveArtifact(ctx, markdownKey, []byte(converted.Markdown)); err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	chunkTexts := s.chunker.Chunk(ctx, converted.Markdown)
	doc, err := s.docs.CreateDocument(ctx, CreateDocumentArgs{
		DocHash:      docHash,
		Title:        title,
		DocPath:      path,
		OutputDir:    s.outputDir,
		MarkdownPath: &markdownKey,
		PageCount:    converted.PageCount,
		ChunkTexts:   chunkTexts,
	}, false)
	if err != nil {
		return err
	}
	if err := s.embedChunks(ctx, doc); err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	return s.docs.SaveDocument(ctx, doc)
}

func (s *IngestService) embedChunks(ctx context.Context, doc *model.Document) error {
	if s.embedder == nil {
		return nil
	}
	for i := range doc.Chunks {
		embedding, err := s.embedder.Embed(ctx, doc.Chunks[i].Text, embedTaskType)
		if err != nil {
			return err
		}
		doc.Chunks[i].Embedding = embedding
	}
	return nil
}

func (s *IngestService) saveArtifact(ctx context.Context, key string, data []byte) error {
	if s.artifacts == nil {
		return nil
	}
	return s.artifacts.Save(ctx, key, nopSeekCloser{bytes.NewReader(data)}, int64(len(data)))
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

var _ io.ReadSeeker = nopSeekCloser{}

package job

import (
	"context"

	"github.com/cchc/docsync/internal/service"
)

// IngestJob re-walks the input directory on a schedule, picking up files
// dropped since the last run. Already-ingested files are deduplicated by
// content hash inside the ingest service.
type IngestJob struct {
	ingest   *service.IngestService
	inputDir string
}

func NewIngestJob(ingest *service.IngestService, inputDir string) *IngestJob {
	return &IngestJob{ingest: ingest, inputDir: inputDir}
}

func (j *IngestJob) Name() string {
	return "document_ingest"
}

func (j *IngestJob) Run(ctx context.Context) error {
	if j.ingest == nil || j.inputDir == "" {
		return nil
	}
	_, err := j.ingest.IngestDir(ctx, j.inputDir)
	return err
}

package job

import (
	"context"
	"errors"

	"github.com/cchc/docsync/internal/service"
)

// SyncJob pushes the pending work queue on a schedule. A tick that lands
// while a manual push holds the sync guard is treated as a clean no-op.
type SyncJob struct {
	sync  *service.SyncService
	merge bool
}

func NewSyncJob(sync *service.SyncService, merge bool) *SyncJob {
	return &SyncJob{sync: sync, merge: merge}
}

func (j *SyncJob) Name() string {
	return "document_sync"
}

func (j *SyncJob) Run(ctx context.Context) error {
	if j.sync == nil {
		return nil
	}
	_, err := j.sync.Push(ctx, j.merge)
	if errors.Is(err, service.ErrSyncRunning) {
		return nil
	}
	return err
}

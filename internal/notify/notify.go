package notify

import (
	"context"
	"sync"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/cchc/docsync/internal/model"
)

type Event string

const (
	EventDocumentCreated  Event = "document_created"
	EventRemoteDuplicate  Event = "remote_duplicate"
	EventDocumentUpdated  Event = "document_updated"
	EventDocumentSynced   Event = "document_synced"
	EventSyncFlagsReset   Event = "sync_flags_reset"
	EventDocumentsDeleted Event = "documents_deleted"
)

// Observer receives document lifecycle events. Implementations must not
// block; a slow observer stalls the publisher.
type Observer interface {
	OnDocumentEvent(ctx context.Context, event Event, doc *model.Document)
}

// Notifier fans events out to attached observers in attach order.
type Notifier struct {
	mu        sync.RWMutex
	observers []Observer
}

func NewNotifier(observers ...Observer) *Notifier {
	return &Notifier{observers: observers}
}

func (n *Notifier) Attach(o Observer) {
	if o == nil {
		return
	}
	n.mu.Lock()
	n.observers = append(n.observers, o)
	n.mu.Unlock()
}

func (n *Notifier) Detach(o Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.observers {
		if cur == o {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			return
		}
	}
}

func (n *Notifier) Publish(ctx context.Context, event Event, doc *model.Document) {
	n.mu.RLock()
	observers := make([]Observer, len(n.observers))
	copy(observers, n.observers)
	n.mu.RUnlock()
	for _, o := range observers {
		o.OnDocumentEvent(ctx, event, doc)
	}
}

// LogObserver writes one structured line per event.
type LogObserver struct{}

func (LogObserver) OnDocumentEvent(ctx context.Context, event Event, doc *model.Document) {
	fields := []zap.Field{zap.String("event", string(event))}
	if doc != nil {
		fields = append(fields,
			zap.Int64("document_id", doc.ID),
			zap.String("title", doc.Title),
			zap.Int("is_uploaded", doc.IsUploaded),
			zap.Int("local_update", doc.LocalUpdate),
		)
	}
	logutil.GetLogger(ctx).Info("document event", fields...)
}

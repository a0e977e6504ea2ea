package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Recorder appends usage records off the response path. Writes are
// best-effort: a full queue or a failed insert is logged as a warning
// and never surfaced to the caller, who has already been served and
// settled.
type Recorder struct {
	store     Store
	queue     chan *UsageRecord
	done      chan struct{}
	writeT    time.Duration
	closeOnce sync.Once
}

func NewRecorder(store Store, buffer int) *Recorder {
	r := &Recorder{
		store:  store,
		queue:  make(chan *UsageRecord, buffer),
		done:   make(chan struct{}),
		writeT: 10 * time.Second,
	}
	go r.drain()
	return r
}

// Record enqueues without blocking. Returns false if the record was
// dropped because the queue is full.
func (r *Recorder) Record(record *UsageRecord) bool {
	select {
	case r.queue <- record:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"account_id": record.AccountID,
			"model":      record.Model,
		}).Warn("audit: queue full, usage record dropped")
		return false
	}
}

func (r *Recorder) drain() {
	defer close(r.done)
	for record := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeT)
		err := r.store.Append(ctx, record)
		cancel()
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"account_id": record.AccountID,
				"request_id": record.RequestID,
				"cost":       record.Cost.String(),
			}).Warn("audit: failed to persist usage record")
		}
	}
}

// Close stops accepting records and waits for the queue to flush. Safe
// to call more than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	<-r.done
}

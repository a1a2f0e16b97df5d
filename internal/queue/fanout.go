package queue

import (
	"context"
	"errors"

	"github.com/optics-collector/internal/model"
)

// Fanout delivers every batch to one queue per exporter, so a slow or
// failing exporter only fills its own queue.
type Fanout struct {
	queues []*Queue
}

func NewFanout(queues ...*Queue) *Fanout {
	return &Fanout{queues: queues}
}

// Enqueue offers the batch to every queue. Metrics are shared read-only.
func (f *Fanout) Enqueue(ctx context.Context, batch []model.Metric) error {
	var errs []error
	for _, q := range f.queues {
		if _, err := q.Enqueue(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every queue.
func (f *Fanout) Close() {
	for _, q := range f.queues {
		q.Close()
	}
}

// Depth returns the total number of queued metrics across queues.
func (f *Fanout) Depth() int {
	n := 0
	for _, q := range f.queues {
		n += q.Len()
	}
	return n
}

// Dropped returns the total drops across queues.
func (f *Fanout) Dropped() uint64 {
	var n uint64
	for _, q := range f.queues {
		n += q.Dropped()
	}
	return n
}

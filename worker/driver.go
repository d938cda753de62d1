package worker

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/wikimedia/commons-curator/errdefs"
	"github.com/wikimedia/commons-curator/wiki"
)

// RetryPolicy is the bounded, jittered exponential backoff applied to the
// execution phase of a job. Only transient errors are retried; everything
// else is terminal on first observation.
type RetryPolicy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the production budget: 3 attempts, a few
// seconds to start, capped at 10 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:     3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     10 * time.Minute,
	}
}

// Run invokes op under the policy.
func (p RetryPolicy) Run(ctx context.Context, op func() error) error {
	return retry.Do(op,
		retry.Context(ctx),
		retry.Attempts(p.Attempts),
		retry.Delay(p.InitialDelay),
		retry.MaxDelay(p.MaxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(time.Second),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			uploadRetries.Inc()
			log.G(ctx).WithError(err).WithField("attempt", attempt+1).Warn("retrying upload after transient error")
		}),
	)
}

// IsTransient reports whether the error is worth retrying: hash-lock
// contention, upstream 5xx, network timeouts — anything classified
// unavailable. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errdefs.IsCancelled(err) {
		return false
	}
	if errdefs.IsUnavailable(err) {
		return true
	}
	var hashLock wiki.HashLockError
	if errors.As(err, &hashLock) {
		return true
	}
	var upstream wiki.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retriable()
	}
	return false
}

// Pool fans upload-request notifications out to N workers. Delivery is at
// least once: duplicates and redeliveries are harmless because the row's
// status is the lease.
type Pool struct {
	worker *Worker
	queue  chan int64
	size   int
}

// NewPool builds a pool of size workers over a buffered queue.
func NewPool(w *Worker, size, queueDepth int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueDepth < size {
		queueDepth = 256
	}
	return &Pool{worker: w, queue: make(chan int64, queueDepth), size: size}
}

// Enqueue notifies the pool about a request id. It blocks when the queue
// is full, providing backpressure to the enqueuing surface.
func (p *Pool) Enqueue(ctx context.Context, id int64) error {
	select {
	case p.queue <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes notifications until the context is cancelled. Jobs in
// flight run to their terminal state unless the context itself dies.
func (p *Pool) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		eg.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case id := <-p.queue:
					if _, err := p.worker.Process(ctx, id); err != nil && !errdefs.IsCancelled(err) {
						log.G(ctx).WithError(err).WithField("upload-id", id).Error("worker error")
					}
				}
			}
		})
	}
	return eg.Wait()
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/simcamp/internal/config"
	"github.com/kiranshivaraju/simcamp/internal/metrics"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Dispatcher splits backend calls into chunks, runs a bounded number of
// them at once and retries chunks that fail with ErrBackendUnavailable.
// Results of the chunks that succeeded are always returned, even when
// others failed.
type Dispatcher struct {
	backend     models.ClusterBackend
	chunkSize   int
	concurrency int
	attempts    uint
	delay       time.Duration
	maxDelay    time.Duration
	metrics     *metrics.Metrics
}

// NewDispatcher wraps b with the chunking and retry policy from cfg.
// m may be nil.
func NewDispatcher(b models.ClusterBackend, cfg config.BackendConfig, m *metrics.Metrics) *Dispatcher {
	d := &Dispatcher{
		backend:     b,
		chunkSize:   cfg.ChunkSize,
		concurrency: cfg.MaxConcurrency,
		attempts:    uint(cfg.RetryAttempts),
		delay:       cfg.RetryDelay,
		maxDelay:    cfg.RetryMaxDelay,
		metrics:     m,
	}
	if d.chunkSize < 1 {
		d.chunkSize = 100
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	if d.attempts < 1 {
		d.attempts = 1
	}
	return d
}

func (d *Dispatcher) Name() string { return d.backend.Name() }

// Submit returns the merged outcome of every chunk, including the part of
// a chunk the backend accepted before it failed. Jobs in neither map were
// not submitted; err describes each failed chunk. A retried chunk only
// resends the jobs without an outcome.
func (d *Dispatcher) Submit(ctx context.Context, jobs []models.JobDescriptor) (models.SubmitResult, error) {
	result := models.NewSubmitResult()
	var mu sync.Mutex

	err := d.run(ctx, "submit", len(jobs), func(ctx context.Context, lo, hi int) error {
		mu.Lock()
		todo := make([]models.JobDescriptor, 0, hi-lo)
		for _, j := range jobs[lo:hi] {
			if _, ok := result.Refs[j.JobID]; ok {
				continue
			}
			if _, ok := result.Rejected[j.JobID]; ok {
				continue
			}
			todo = append(todo, j)
		}
		mu.Unlock()
		if len(todo) == 0 {
			return nil
		}

		res, err := d.backend.Submit(ctx, todo)
		mu.Lock()
		result.Merge(res)
		mu.Unlock()
		return err
	})

	d.metrics.RecordSubmitted(d.Name(), len(result.Refs))
	d.metrics.RecordRejected(d.Name(), len(result.Rejected))
	return result, err
}

// Poll returns the live status of every reference in a chunk that
// succeeded. References of a failed chunk are absent from the map.
func (d *Dispatcher) Poll(ctx context.Context, refs []string) (map[string]models.LiveStatus, error) {
	statuses := make(map[string]models.LiveStatus, len(refs))
	var mu sync.Mutex

	err := d.run(ctx, "poll", len(refs), func(ctx context.Context, lo, hi int) error {
		chunk := refs[lo:hi]
		res, err := d.backend.Poll(ctx, chunk)
		if err != nil {
			return err
		}
		mu.Lock()
		for _, ref := range chunk {
			s, ok := res[ref]
			if !ok {
				s = models.LiveUnknown
			}
			statuses[ref] = s
		}
		mu.Unlock()
		return nil
	})
	return statuses, err
}

// Cancel is best-effort and returns how many references were cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, refs []string) (int, error) {
	var total int
	var mu sync.Mutex

	err := d.run(ctx, "cancel", len(refs), func(ctx context.Context, lo, hi int) error {
		n, err := d.backend.Cancel(ctx, refs[lo:hi])
		mu.Lock()
		total += n
		mu.Unlock()
		return err
	})
	return total, err
}

// run calls fn for every [lo, hi) chunk of n items.
func (d *Dispatcher) run(ctx context.Context, op string, n int, fn func(ctx context.Context, lo, hi int) error) error {
	if n == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g := new(errgroup.Group)
	g.SetLimit(d.concurrency)

	for lo := 0; lo < n; lo += d.chunkSize {
		lo, hi := lo, min(lo+d.chunkSize, n)
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := d.retry(ctx, op, func() error { return fn(ctx, lo, hi) })
			if err != nil {
				d.metrics.RecordBackendError(d.Name(), op)
				slog.Error("backend call failed", "backend", d.Name(), "op", op,
					"items", hi-lo, "error", err)
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s items %d-%d: %w", op, lo, hi-1, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (d *Dispatcher) retry(ctx context.Context, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.MaxDelay(d.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, models.ErrBackendUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("backend unavailable, retrying", "backend", d.Name(), "op", op,
				"attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
}

var _ models.ClusterBackend = (*Dispatcher)(nil)

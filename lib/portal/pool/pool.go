// Package pool hands out independently authenticated portal clients to
// batch workers. A client is owned by at most one lease at a time, which is
// what keeps two workers from delegating the same session to different
// members.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gymops-backend/lib/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var tracer = telemetry.Tracer("gymops.lib.portal.pool")
var meter = telemetry.Meter("gymops.lib.portal.pool")
var batchCounter, _ = meter.Int64Counter("portal.batch_members")

var (
	ErrClosed          = errors.New("pool is closed")
	ErrAlreadyReleased = errors.New("lease was already released")
)

// Resource is what the pool manages, in practice a *portal.Client.
type Resource interface {
	Close(ctx context.Context) error
}

type Factory[R Resource] func(ctx context.Context) (R, error)

type Pool[R Resource] struct {
	resources []R
	free      chan int

	mu     sync.Mutex
	owners []string
	closed bool
}

// New creates n resources up front. If any of them fails the ones already
// created are closed again.
func New[R Resource](ctx context.Context, factory Factory[R], n int) (*Pool[R], error) {
	ctx, span := tracer.Start(ctx, "New")
	defer span.End()
	span.SetAttributes(attribute.Int("size", n))

	if n <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", n)
	}

	resources := make([]R, n)
	created := make([]bool, n)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		group.Go(func() error {
			r, err := factory(gctx)
			if err != nil {
				return fmt.Errorf("create session %d: %w", i, err)
			}
			resources[i] = r
			created[i] = true
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for i, ok := range created {
			if !ok {
				continue
			}
			if cerr := resources[i].Close(ctx); cerr != nil {
				slog.WarnContext(ctx, "failed to close session after failed fill", "slot", i, "err", cerr)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fill pool")
		return nil, err
	}

	p := &Pool[R]{
		resources: resources,
		free:      make(chan int, n),
		owners:    make([]string, n),
	}
	for i := range resources {
		p.free <- i
	}
	return p, nil
}

func (p *Pool[R]) Size() int {
	return len(p.resources)
}

// Lease is exclusive ownership of one resource until Release.
type Lease[R Resource] struct {
	pool  *Pool[R]
	slot  int
	id    string
	mu    sync.Mutex
	freed bool
}

// Checkout blocks until a resource is free or ctx is done.
func (p *Pool[R]) Checkout(ctx context.Context) (*Lease[R], error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case slot := <-p.free:
		lease := &Lease[R]{pool: p, slot: slot, id: uuid.NewString()}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.owners[slot] != "" {
			// a slot only re-enters free through Release, which clears its owner
			panic(fmt.Sprintf("pool slot %d handed out while owned by lease %s", slot, p.owners[slot]))
		}
		if p.closed {
			p.free <- slot
			return nil, ErrClosed
		}
		p.owners[slot] = lease.id
		return lease, nil
	}
}

func (l *Lease[R]) ID() string {
	return l.id
}

// Client returns the leased resource. It must not be used after Release.
func (l *Lease[R]) Client() R {
	return l.pool.resources[l.slot]
}

// Release returns the resource to the pool. Releasing twice is an error and
// leaves the pool untouched.
func (l *Lease[R]) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.freed {
		return ErrAlreadyReleased
	}
	l.freed = true

	p := l.pool
	p.mu.Lock()
	p.owners[l.slot] = ""
	p.mu.Unlock()
	p.free <- l.slot
	return nil
}

// Close closes every resource. Leases still out are closed underneath their
// holders, so callers should release first.
func (p *Pool[R]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, r := range p.resources {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Failure struct {
	MemberID string
	Err      error
}

// Report lists members in input order by how their processing ended.
type Report struct {
	Processed []string
	Failed    []Failure
	// Skipped members were never attempted because the batch was cancelled.
	Skipped []string
}

func (r Report) Total() int {
	return len(r.Processed) + len(r.Failed) + len(r.Skipped)
}

// BatchFunc processes one member. It returns nil only when the work for the
// member was confirmed.
type BatchFunc[R Resource] func(ctx context.Context, client R, memberID string) error

type memberResult int

const (
	resultSkipped memberResult = iota
	resultProcessed
	resultFailed
)

// RunBatch spreads members round-robin over the pool. Every worker holds one
// lease and works through its share in order. Cancellation is observed
// between members, never in the middle of one, so a session is not left
// half-delegated. A failing member is logged and the batch moves on.
func (p *Pool[R]) RunBatch(ctx context.Context, memberIDs []string, fn BatchFunc[R]) Report {
	ctx, span := tracer.Start(ctx, "RunBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("members", len(memberIDs)))

	workers := min(p.Size(), len(memberIDs))
	shares := make([][]int, workers)
	for i := range memberIDs {
		shares[i%workers] = append(shares[i%workers], i)
	}

	results := make([]memberResult, len(memberIDs))
	errs := make([]error, len(memberIDs))
	// requests already sent finish even if the batch is cancelled
	work := context.WithoutCancel(ctx)

	var group errgroup.Group
	for _, share := range shares {
		group.Go(func() error {
			lease, err := p.Checkout(ctx)
			if err != nil {
				for _, i := range share {
					if ctx.Err() == nil {
						results[i] = resultFailed
						errs[i] = err
					}
				}
				return nil
			}
			defer lease.Release()

			for _, i := range share {
				if ctx.Err() != nil {
					return nil
				}
				member := memberIDs[i]
				if err := fn(work, lease.Client(), member); err != nil {
					results[i] = resultFailed
					errs[i] = err
					slog.WarnContext(ctx, "batch member failed", "member", member, "lease", lease.ID(), "err", err)
					continue
				}
				results[i] = resultProcessed
			}
			return nil
		})
	}
	group.Wait()

	var report Report
	for i, member := range memberIDs {
		switch results[i] {
		case resultProcessed:
			report.Processed = append(report.Processed, member)
		case resultFailed:
			report.Failed = append(report.Failed, Failure{MemberID: member, Err: errs[i]})
		default:
			report.Skipped = append(report.Skipped, member)
		}
	}

	batchCounter.Add(ctx, int64(len(report.Processed)), metric.WithAttributes(attribute.String("result", "processed")))
	batchCounter.Add(ctx, int64(len(report.Failed)), metric.WithAttributes(attribute.String("result", "failed")))
	batchCounter.Add(ctx, int64(len(report.Skipped)), metric.WithAttributes(attribute.String("result", "skipped")))
	span.SetAttributes(
		attribute.Int("processed", len(report.Processed)),
		attribute.Int("failed", len(report.Failed)),
		attribute.Int("skipped", len(report.Skipped)),
	)
	slog.InfoContext(ctx, "batch finished",
		"processed", len(report.Processed), "failed", len(report.Failed), "skipped", len(report.Skipped))
	return report
}

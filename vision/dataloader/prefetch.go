package dataloader

import (
	"context"
	"fmt"
	"sync"
)

// Prefetcher decodes the batches of a Loader in a background goroutine so
// that slice decoding overlaps with training. Batch order is unchanged.
type Prefetcher struct {
	ctx   context.Context
	inner Loader
	depth int
}

// NewPrefetcher wraps inner, keeping up to depth decoded batches ready. The
// worker of a pass stops when the pass is exhausted, closed or ctx is done.
func NewPrefetcher(ctx context.Context, inner Loader, depth int) (*Prefetcher, error) {
	if inner == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if depth <= 0 {
		depth = 2
	}
	return &Prefetcher{ctx: ctx, inner: inner, depth: depth}, nil
}

// Len returns the number of batches in one pass.
func (p *Prefetcher) Len() int { return p.inner.Len() }

// Peek returns the first batch of the inner loader without starting a
// worker.
func (p *Prefetcher) Peek() (*Batch, error) { return Peek(p.inner) }

// Iter starts a new pass and its worker.
func (p *Prefetcher) Iter() Iterator {
	it := &prefetchIterator{
		ctx:     p.ctx,
		batches: make(chan *Batch, p.depth),
		errs:    make(chan error, 1),
		stop:    make(chan struct{}),
	}
	go it.worker(p.inner.Iter())
	return it
}

type prefetchIterator struct {
	ctx      context.Context
	batches  chan *Batch
	errs     chan error
	stop     chan struct{}
	stopOnce sync.Once
	done     bool
}

// worker closes batches after the last batch, or after reporting an error.
func (it *prefetchIterator) worker(src Iterator) {
	defer close(it.batches)
	defer src.Close()
	for {
		b, err := src.Next()
		if err != nil {
			it.errs <- err
			return
		}
		if b == nil {
			return
		}
		select {
		case it.batches <- b:
		case <-it.stop:
			return
		case <-it.ctx.Done():
			return
		}
	}
}

// Close stops the worker. Batches it already decoded are dropped.
func (it *prefetchIterator) Close() {
	it.done = true
	it.stopOnce.Do(func() { close(it.stop) })
}

func (it *prefetchIterator) Next() (*Batch, error) {
	if it.done {
		return nil, nil
	}
	select {
	case b, ok := <-it.batches:
		if ok {
			return b, nil
		}
		it.done = true
		select {
		case err := <-it.errs:
			return nil, err
		default:
		}
		if err := it.ctx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	case <-it.ctx.Done():
		it.done = true
		return nil, it.ctx.Err()
	}
}

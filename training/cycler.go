package training

import (
	"context"
	"fmt"

	"github.com/tsawler/lesion-distill/vision/dataloader"
)

// BatchPair is one step of a cycled run.
type BatchPair struct {
	Primary   *dataloader.Batch
	Secondary *dataloader.Batch
}

// StreamCycler pairs every batch of a primary loader with the next batch of
// a secondary loader. The primary defines the epoch; the secondary is
// restarted whenever it runs out, and its position carries over from one
// Each call to the next.
type StreamCycler struct {
	primary   dataloader.Loader
	secondary dataloader.Loader
	it        dataloader.Iterator
	restarts  int
}

// NewStreamCycler checks that the secondary loader can produce batches.
func NewStreamCycler(primary, secondary dataloader.Loader) (*StreamCycler, error) {
	if primary == nil || secondary == nil {
		return nil, fmt.Errorf("%w: cycler needs two loaders", ErrNoLoader)
	}
	if secondary.Len() == 0 {
		return nil, ErrEmptyStream
	}
	return &StreamCycler{primary: primary, secondary: secondary}, nil
}

// Next returns the next secondary batch, restarting the loader when it is
// exhausted.
func (c *StreamCycler) Next() (*dataloader.Batch, error) {
	if c.it != nil {
		b, err := c.it.Next()
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
		c.it.Close()
		c.restarts++
	}
	c.it = c.secondary.Iter()
	b, err := c.it.Next()
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrEmptyStream
	}
	return b, nil
}

// Each runs fn once per primary batch. It stops at the first error and checks
// ctx between steps.
func (c *StreamCycler) Each(ctx context.Context, fn func(step int, p BatchPair) error) error {
	return eachBatch(ctx, c.primary, func(step int, b *dataloader.Batch) error {
		s, err := c.Next()
		if err != nil {
			return err
		}
		return fn(step, BatchPair{Primary: b, Secondary: s})
	})
}

// Restarts returns how many times the secondary loader has wrapped around.
func (c *StreamCycler) Restarts() int { return c.restarts }

// Close releases the current secondary pass.
func (c *StreamCycler) Close() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
	}
}

// eachBatch runs fn over one pass of l.
func eachBatch(ctx context.Context, l dataloader.Loader, fn func(step int, b *dataloader.Batch) error) error {
	it := l.Iter()
	defer it.Close()
	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := it.Next()
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		if err := fn(step, b); err != nil {
			return err
		}
	}
}

package dataloader

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestPrefetcherKeepsOrder(t *testing.T) {
	inner, err := NewDataLoader(NewMockDataset(7), Config{BatchSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPrefetcher(context.Background(), inner, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p.Len() != 3 {
		t.Errorf("Len = %d, expected 3", p.Len())
	}
	want := drain(t, inner)
	for pass := 0; pass < 2; pass++ {
		if got := drain(t, p); !reflect.DeepEqual(got, want) {
			t.Errorf("pass %d: got %v, expected %v", pass, got, want)
		}
	}
}

func TestPrefetcherPropagatesErrors(t *testing.T) {
	ds := NewMockDataset(6)
	ds.failAt = 4
	inner, err := NewDataLoader(ds, Config{BatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := NewPrefetcher(context.Background(), inner, 4)
	it := p.Iter()
	for i := 0; i < 2; i++ {
		if b, err := it.Next(); err != nil || b == nil {
			t.Fatalf("batch %d: %v, %v", i, b, err)
		}
	}
	if _, err := it.Next(); err == nil || !strings.Contains(err.Error(), "corrupt slice") {
		t.Errorf("expected decode error, got %v", err)
	}
	if b, err := it.Next(); b != nil || err != nil {
		t.Errorf("iterator should stay finished, got %v, %v", b, err)
	}
}

func TestPrefetcherCancelled(t *testing.T) {
	inner, _ := NewDataLoader(NewMockDataset(8), Config{BatchSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	p, _ := NewPrefetcher(ctx, inner, 1)
	it := p.Iter()
	if _, err := it.Next(); err != nil {
		t.Fatal(err)
	}
	cancel()
	// Already buffered batches may still be delivered before the
	// cancellation is observed.
	for i := 0; i < 8; i++ {
		b, err := it.Next()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
			return
		}
		if b == nil {
			t.Fatal("pass ended without reporting cancellation")
		}
	}
	t.Error("cancellation never observed")
}

func TestNewPrefetcherNil(t *testing.T) {
	if _, err := NewPrefetcher(context.Background(), nil, 1); err == nil {
		t.Error("expected error for nil loader")
	}
}

// closeTracker reports when the pass it hands out is closed.
type closeTracker struct {
	Loader
	closed chan struct{}
}

func (c *closeTracker) Iter() Iterator {
	return &trackedIterator{Iterator: c.Loader.Iter(), closed: c.closed}
}

type trackedIterator struct {
	Iterator
	closed chan struct{}
}

func (it *trackedIterator) Close() {
	it.Iterator.Close()
	close(it.closed)
}

func TestPrefetcherCloseStopsWorker(t *testing.T) {
	inner, _ := NewDataLoader(NewMockDataset(8), Config{BatchSize: 1})
	tracker := &closeTracker{Loader: inner, closed: make(chan struct{})}
	p, _ := NewPrefetcher(context.Background(), tracker, 1)
	it := p.Iter()
	if b, err := it.Next(); err != nil || b == nil {
		t.Fatalf("first batch: %v, %v", b, err)
	}
	it.Close()
	it.Close()

	select {
	case <-tracker.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker still running after Close")
	}
	if b, err := it.Next(); b != nil || err != nil {
		t.Errorf("closed iterator returned %v, %v", b, err)
	}
}

func TestPeekDoesNotAdvanceShuffle(t *testing.T) {
	config := Config{BatchSize: 3, Shuffle: true, Seed: 7}
	peeked, _ := NewDataLoader(NewMockDataset(9), config)
	untouched, _ := NewDataLoader(NewMockDataset(9), config)
	p, _ := NewPrefetcher(context.Background(), peeked, 2)

	b, err := Peek(p)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(b.IDs, []string{"slice_0", "slice_1", "slice_2"}) {
		t.Errorf("Peek = %v, expected the first unshuffled batch", b.IDs)
	}
	for pass := 0; pass < 2; pass++ {
		if got, want := drain(t, peeked), drain(t, untouched); !reflect.DeepEqual(got, want) {
			t.Errorf("pass %d after Peek: got %v, expected %v", pass, got, want)
		}
	}

	empty, _ := NewDataLoader(NewMockDataset(2), Config{BatchSize: 3, DropLast: true})
	if b, err := Peek(empty); b != nil || err != nil {
		t.Errorf("Peek on an empty pass = %v, %v", b, err)
	}
	if b, err := Peek(&SliceLoader{Batches: []*Batch{{IDs: []string{"a"}}}}); err != nil || b.IDs[0] != "a" {
		t.Errorf("Peek on a slice loader = %v, %v", b, err)
	}
}

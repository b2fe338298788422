package training

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tsawler/lesion-distill/vision/dataloader"
)

// numbered builds a loader whose batch i carries the ID "<prefix><i>".
func numbered(prefix string, n int) *dataloader.SliceLoader {
	l := &dataloader.SliceLoader{}
	for i := 0; i < n; i++ {
		l.Batches = append(l.Batches, &dataloader.Batch{IDs: []string{fmt.Sprintf("%s%d", prefix, i)}})
	}
	return l
}

// vanishing reports a length but yields nothing after its first pass.
type vanishing struct {
	passes int
}

func (v *vanishing) Len() int { return 1 }

func (v *vanishing) Iter() dataloader.Iterator {
	v.passes++
	if v.passes == 1 {
		return (&dataloader.SliceLoader{Batches: []*dataloader.Batch{{IDs: []string{"t0"}}}}).Iter()
	}
	return (&dataloader.SliceLoader{}).Iter()
}

func TestStreamCyclerPairs(t *testing.T) {
	tests := []struct {
		name string
		l, m int
	}{
		{"secondary shorter", 7, 3},
		{"secondary longer", 2, 5},
		{"equal", 4, 4},
		{"single secondary batch", 5, 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, err := NewStreamCycler(numbered("s", test.l), numbered("t", test.m))
			if err != nil {
				t.Fatal(err)
			}
			count := 0
			err = c.Each(context.Background(), func(step int, p BatchPair) error {
				if want := fmt.Sprintf("s%d", step); p.Primary.IDs[0] != want {
					t.Errorf("step %d primary = %s", step, p.Primary.IDs[0])
				}
				if want := fmt.Sprintf("t%d", step%test.m); p.Secondary.IDs[0] != want {
					t.Errorf("step %d secondary = %s, expected %s", step, p.Secondary.IDs[0], want)
				}
				count++
				return nil
			})
			if err != nil {
				t.Fatalf("Each failed: %v", err)
			}
			if count != test.l {
				t.Errorf("yielded %d pairs, expected %d", count, test.l)
			}
			if want := (test.l - 1) / test.m; c.Restarts() != want {
				t.Errorf("restarts = %d, expected %d", c.Restarts(), want)
			}
		})
	}
}

func TestStreamCyclerCarriesOverEpochs(t *testing.T) {
	c, _ := NewStreamCycler(numbered("s", 2), numbered("t", 3))
	var seen []string
	for epoch := 0; epoch < 3; epoch++ {
		c.Each(context.Background(), func(_ int, p BatchPair) error {
			seen = append(seen, p.Secondary.IDs[0])
			return nil
		})
	}
	want := []string{"t0", "t1", "t2", "t0", "t1", "t2"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("secondary sequence %v, expected %v", seen, want)
	}
}

func TestStreamCyclerEmptySecondary(t *testing.T) {
	if _, err := NewStreamCycler(numbered("s", 2), numbered("t", 0)); !errors.Is(err, ErrEmptyStream) {
		t.Errorf("expected ErrEmptyStream, got %v", err)
	}
	if _, err := NewStreamCycler(nil, numbered("t", 1)); !errors.Is(err, ErrNoLoader) {
		t.Errorf("expected ErrNoLoader, got %v", err)
	}

	c, err := NewStreamCycler(numbered("s", 3), &vanishing{})
	if err != nil {
		t.Fatal(err)
	}
	steps := 0
	err = c.Each(context.Background(), func(int, BatchPair) error {
		steps++
		return nil
	})
	if !errors.Is(err, ErrEmptyStream) {
		t.Errorf("expected ErrEmptyStream after restart, got %v", err)
	}
	if steps != 1 {
		t.Errorf("ran %d steps before failing, expected 1", steps)
	}
}

func TestStreamCyclerStopsOnCancel(t *testing.T) {
	c, _ := NewStreamCycler(numbered("s", 5), numbered("t", 2))
	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	err := c.Each(ctx, func(step int, _ BatchPair) error {
		steps++
		if step == 1 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if steps != 2 {
		t.Errorf("ran %d steps, expected 2", steps)
	}
}

func TestStreamCyclerClose(t *testing.T) {
	c, err := NewStreamCycler(numbered("s", 1), numbered("t", 3))
	if err != nil {
		t.Fatal(err)
	}
	if b, err := c.Next(); err != nil || b.IDs[0] != "t0" {
		t.Fatalf("first batch %v, %v", b, err)
	}
	c.Close()
	c.Close()
	b, err := c.Next()
	if err != nil || b.IDs[0] != "t0" {
		t.Errorf("after Close the next pass should start over, got %v, %v", b, err)
	}
	if c.Restarts() != 0 {
		t.Errorf("Close counted as a restart: %d", c.Restarts())
	}
}

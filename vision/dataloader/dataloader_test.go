package dataloader

import (
	"fmt"
	"testing"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
)

// MockDataset implements the Dataset interface for testing
type MockDataset struct {
	n       int
	failAt  int
	badAt   int
	fetched int
}

func NewMockDataset(n int) *MockDataset {
	return &MockDataset{n: n, failAt: -1, badAt: -1}
}

func (md *MockDataset) Len() int { return md.n }

func (md *MockDataset) Get(index int) (Sample, error) {
	if index < 0 || index >= md.n {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, md.n)
	}
	if index == md.failAt {
		return Sample{}, fmt.Errorf("corrupt slice")
	}
	md.fetched++
	img, _ := tensor.Full([]int{1, 2, 2}, float32(index))
	target := detection.Target{Boxes: []detection.Box{{XMin: 0, YMin: 0, XMax: 1, YMax: 1}}, Labels: []int{1}}
	if index == md.badAt {
		target.Labels = nil
	}
	return Sample{ID: fmt.Sprintf("slice_%d", index), Group: "p0", Image: img, Target: target}, nil
}

func drain(t *testing.T, l Loader) [][]string {
	t.Helper()
	batches, err := Collect(l)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	ids := make([][]string, len(batches))
	for i, b := range batches {
		if len(b.IDs) != b.Len() || len(b.Targets) != b.Len() {
			t.Fatalf("batch %d has ragged fields", i)
		}
		ids[i] = b.IDs
	}
	return ids
}

func TestNewDataLoader(t *testing.T) {
	if _, err := NewDataLoader(nil, Config{BatchSize: 2}); err == nil {
		t.Error("Expected error for nil dataset")
	}
	if _, err := NewDataLoader(NewMockDataset(3), Config{BatchSize: 0}); err == nil {
		t.Error("Expected error for zero batch size")
	}
}

func TestDataLoaderBatching(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		config    Config
		wantLen   int
		wantSizes []int
	}{
		{"exact", 6, Config{BatchSize: 3}, 2, []int{3, 3}},
		{"partial last", 7, Config{BatchSize: 3}, 3, []int{3, 3, 1}},
		{"drop last", 7, Config{BatchSize: 3, DropLast: true}, 2, []int{3, 3}},
		{"empty", 0, Config{BatchSize: 3}, 0, nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dl, err := NewDataLoader(NewMockDataset(test.n), test.config)
			if err != nil {
				t.Fatal(err)
			}
			if dl.Len() != test.wantLen {
				t.Errorf("Len() = %d, expected %d", dl.Len(), test.wantLen)
			}
			ids := drain(t, dl)
			if len(ids) != len(test.wantSizes) {
				t.Fatalf("got %d batches, expected %d", len(ids), len(test.wantSizes))
			}
			for i, b := range ids {
				if len(b) != test.wantSizes[i] {
					t.Errorf("batch %d has %d samples, expected %d", i, len(b), test.wantSizes[i])
				}
			}
		})
	}
}

func TestDataLoaderOrder(t *testing.T) {
	dl, _ := NewDataLoader(NewMockDataset(4), Config{BatchSize: 2})
	ids := drain(t, dl)
	if ids[0][0] != "slice_0" || ids[1][1] != "slice_3" {
		t.Errorf("unshuffled loader out of order: %v", ids)
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	config := Config{BatchSize: 4, Shuffle: true, Seed: 42}
	a, _ := NewDataLoader(NewMockDataset(16), config)
	b, _ := NewDataLoader(NewMockDataset(16), config)

	first := drain(t, a)
	if fmt.Sprint(first) != fmt.Sprint(drain(t, b)) {
		t.Error("loaders with the same seed should produce the same order")
	}
	second := drain(t, a)
	if fmt.Sprint(first) == fmt.Sprint(second) {
		t.Error("consecutive passes should be reshuffled")
	}

	seen := make(map[string]bool)
	for _, batch := range second {
		for _, id := range batch {
			seen[id] = true
		}
	}
	if len(seen) != 16 {
		t.Errorf("pass visited %d distinct samples, expected 16", len(seen))
	}
}

func TestDataLoaderErrors(t *testing.T) {
	ds := NewMockDataset(4)
	ds.failAt = 2
	dl, _ := NewDataLoader(ds, Config{BatchSize: 2})
	if _, err := Collect(dl); err == nil {
		t.Error("Expected error from failing sample")
	}

	ds = NewMockDataset(4)
	ds.badAt = 1
	dl, _ = NewDataLoader(ds, Config{BatchSize: 2})
	if _, err := Collect(dl); err == nil {
		t.Error("Expected error for mismatched boxes and labels")
	}
}

func TestSliceLoader(t *testing.T) {
	l := &SliceLoader{Batches: []*Batch{{IDs: []string{"a"}}, {IDs: []string{"b"}}}}
	for pass := 0; pass < 2; pass++ {
		it := l.Iter()
		for i := 0; i < 2; i++ {
			b, err := it.Next()
			if err != nil || b == nil {
				t.Fatalf("pass %d batch %d: %v %v", pass, i, b, err)
			}
		}
		if b, _ := it.Next(); b != nil {
			t.Errorf("pass %d should be exhausted", pass)
		}
	}
	if l.Len() != 2 {
		t.Errorf("Len() = %d", l.Len())
	}
}

// Package dataloader batches detection samples for the training engine.
package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
)

// Sample is one preprocessed scan slice and its ground truth. Group names the
// patient or volume the slice belongs to.
type Sample struct {
	ID     string
	Group  string
	Image  *tensor.Tensor
	Target detection.Target
}

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	Get(index int) (Sample, error)
}

// Batch is a list of samples in loader order. Images may differ in size.
type Batch struct {
	IDs     []string
	Images  []*tensor.Tensor
	Targets []detection.Target
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	return len(b.Images)
}

// Iterator walks one pass over a loader. Next returns a nil batch once the
// pass is exhausted. Close releases a pass that is abandoned early; Next
// returns nil batches after it.
type Iterator interface {
	Next() (*Batch, error)
	Close()
}

// Loader is a finite, restartable source of batches.
type Loader interface {
	// Len returns the number of batches in one pass.
	Len() int
	// Iter starts a new pass.
	Iter() Iterator
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int   `yaml:"batch_size"`
	Shuffle   bool  `yaml:"shuffle"`
	Seed      int64 `yaml:"seed"`
	DropLast  bool  `yaml:"drop_last"`
}

// DataLoader batches a Dataset. With Shuffle set every pass draws a new
// permutation from a generator seeded once with Config.Seed, so runs repeat.
type DataLoader struct {
	dataset Dataset
	config  Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset is nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	return &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Len returns the number of batches in one pass.
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Iter starts a new pass.
func (dl *DataLoader) Iter() Iterator {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if dl.config.Shuffle {
		dl.mu.Lock()
		dl.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		dl.mu.Unlock()
	}
	return &datasetIterator{loader: dl, indices: indices, remaining: dl.Len()}
}

// Peek returns the first batch of an unshuffled pass. The shuffle generator
// is not advanced.
func (dl *DataLoader) Peek() (*Batch, error) {
	n := dl.dataset.Len()
	if n == 0 || dl.Len() == 0 {
		return nil, nil
	}
	if n > dl.config.BatchSize {
		n = dl.config.BatchSize
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return (&datasetIterator{loader: dl, indices: indices, remaining: 1}).Next()
}

type datasetIterator struct {
	loader    *DataLoader
	indices   []int
	position  int
	remaining int
}

func (it *datasetIterator) Next() (*Batch, error) {
	if it.remaining == 0 {
		return nil, nil
	}
	end := it.position + it.loader.config.BatchSize
	if end > len(it.indices) {
		end = len(it.indices)
	}

	batch := &Batch{}
	for _, idx := range it.indices[it.position:end] {
		s, err := it.loader.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if err := s.Target.Validate(); err != nil {
			return nil, fmt.Errorf("sample %s: %w", s.ID, err)
		}
		batch.IDs = append(batch.IDs, s.ID)
		batch.Images = append(batch.Images, s.Image)
		batch.Targets = append(batch.Targets, s.Target)
	}
	it.position = end
	it.remaining--
	return batch, nil
}

func (it *datasetIterator) Close() { it.remaining = 0 }

// SliceLoader replays a fixed list of batches on every pass.
type SliceLoader struct {
	Batches []*Batch
}

// Len returns the number of batches.
func (l *SliceLoader) Len() int { return len(l.Batches) }

// Iter starts a new pass.
func (l *SliceLoader) Iter() Iterator {
	return &sliceIterator{batches: l.Batches}
}

type sliceIterator struct {
	batches []*Batch
	pos     int
}

func (it *sliceIterator) Next() (*Batch, error) {
	if it.pos >= len(it.batches) {
		return nil, nil
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

func (it *sliceIterator) Close() { it.pos = len(it.batches) }

// Peek returns the first batch of l without starting a visible pass. Loaders
// that can do this without side effects implement Peek themselves; others
// get a pass that is closed after one batch.
func Peek(l Loader) (*Batch, error) {
	if p, ok := l.(interface{ Peek() (*Batch, error) }); ok {
		return p.Peek()
	}
	it := l.Iter()
	defer it.Close()
	return it.Next()
}

// Collect drains one pass of a loader into memory.
func Collect(l Loader) ([]*Batch, error) {
	it := l.Iter()
	defer it.Close()
	var out []*Batch
	for {
		b, err := it.Next()
		if err != nil {
			return nil, err
		}
		if b == nil {
			return out, nil
		}
		out = append(out, b)
	}
}

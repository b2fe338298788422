package dataset

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/tsawler/lesion-distill/vision/dataloader"
)

// GroupedDataset is a dataset whose samples can be grouped without decoding
// them.
type GroupedDataset interface {
	dataloader.Dataset
	GroupOf(index int) (string, error)
}

// GroupOf returns the group of sample index.
func (s *Synthetic) GroupOf(index int) (string, error) {
	if index < 0 || index >= s.config.Samples {
		return "", fmt.Errorf("index %d out of range [0, %d)", index, s.config.Samples)
	}
	return fmt.Sprintf("group_%03d", index%s.config.Groups), nil
}

// GroupOf returns the group of sample index.
func (f *Folder) GroupOf(index int) (string, error) {
	if index < 0 || index >= len(f.annotations) {
		return "", fmt.Errorf("index %d out of range [0, %d)", index, len(f.annotations))
	}
	return f.annotations[index].Group, nil
}

// Subset exposes the listed indices of a dataset.
type Subset struct {
	dataset dataloader.Dataset
	indices []int
}

// NewSubset creates a subset of the dataset with the specified indices
func NewSubset(ds dataloader.Dataset, indices []int) *Subset {
	return &Subset{dataset: ds, indices: indices}
}

// Len returns the number of items in the subset
func (s *Subset) Len() int { return len(s.indices) }

// Get returns sample index of the subset.
func (s *Subset) Get(index int) (dataloader.Sample, error) {
	if index < 0 || index >= len(s.indices) {
		return dataloader.Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, len(s.indices))
	}
	return s.dataset.Get(s.indices[index])
}

// Indices returns the parent indices of the subset.
func (s *Subset) Indices() []int { return s.indices }

// Splits holds the three partitions of a dataset.
type Splits struct {
	Train, Valid, Test *Subset
}

// SplitByGroup shuffles the distinct groups with seed and assigns whole
// groups to train, valid and test in the given proportions, so that slices
// of one volume never straddle partitions. The test fraction is the
// remainder.
func SplitByGroup(ds GroupedDataset, trainRatio, validRatio float64, seed int64) (*Splits, error) {
	if trainRatio <= 0 || validRatio < 0 || trainRatio+validRatio > 1 {
		return nil, fmt.Errorf("invalid split ratios train=%g valid=%g", trainRatio, validRatio)
	}

	members := make(map[string][]int)
	for i := 0; i < ds.Len(); i++ {
		g, err := ds.GroupOf(i)
		if err != nil {
			return nil, err
		}
		members[g] = append(members[g], i)
	}
	groups := make([]string, 0, len(members))
	for g := range members {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	rand.New(rand.NewSource(seed)).Shuffle(len(groups), func(i, j int) {
		groups[i], groups[j] = groups[j], groups[i]
	})

	nTrain := int(float64(len(groups))*trainRatio + 0.5)
	nValid := int(float64(len(groups))*validRatio + 0.5)
	if nTrain == 0 && len(groups) > 0 {
		nTrain = 1
	}
	if nTrain+nValid > len(groups) {
		nValid = len(groups) - nTrain
	}

	collect := func(gs []string) []int {
		var idx []int
		for _, g := range gs {
			idx = append(idx, members[g]...)
		}
		sort.Ints(idx)
		return idx
	}
	return &Splits{
		Train: NewSubset(ds, collect(groups[:nTrain])),
		Valid: NewSubset(ds, collect(groups[nTrain:nTrain+nValid])),
		Test:  NewSubset(ds, collect(groups[nTrain+nValid:])),
	}, nil
}

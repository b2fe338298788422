package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
	"github.com/tsawler/lesion-distill/vision/dataloader"
	"github.com/tsawler/lesion-distill/vision/preprocessing"
)

// AnnotationFile is the name of the index expected at the root of a folder
// dataset.
const AnnotationFile = "annotations.yaml"

// Annotation describes one slice of a folder dataset. Boxes are in the pixel
// coordinates of the source file.
type Annotation struct {
	File   string          `yaml:"file"`
	Group  string          `yaml:"group"`
	Boxes  []detection.Box `yaml:"boxes"`
	Labels []int           `yaml:"labels"`
}

type annotationIndex struct {
	Images []Annotation `yaml:"images"`
}

// FolderConfig configures a folder dataset.
type FolderConfig struct {
	Root      string `yaml:"root"`
	Height    int    `yaml:"height"`
	Width     int    `yaml:"width"`
	Channels  int    `yaml:"channels"`
	CacheSize int    `yaml:"cache_size"`
}

// Folder reads PNG or JPEG slices listed in annotations.yaml and resizes them
// to the configured input size, rescaling boxes to match.
type Folder struct {
	root        string
	annotations []Annotation
	processor   *preprocessing.ImageProcessor
	cache       *dataloader.Cache[*preprocessing.ProcessedImage]
}

// NewFolder loads the annotation index. Images are decoded lazily.
func NewFolder(config FolderConfig) (*Folder, error) {
	if config.Channels == 0 {
		config.Channels = 1
	}
	processor, err := preprocessing.NewImageProcessor(config.Height, config.Width, config.Channels)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(filepath.Join(config.Root, AnnotationFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}
	var index annotationIndex
	if err := yaml.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", AnnotationFile, err)
	}
	if len(index.Images) == 0 {
		return nil, fmt.Errorf("no images listed in %s", filepath.Join(config.Root, AnnotationFile))
	}
	for i, a := range index.Images {
		if a.File == "" {
			return nil, fmt.Errorf("annotation %d has no file", i)
		}
		if err := (detection.Target{Boxes: a.Boxes, Labels: a.Labels}).Validate(); err != nil {
			return nil, fmt.Errorf("annotation %s: %w", a.File, err)
		}
		if a.Group == "" {
			index.Images[i].Group = strings.TrimSuffix(a.File, filepath.Ext(a.File))
		}
	}

	return &Folder{
		root:        config.Root,
		annotations: index.Images,
		processor:   processor,
		cache:       dataloader.NewCache[*preprocessing.ProcessedImage](config.CacheSize),
	}, nil
}

// Len returns the number of items in the dataset
func (f *Folder) Len() int {
	return len(f.annotations)
}

// Get decodes slice index, using the cache when possible.
func (f *Folder) Get(index int) (dataloader.Sample, error) {
	if index < 0 || index >= len(f.annotations) {
		return dataloader.Sample{}, fmt.Errorf("index %d out of range [0, %d)", index, len(f.annotations))
	}
	a := f.annotations[index]
	path := filepath.Join(f.root, a.File)

	img, ok := f.cache.Get(path)
	if !ok {
		file, err := os.Open(path)
		if err != nil {
			return dataloader.Sample{}, err
		}
		img, err = f.processor.DecodeAndPreprocess(file)
		file.Close()
		if err != nil {
			return dataloader.Sample{}, fmt.Errorf("%s: %w", a.File, err)
		}
		f.cache.Put(path, img)
	}

	t, err := tensor.NewTensor([]int{img.Channels, img.Height, img.Width}, append([]float32(nil), img.Data...))
	if err != nil {
		return dataloader.Sample{}, err
	}

	target := detection.Target{Labels: append([]int(nil), a.Labels...)}
	for _, b := range a.Boxes {
		target.Boxes = append(target.Boxes, b.Scale(img.ScaleX(), img.ScaleY()))
	}

	return dataloader.Sample{ID: a.File, Group: a.Group, Image: t, Target: target}, nil
}

// Annotations returns the parsed index.
func (f *Folder) Annotations() []Annotation {
	return f.annotations
}

// CacheStats reports the decoded image cache.
func (f *Folder) CacheStats() dataloader.CacheStats {
	return f.cache.Stats()
}

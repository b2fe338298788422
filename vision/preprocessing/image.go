package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"
)

// ImageProcessor decodes scan slices and resamples them to the network input
// size. Buffers are reused between calls.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	height        int
	width         int
	channels      int
}

// NewImageProcessor creates a processor producing height×width images with
// 1 (grayscale) or 3 (RGB) channels.
func NewImageProcessor(height, width, channels int) (*ImageProcessor, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", height, width)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("channels must be 1 or 3, got %d", channels)
	}
	return &ImageProcessor{height: height, width: width, channels: channels}, nil
}

// ProcessedImage is a CHW float32 image in [0, 1] together with the size of
// the source image, which is needed to map boxes between the two.
type ProcessedImage struct {
	Data       []float32
	Height     int
	Width      int
	Channels   int
	OrigHeight int
	OrigWidth  int
}

// ScaleX returns the factor mapping source x coordinates onto the processed image.
func (p *ProcessedImage) ScaleX() float64 { return float64(p.Width) / float64(p.OrigWidth) }

// ScaleY returns the factor mapping source y coordinates onto the processed image.
func (p *ProcessedImage) ScaleY() float64 { return float64(p.Height) / float64(p.OrigHeight) }

// DecodeAndPreprocess decodes a PNG or JPEG image and resamples it with
// nearest-neighbour lookup.
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.Preprocess(img, format)
}

// Preprocess resamples an already decoded image.
func (p *ImageProcessor) Preprocess(img image.Image, format string) (*ProcessedImage, error) {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, fmt.Errorf("empty %s image", format)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	plane := p.height * p.width
	required := p.channels * plane
	if len(p.processBuffer) < required {
		p.processBuffer = make([]float32, required)
	}
	data := p.processBuffer[:required]

	scaleX := float64(srcW) / float64(p.width)
	scaleY := float64(srcH) / float64(p.height)
	for y := 0; y < p.height; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= srcH {
			srcY = srcH - 1
		}
		for x := 0; x < p.width; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= srcW {
				srcX = srcW - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			rv := clampUnit(float32(r) / 65535.0)
			gv := clampUnit(float32(g) / 65535.0)
			bv := clampUnit(float32(b) / 65535.0)

			idx := y*p.width + x
			if p.channels == 1 {
				// ITU-R 601 luma
				data[idx] = 0.299*rv + 0.587*gv + 0.114*bv
				continue
			}
			data[idx] = rv
			data[plane+idx] = gv
			data[2*plane+idx] = bv
		}
	}

	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:       result,
		Height:     p.height,
		Width:      p.width,
		Channels:   p.channels,
		OrigHeight: srcH,
		OrigWidth:  srcW,
	}, nil
}

func clampUnit(v float32) float32 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PreprocessFiles decodes several files with a bounded worker pool. Results
// keep the order of paths.
func PreprocessFiles(paths []string, height, width, channels, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if _, err := NewImageProcessor(height, width, channels); err != nil {
		return nil, err
	}

	results := make([]*ProcessedImage, len(paths))
	errs := make([]error, len(paths))

	type job struct {
		index int
		path  string
	}
	jobs := make(chan job, len(paths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor, _ := NewImageProcessor(height, width, channels)
			for j := range jobs {
				results[j.index], errs[j.index] = decodeFile(processor, j.path)
			}
		}()
	}

	for i, path := range paths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to process %s: %w", paths[i], err)
		}
	}
	return results, nil
}

func decodeFile(p *ImageProcessor, path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return p.DecodeAndPreprocess(file)
}

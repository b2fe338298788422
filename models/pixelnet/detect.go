package pixelnet

import (
	"sort"

	"github.com/tsawler/lesion-distill/detection"
	"github.com/tsawler/lesion-distill/tensor"
)

// LesionLabel is the class predicted for every region.
const LesionLabel = 1

// detect turns a [1,H*W] logit map into one detection per 4-connected region
// of pixels scoring at least the threshold. The region's score is its mean
// clipped score; boxes use inclusive pixel coordinates. Detections are sorted
// by descending score.
func (n *Network) detect(logits *tensor.Tensor) detection.Detections {
	h, w := n.config.Height, n.config.Width
	thr := float32(n.config.ScoreThreshold)
	score := func(i int) float32 { return min(max(logits.Data[i], 0), 1) }

	seen := make([]bool, h*w)
	var out detection.Detections
	queue := make([]int, 0, h*w)
	for start := range seen {
		if seen[start] || score(start) < thr {
			continue
		}
		seen[start] = true
		queue = append(queue[:0], start)
		x0, y0, x1, y1 := w, h, -1, -1
		var sum float64
		for k := 0; k < len(queue); k++ {
			i := queue[k]
			y, x := i/w, i%w
			x0, x1 = min(x0, x), max(x1, x)
			y0, y1 = min(y0, y), max(y1, y)
			sum += float64(score(i))

			for _, nb := range [4][2]int{{y - 1, x}, {y + 1, x}, {y, x - 1}, {y, x + 1}} {
				ny, nx := nb[0], nb[1]
				if ny < 0 || ny >= h || nx < 0 || nx >= w {
					continue
				}
				j := ny*w + nx
				if !seen[j] && score(j) >= thr {
					seen[j] = true
					queue = append(queue, j)
				}
			}
		}
		out.Boxes = append(out.Boxes, detection.Box{
			XMin: float64(x0), YMin: float64(y0), XMax: float64(x1), YMax: float64(y1),
		})
		out.Labels = append(out.Labels, LesionLabel)
		out.Scores = append(out.Scores, sum/float64(len(queue)))
	}

	order := make([]int, len(out.Scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return out.Scores[order[a]] > out.Scores[order[b]] })
	sorted := detection.Detections{
		Boxes:  make([]detection.Box, len(order)),
		Labels: make([]int, len(order)),
		Scores: make([]float64, len(order)),
	}
	for k, i := range order {
		sorted.Boxes[k] = out.Boxes[i]
		sorted.Labels[k] = out.Labels[i]
		sorted.Scores[k] = out.Scores[i]
	}
	return sorted
}

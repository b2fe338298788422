package training

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tsawler/lesion-distill/model"
)

// ProgressBar renders a single-line iteration progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
	now         func() time.Time
}

// NewProgressBar creates a progress bar that redraws itself on out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
		now:         time.Now,
	}
}

// Update advances the bar to step and replaces the displayed metrics
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = make(map[string]float64, len(metrics))
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line())
}

// line formats the current state, starting with a carriage return so the
// terminal overwrites the previous line.
func (pb *ProgressBar) line() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1)
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := pb.now().Sub(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 && elapsed > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description, percentage*100, bar, pb.current, pb.total,
		formatDuration(elapsed), formatDuration(eta))
	if rate > 0 {
		fmt.Fprintf(&sb, ", %.2fbatch/s", rate)
	}
	for _, key := range model.SortedKeys(pb.metrics) {
		fmt.Fprintf(&sb, ", %s=%.3f", key, pb.metrics[key])
	}
	sb.WriteString("]")
	return sb.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// PrintParameters writes a table of a network's named parameters with their
// shapes, followed by the trainable total.
func PrintParameters(out io.Writer, role model.Role, net model.Network) {
	params := net.NamedParameters()
	nameWidth := len("Parameter")
	for _, p := range params {
		nameWidth = max(nameWidth, len(p.Name))
	}

	rule := strings.Repeat("=", nameWidth+30)
	fmt.Fprintf(out, "%s (capture point %q)\n", role, net.CapturePoint())
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "%-*s  %-16s %10s\n", nameWidth, "Parameter", "Shape", "Elements")
	fmt.Fprintln(out, strings.Repeat("-", nameWidth+30))
	total := 0
	for _, p := range params {
		fmt.Fprintf(out, "%-*s  %-16s %10d\n", nameWidth, p.Name, fmt.Sprint(p.Value.Shape), p.Value.NumElems)
		total += p.Value.NumElems
	}
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "Total params: %s\n", formatCount(total))
}

// formatCount inserts thousands separators.
func formatCount(n int) string {
	s := fmt.Sprint(n)
	if n < 0 {
		return "-" + formatCount(-n)
	}
	var sb strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

package training

import (
	"fmt"
	"strings"

	"github.com/tsawler/lesion-distill/model"
)

// MetricRecord is the flat metric map produced at the end of an epoch. Keys
// have the form "<role>: <metric>".
type MetricRecord map[string]float64

// MetricKey builds a record key.
func MetricKey(role model.Role, metric string) string {
	return fmt.Sprintf("%s: %s", role, metric)
}

// Merge copies other into r, overwriting existing keys.
func (r MetricRecord) Merge(other MetricRecord) {
	for k, v := range other {
		r[k] = v
	}
}

// Lookup returns the value of key or ErrMissingMetric.
func (r MetricRecord) Lookup(key string) (float64, error) {
	v, ok := r[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q (have %s)", ErrMissingMetric, key, strings.Join(model.SortedKeys(r), ", "))
	}
	return v, nil
}

// String renders the record in key order.
func (r MetricRecord) String() string {
	var sb strings.Builder
	for i, k := range model.SortedKeys(r) {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%.4f", k, r[k])
	}
	return sb.String()
}

// EpochEntry is one row of the run history.
type EpochEntry struct {
	Phase  Phase
	Epoch  int
	Record MetricRecord
}

// History accumulates epoch records in order.
type History struct {
	entries []EpochEntry
}

// Append adds an epoch record.
func (h *History) Append(phase Phase, epoch int, r MetricRecord) {
	h.entries = append(h.entries, EpochEntry{Phase: phase, Epoch: epoch, Record: r})
}

// Entries returns all recorded epochs.
func (h *History) Entries() []EpochEntry {
	return h.entries
}

// Series returns the values of key in epoch order, skipping epochs that did
// not record it.
func (h *History) Series(key string) []float64 {
	var out []float64
	for _, e := range h.entries {
		if v, ok := e.Record[key]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Last returns the most recent entry.
func (h *History) Last() (EpochEntry, bool) {
	if len(h.entries) == 0 {
		return EpochEntry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// lossMeter averages loss scalars over an epoch.
type lossMeter struct {
	sums  map[string]float64
	count int
}

func newLossMeter() *lossMeter {
	return &lossMeter{sums: make(map[string]float64)}
}

func (m *lossMeter) add(values map[string]float64) {
	for k, v := range values {
		m.sums[k] += v
	}
	m.count++
}

// record returns the per-iteration means under "<role>: <name>".
func (m *lossMeter) record(role model.Role) MetricRecord {
	r := make(MetricRecord, len(m.sums))
	if m.count == 0 {
		return r
	}
	for k, v := range m.sums {
		r[MetricKey(role, k)] = v / float64(m.count)
	}
	return r
}

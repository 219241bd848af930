package tube

import (
	"sync"
	"time"

	"github.com/heymumford/Samstraumr-sub008/errors"
)

// MetricKey identifies one dynamic-state metric. The key set is enumerated
// and validated at insertion; custom tags must be registered before use.
type MetricKey string

// Built-in metric keys recorded by the runtime.
const (
	MetricThroughput MetricKey = "throughput"
	MetricErrorRate  MetricKey = "error_rate"
	MetricLatencyP95 MetricKey = "latency_p95"
)

// ValueKind is the value type permitted for a metric key.
type ValueKind int

const (
	// KindNumber permits float64 samples.
	KindNumber ValueKind = iota
	// KindText permits string samples.
	KindText
)

// Sample is one timestamped dynamic-state observation.
type Sample struct {
	Key       MetricKey `json:"key"`
	Kind      ValueKind `json:"kind"`
	Number    float64   `json:"number,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DynamicState holds the typed, timestamped runtime metrics of a tube as a
// bounded sliding window. It is distinct from the design state: dynamic
// state is high-frequency measurement, design state is the operational mode.
type DynamicState struct {
	mu      sync.RWMutex
	allowed map[MetricKey]ValueKind
	samples []Sample
	next    int
	count   int
}

// DefaultWindowSize bounds the sliding window when no size is configured.
const DefaultWindowSize = 128

// NewDynamicState creates a store with the built-in numeric keys allowed
// and a sliding window of the given size (DefaultWindowSize if <= 0).
func NewDynamicState(windowSize int) *DynamicState {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &DynamicState{
		allowed: map[MetricKey]ValueKind{
			MetricThroughput: KindNumber,
			MetricErrorRate:  KindNumber,
			MetricLatencyP95: KindNumber,
		},
		samples: make([]Sample, windowSize),
	}
}

// AllowKey registers a custom metric key with its value kind. Re-registering
// an existing key with a different kind fails.
func (d *DynamicState) AllowKey(key MetricKey, kind ValueKind) error {
	if key == "" {
		return errors.Newf(errors.KindInternal, "", "AllowKey", "metric key must be non-empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.allowed[key]; ok && existing != kind {
		return errors.Newf(errors.KindInternal, "", "AllowKey",
			"metric key %q already registered with a different kind", key)
	}
	d.allowed[key] = kind
	return nil
}

// RecordNumber appends a numeric sample. The key must be registered with
// KindNumber.
func (d *DynamicState) RecordNumber(key MetricKey, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kind, ok := d.allowed[key]
	if !ok {
		return errors.Newf(errors.KindInternal, "", "RecordNumber", "unknown metric key %q", key)
	}
	if kind != KindNumber {
		return errors.Newf(errors.KindInternal, "", "RecordNumber", "metric key %q takes text values", key)
	}
	d.append(Sample{Key: key, Kind: KindNumber, Number: value, Timestamp: time.Now().UTC()})
	return nil
}

// RecordText appends a string sample. The key must be registered with
// KindText.
func (d *DynamicState) RecordText(key MetricKey, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kind, ok := d.allowed[key]
	if !ok {
		return errors.Newf(errors.KindInternal, "", "RecordText", "unknown metric key %q", key)
	}
	if kind != KindText {
		return errors.Newf(errors.KindInternal, "", "RecordText", "metric key %q takes numeric values", key)
	}
	d.append(Sample{Key: key, Kind: KindText, Text: value, Timestamp: time.Now().UTC()})
	return nil
}

// append assumes d.mu is held.
func (d *DynamicState) append(s Sample) {
	d.samples[d.next] = s
	d.next = (d.next + 1) % len(d.samples)
	if d.count < len(d.samples) {
		d.count++
	}
}

// Window returns the retained samples for key, oldest first.
func (d *DynamicState) Window(key MetricKey) []Sample {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Sample, 0, d.count)
	start := d.next - d.count
	for i := 0; i < d.count; i++ {
		idx := (start + i + len(d.samples)) % len(d.samples)
		if d.samples[idx].Key == key {
			out = append(out, d.samples[idx])
		}
	}
	return out
}

// Latest returns the most recent sample for key.
func (d *DynamicState) Latest(key MetricKey) (Sample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for i := 1; i <= d.count; i++ {
		idx := (d.next - i + len(d.samples)) % len(d.samples)
		if d.samples[idx].Key == key {
			return d.samples[idx], true
		}
	}
	return Sample{}, false
}

// Mean returns the arithmetic mean of the numeric samples for key over the
// window, and false when the window holds none.
func (d *DynamicState) Mean(key MetricKey) (float64, bool) {
	window := d.Window(key)
	if len(window) == 0 {
		return 0, false
	}
	var sum float64
	n := 0
	for _, s := range window {
		if s.Kind == KindNumber {
			sum += s.Number
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Snapshot returns the latest value per key as a plain map, suitable for
// health assessment payloads.
func (d *DynamicState) Snapshot() map[string]any {
	d.mu.RLock()
	keys := make([]MetricKey, 0, len(d.allowed))
	for k := range d.allowed {
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	out := make(map[string]any)
	for _, k := range keys {
		if s, ok := d.Latest(k); ok {
			if s.Kind == KindNumber {
				out[string(k)] = s.Number
			} else {
				out[string(k)] = s.Text
			}
		}
	}
	return out
}

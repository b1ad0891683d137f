package metrics

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
)

const (
	defaultSamples       = 512
	defaultBucketSamples = 64
)

// reservoir keeps a uniform sample of durations (Algorithm R) and an exact running sum.
// Writers serialise on mu. Readers only use atomic loads and never touch mu.
type reservoir struct {
	mu    sync.Mutex
	slots []atomic.Uint64
	seen  atomic.Int64
	sum   atomic.Uint64
}

func newReservoir(size int) *reservoir {
	if size <= 0 {
		size = defaultSamples
	}
	return &reservoir{slots: make([]atomic.Uint64, size)}
}

func (r *reservoir) add(value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.seen.Load() + 1
	capacity := int64(len(r.slots))
	if n <= capacity {
		r.slots[n-1].Store(math.Float64bits(value))
	} else if idx := rand.Int64N(n); idx < capacity {
		r.slots[idx].Store(math.Float64bits(value))
	}
	r.sum.Store(math.Float64bits(math.Float64frombits(r.sum.Load()) + value))
	r.seen.Store(n)
}

// count returns the number of durations ever recorded.
func (r *reservoir) count() int64 {
	return r.seen.Load()
}

func (r *reservoir) total() float64 {
	return math.Float64frombits(r.sum.Load())
}

// samples copies the retained values.
func (r *reservoir) samples() []float64 {
	n := r.seen.Load()
	if capacity := int64(len(r.slots)); n > capacity {
		n = capacity
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(r.slots[i].Load())
	}
	return out
}

// durationSummary accumulates one or more reservoirs into a single result.
type durationSummary struct {
	count   int64
	sum     float64
	samples []float64
}

func (d *durationSummary) merge(r *reservoir) {
	if r == nil {
		return
	}
	n := r.count()
	if n == 0 {
		return
	}
	d.count += n
	d.sum += r.total()
	d.samples = append(d.samples, r.samples()...)
}

func (d *durationSummary) mean() *float64 {
	if d.count == 0 {
		return nil
	}
	v := d.sum / float64(d.count)
	return &v
}

func (d *durationSummary) quantiles() (p50, p95 *float64) {
	if len(d.samples) == 0 {
		return nil, nil
	}
	sorted := append([]float64(nil), d.samples...)
	sort.Float64s(sorted)
	a := percentile(sorted, 0.50)
	b := percentile(sorted, 0.95)
	return &a, &b
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	pos := p * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	weight := pos - float64(lower)
	return values[lower]*(1-weight) + values[upper]*weight
}

package partition

import (
	"container/heap"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultFallbackWeight is assumed for identifiers missing from the timing
// snapshot (new or renamed tests). Deliberately configurable: the source
// history never specifies it.
const DefaultFallbackWeight = time.Second

// DefaultImbalanceFactor triggers the advisory skew warning when the
// heaviest shard exceeds this multiple of the ideal average.
const DefaultImbalanceFactor = 1.5

// Shard is one partition of the test identifier set, consumed by a single
// concurrent worker.
type Shard struct {
	Index  int
	Total  int
	Tests  []string
	Weight time.Duration
}

// Empty reports whether the shard received no work. Empty shards still
// execute (and trivially succeed) so shard-count plumbing stays uniform.
func (s Shard) Empty() bool { return len(s.Tests) == 0 }

// Options tune the partitioner.
type Options struct {
	Shards          int           // number of shards, >= 1
	FallbackWeight  time.Duration // weight for identifiers absent from the snapshot
	ImbalanceFactor float64       // advisory skew threshold, <= 0 disables
	Logger          *zap.Logger
}

type weighted struct {
	id     string
	weight time.Duration
}

// binHeap is a min-heap of shards ordered by accumulated weight, ties
// broken by shard index so assignment is deterministic.
type binHeap []*Shard

func (h binHeap) Len() int { return len(h) }
func (h binHeap) Less(i, j int) bool {
	if h[i].Weight != h[j].Weight {
		return h[i].Weight < h[j].Weight
	}
	return h[i].Index < h[j].Index
}
func (h binHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *binHeap) Push(x any)        { *h = append(*h, x.(*Shard)) }
func (h *binHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// Split assigns every identifier to exactly one of opts.Shards shards using
// the greedy longest-processing-time heuristic: sort by descending weight,
// then place each item on the currently lightest shard. For a fixed
// (ids, snapshot, shard count) input the output is identical across runs.
//
// The resulting max shard weight is bounded by total/N + max single weight.
func Split(ids []string, snap Snapshot, opts Options) []Shard {
	n := opts.Shards
	if n < 1 {
		n = 1
	}
	fallback := opts.FallbackWeight
	if fallback <= 0 {
		fallback = DefaultFallbackWeight
	}

	items := make([]weighted, len(ids))
	var total time.Duration
	for i, id := range ids {
		w, ok := snap[id]
		if !ok || w <= 0 {
			w = fallback
		}
		items[i] = weighted{id: id, weight: w}
		total += w
	}

	// Descending weight, identifier tie-break. sort.SliceStable is not
	// enough on its own: input order must not leak into equal-weight
	// placement or re-runs over a reordered-but-equal corpus would differ.
	sort.Slice(items, func(i, j int) bool {
		if items[i].weight != items[j].weight {
			return items[i].weight > items[j].weight
		}
		return items[i].id < items[j].id
	})

	shards := make([]Shard, n)
	bins := make(binHeap, n)
	for i := range shards {
		shards[i] = Shard{Index: i, Total: n, Tests: []string{}}
		bins[i] = &shards[i]
	}
	heap.Init(&bins)

	for _, it := range items {
		lightest := heap.Pop(&bins).(*Shard)
		lightest.Tests = append(lightest.Tests, it.id)
		lightest.Weight += it.weight
		heap.Push(&bins, lightest)
	}

	checkImbalance(shards, total, opts)
	return shards
}

// checkImbalance emits the advisory skew warning. Never fails the run:
// a skewed partition is slower, not wrong.
func checkImbalance(shards []Shard, total time.Duration, opts Options) {
	factor := opts.ImbalanceFactor
	if factor <= 0 || opts.Logger == nil || total == 0 || len(shards) < 2 {
		return
	}
	avg := total / time.Duration(len(shards))
	if avg == 0 {
		return
	}
	var heaviest Shard
	for _, s := range shards {
		if s.Weight > heaviest.Weight {
			heaviest = s
		}
	}
	if float64(heaviest.Weight) > factor*float64(avg) {
		opts.Logger.Warn("partition imbalance above advisory threshold",
			zap.Int("shard", heaviest.Index),
			zap.Duration("shard_weight", heaviest.Weight),
			zap.Duration("average_weight", avg),
			zap.Float64("threshold_factor", factor))
	}
}

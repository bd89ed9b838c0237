// Package opt contains the dispatch optimizer and the adapter that translates
// engine snapshots into optimizer input and solver output into hold plans.
package opt

import (
	"math/rand"
	"sort"
)

// priorityOrder ranks train classes for ordering decisions.
var priorityOrder = map[string]int{"EXPRESS": 0, "REGIONAL": 1, "FREIGHT": 2}

// TrainRouteBlock is one train-block segment in per-train insertion order.
type TrainRouteBlock struct {
	TrainID   string `json:"train_id"`
	BlockID   string `json:"block_id"`
	IsStation bool   `json:"is_station"`
	TravelSec int    `json:"travel_sec"`
	DwellSec  int    `json:"dwell_sec"`
	Priority  string `json:"priority"`
}

// ScheduledSegment is one scheduled (start, end) pair in seconds.
type ScheduledSegment struct {
	StartSec int `json:"start_sec"`
	EndSec   int `json:"end_sec"`
}

// DispatchOptimizer solves the segment scheduling model:
//   - one interval per train-block segment with a fixed integer duration,
//   - precedence between consecutive segments of the same train,
//   - pairwise headway separation between segments sharing a block,
//   - makespan minimization.
//
// Segments of one train are kept contiguous: a train physically occupies a
// block until it enters the next one, so a schedule with gaps inside a route
// is not realizable on the line. Under that restriction each train reduces to
// a rigid chain with a single start offset, and the offset of the first
// segment is precisely the time the train may begin to move, which is what a
// hold gates on.
//
// The chains are sequenced with a deterministic multi-restart placement
// heuristic. The restart budget derives from the time limit rather than the
// wall clock, so a fixed seed with a single worker always reproduces the same
// schedule.
type DispatchOptimizer struct {
	MaxTimeSec   int
	HeadwaySec   int
	TimeLimitSec float64
	NumWorkers   int
}

// NewDispatchOptimizer builds an optimizer with bounded parameters.
func NewDispatchOptimizer(maxTimeSec, headwaySec int, timeLimitSec float64, numWorkers int) *DispatchOptimizer {
	if headwaySec < 0 {
		headwaySec = 0
	}
	if timeLimitSec < 0.1 {
		timeLimitSec = 0.1
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &DispatchOptimizer{
		MaxTimeSec:   maxTimeSec,
		HeadwaySec:   headwaySec,
		TimeLimitSec: timeLimitSec,
		NumWorkers:   numWorkers,
	}
}

// chainSeg is one segment inside a train's rigid chain.
type chainSeg struct {
	block    string
	rel      int // start offset relative to the chain start
	duration int
}

// chain is one train's remaining route as a contiguous sequence.
type chain struct {
	train  string
	rank   int
	order  int // insertion position of the train's first segment
	length int // total duration
	segs   []chainSeg
}

// Optimize schedules all segments and returns {train_id -> [(start, end)]}
// sorted by start. Returns an empty map when no feasible schedule fits inside
// the horizon.
func (o *DispatchOptimizer) Optimize(nowSec int, routes []TrainRouteBlock, seed int64) map[string][]ScheduledSegment {
	chains := buildChains(routes)
	if len(chains) == 0 {
		return map[string][]ScheduledSegment{}
	}

	rng := rand.New(rand.NewSource(seed))
	restarts := int(o.TimeLimitSec * 20)
	if restarts < 1 {
		restarts = 1
	}
	if restarts > 64 {
		restarts = 64
	}

	base := make([]int, len(chains))
	for i := range base {
		base[i] = i
	}
	sort.SliceStable(base, func(a, b int) bool {
		ca, cb := chains[base[a]], chains[base[b]]
		if ca.rank != cb.rank {
			return ca.rank < cb.rank
		}
		return ca.order < cb.order
	})

	bestMakespan := -1
	var bestOffsets []int
	order := make([]int, len(base))
	for r := 0; r < restarts; r++ {
		copy(order, base)
		if r > 0 {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		offsets, makespan, ok := o.placeChains(nowSec, chains, order)
		if !ok {
			continue
		}
		if bestMakespan < 0 || makespan < bestMakespan {
			bestMakespan = makespan
			bestOffsets = offsets
		}
	}
	if bestOffsets == nil {
		return map[string][]ScheduledSegment{}
	}

	results := make(map[string][]ScheduledSegment, len(chains))
	for i, c := range chains {
		out := make([]ScheduledSegment, 0, len(c.segs))
		for _, s := range c.segs {
			start := bestOffsets[i] + s.rel
			out = append(out, ScheduledSegment{StartSec: start, EndSec: start + s.duration})
		}
		sort.Slice(out, func(a, b int) bool { return out[a].StartSec < out[b].StartSec })
		results[c.train] = out
	}
	return results
}

// buildChains groups segments by train in insertion order and fixes segment
// durations (dwell at stations, travel elsewhere, at least one second).
func buildChains(routes []TrainRouteBlock) []chain {
	index := map[string]int{}
	chains := make([]chain, 0)
	for i, trb := range routes {
		dur := trb.TravelSec
		if trb.IsStation {
			dur = trb.DwellSec
		}
		if dur < 1 {
			dur = 1
		}
		ci, ok := index[trb.TrainID]
		if !ok {
			rank, known := priorityOrder[trb.Priority]
			if !known {
				rank = 3
			}
			ci = len(chains)
			index[trb.TrainID] = ci
			chains = append(chains, chain{train: trb.TrainID, rank: rank, order: i})
		}
		c := &chains[ci]
		c.segs = append(c.segs, chainSeg{block: trb.BlockID, rel: c.length, duration: dur})
		c.length += dur
	}
	return chains
}

// placeChains assigns each chain, in the given order, the smallest start
// offset that keeps every shared-block pair separated by the headway in one
// direction or the other. Offsets only ever grow during conflict repair, so
// placement terminates; a chain pushed past the horizon fails the attempt.
func (o *DispatchOptimizer) placeChains(nowSec int, chains []chain, order []int) ([]int, int, bool) {
	horizon := nowSec + o.MaxTimeSec
	offsets := make([]int, len(chains))
	placed := make([]int, 0, len(chains))

	for _, ci := range order {
		c := chains[ci]
		t := nowSec
		for {
			pushed := false
			for _, pi := range placed {
				p := chains[pi]
				for _, mine := range c.segs {
					myStart := t + mine.rel
					myEnd := myStart + mine.duration
					for _, theirs := range p.segs {
						if theirs.block != mine.block {
							continue
						}
						otherStart := offsets[pi] + theirs.rel
						otherEnd := otherStart + theirs.duration
						if myStart >= otherEnd+o.HeadwaySec || otherStart >= myEnd+o.HeadwaySec {
							continue
						}
						// Separation violated both ways: schedule after them.
						t = otherEnd + o.HeadwaySec - mine.rel
						pushed = true
						break
					}
					if pushed {
						break
					}
				}
				if pushed {
					break
				}
			}
			if !pushed {
				break
			}
		}
		if t+c.length > horizon {
			return nil, 0, false
		}
		offsets[ci] = t
		placed = append(placed, ci)
	}

	makespan := nowSec
	for _, ci := range order {
		if end := offsets[ci] + chains[ci].length; end > makespan {
			makespan = end
		}
	}
	return offsets, makespan, true
}

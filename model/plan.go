package model

import (
	"math"
	"time"
)

// HoldDirective gates a specific train from entering a specific block until
// plan-apply sim_time + NotBeforeOffsetSec.
type HoldDirective struct {
	TrainID            string `json:"train_id"`
	BlockID            string `json:"block_id"`
	NotBeforeOffsetSec int    `json:"not_before_offset_sec"`
}

// Valid reports whether the directive can be applied at all. Invalid holds are
// skipped silently at apply time, they never fail the whole plan.
func (h HoldDirective) Valid() bool {
	return h.TrainID != "" && h.BlockID != "" && h.NotBeforeOffsetSec >= 0
}

// HoldKey identifies a hold inside a materialized plan index.
type HoldKey struct {
	TrainID string
	BlockID string
}

// Plan is an unordered set of hold directives produced by the optimizer.
// Offsets are relative to the sim_time at which the plan is applied.
type Plan struct {
	Holds []HoldDirective `json:"holds"`
}

// IsEmpty reports whether the plan carries no holds.
func (p Plan) IsEmpty() bool { return len(p.Holds) == 0 }

// Merged deduplicates holds by (train_id, block_id) keeping the maximum offset
// so contradictory instructions collapse into the strictest one. Returns a new
// Plan; Merged is idempotent.
func (p Plan) Merged() Plan {
	best := make(map[HoldKey]HoldDirective, len(p.Holds))
	order := make([]HoldKey, 0, len(p.Holds))
	for _, h := range p.Holds {
		k := HoldKey{TrainID: h.TrainID, BlockID: h.BlockID}
		prev, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = h
			continue
		}
		if h.NotBeforeOffsetSec > prev.NotBeforeOffsetSec {
			best[k] = h
		}
	}
	out := Plan{Holds: make([]HoldDirective, 0, len(order))}
	for _, k := range order {
		out.Holds = append(out.Holds, best[k])
	}
	return out
}

// ToIndex converts relative offsets into absolute deadlines anchored at the
// given sim time. Invalid holds are dropped.
func (p Plan) ToIndex(simTime time.Time) map[HoldKey]time.Time {
	idx := make(map[HoldKey]time.Time, len(p.Holds))
	for _, h := range p.Holds {
		if !h.Valid() {
			continue
		}
		idx[HoldKey{TrainID: h.TrainID, BlockID: h.BlockID}] = simTime.Add(time.Duration(h.NotBeforeOffsetSec) * time.Second)
	}
	return idx
}

// AbsoluteHold is a JSON-friendly absolute rendering of one hold, useful for
// logs and inspection.
type AbsoluteHold struct {
	TrainID      string `json:"train_id"`
	BlockID      string `json:"block_id"`
	NotBeforeISO string `json:"not_before_iso"`
}

// ToAbsoluteHolds renders the plan against a sim time using ISO-ms-Z stamps.
func (p Plan) ToAbsoluteHolds(simTime time.Time) []AbsoluteHold {
	out := make([]AbsoluteHold, 0, len(p.Holds))
	for _, h := range p.Holds {
		when := simTime.Add(time.Duration(h.NotBeforeOffsetSec) * time.Second)
		out = append(out, AbsoluteHold{
			TrainID:      h.TrainID,
			BlockID:      h.BlockID,
			NotBeforeISO: ISOStamp(when),
		})
	}
	return out
}

// wireHold accepts the offset as a float so non-integer values can be detected
// and skipped instead of failing the decode.
type wireHold struct {
	TrainID            string  `json:"train_id"`
	BlockID            string  `json:"block_id"`
	NotBeforeOffsetSec float64 `json:"not_before_offset_sec"`
}

// WirePlan is the transport-facing form of a Plan.
type WirePlan struct {
	Holds []wireHold `json:"holds"`
}

// ToPlan converts the wire form to a domain Plan, skipping malformed holds
// (non-integer or negative offsets, empty ids).
func (w WirePlan) ToPlan() Plan {
	p := Plan{Holds: make([]HoldDirective, 0, len(w.Holds))}
	for _, h := range w.Holds {
		if h.TrainID == "" || h.BlockID == "" {
			continue
		}
		if h.NotBeforeOffsetSec < 0 || h.NotBeforeOffsetSec != math.Trunc(h.NotBeforeOffsetSec) {
			continue
		}
		p.Holds = append(p.Holds, HoldDirective{
			TrainID:            h.TrainID,
			BlockID:            h.BlockID,
			NotBeforeOffsetSec: int(h.NotBeforeOffsetSec),
		})
	}
	return p
}

// ISOStamp renders a timestamp as ISO-8601 UTC with millisecond precision and
// a trailing Z, the format every wire message in the system uses.
func ISOStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

package opt

import (
	"fmt"
	"strings"

	"raildispatch/backend/model"
	"raildispatch/backend/sim"
)

// SnapshotParams bounds the tunables exported with a snapshot.
type SnapshotParams struct {
	HeadwaySec      int     `json:"headway_sec"`
	DwellSec        int     `json:"dwell_sec"`
	DefaultSpeedKmh float64 `json:"default_speed_kmh"`
	MaxTimeSec      int     `json:"max_time_sec"`
	TimeLimitSec    float64 `json:"time_limit_sec"`
}

// BlockSnapshot summarizes one block for the optimizer.
type BlockSnapshot struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	LengthKM    float64 `json:"length_km"`
	MaxSpeedKmh float64 `json:"max_speed_kmh"`
	Station     bool    `json:"station"`
}

// TrainSnapshot summarizes one train for the optimizer.
type TrainSnapshot struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Priority   string   `json:"priority"`
	Route      []string `json:"route"`
	AtBlock    string   `json:"at_block"`
	RouteIndex int      `json:"route_index"`
}

// IssueSnapshot records an active block issue.
type IssueSnapshot struct {
	BlockID  string `json:"block_id"`
	Type     string `json:"type"`
	SinceISO string `json:"since_iso"`
}

// OptimizerSnapshot is the self-describing exchange record between the engine
// and the optimizer.
type OptimizerSnapshot struct {
	SimTimeISO       string            `json:"sim_time_iso"`
	Params           SnapshotParams    `json:"params"`
	Blocks           []BlockSnapshot   `json:"blocks"`
	Trains           []TrainSnapshot   `json:"trains"`
	Issues           []IssueSnapshot   `json:"issues"`
	TrainRouteBlocks []TrainRouteBlock `json:"train_route_blocks"`
}

// BuildOptimizerInput assembles a snapshot directly from live engine state and
// the loaded topology.
func BuildOptimizerInput(e *sim.Engine) (*OptimizerSnapshot, error) {
	if e.Topology == nil {
		return nil, fmt.Errorf("simulator topology not initialized")
	}

	// Station flag comes from topology or, failing that, the runtime block.
	blocks := make([]BlockSnapshot, 0, len(e.Topology.Blocks))
	for i := range e.Topology.Blocks {
		def := &e.Topology.Blocks[i]
		station := def.StationID != ""
		if rb, ok := e.Blocks[def.ID]; ok && rb.StationID != "" {
			station = true
		}
		name := def.Name
		if name == "" {
			name = def.ID
		}
		blocks = append(blocks, BlockSnapshot{
			ID:          def.ID,
			Name:        name,
			LengthKM:    def.LengthKM,
			MaxSpeedKmh: def.MaxSpeedKmh,
			Station:     station,
		})
	}

	trains := make([]TrainSnapshot, 0, len(e.TrainOrder))
	for _, id := range e.TrainOrder {
		t := e.Trains[id]
		trains = append(trains, TrainSnapshot{
			ID:         t.ID,
			Name:       t.Name,
			Priority:   strings.ToUpper(t.Priority),
			Route:      append([]string(nil), t.Route...),
			AtBlock:    t.CurrentBlock,
			RouteIndex: t.RouteIndex,
		})
	}

	issues := make([]IssueSnapshot, 0)
	for i := range e.Topology.Blocks {
		b := e.Blocks[e.Topology.Blocks[i].ID]
		if b == nil || b.Issue == nil {
			continue
		}
		issues = append(issues, IssueSnapshot{
			BlockID:  b.ID,
			Type:     b.Issue.Type,
			SinceISO: model.ISOStamp(b.Issue.Since),
		})
	}

	params := SnapshotParams{
		HeadwaySec:      e.HeadwaySec,
		DwellSec:        e.DwellSec,
		DefaultSpeedKmh: e.Topology.DefaultSpeedKmh,
		MaxTimeSec:      e.MaxTimeSec,
		TimeLimitSec:    e.TimeLimitSec,
	}
	if params.HeadwaySec < 0 {
		params.HeadwaySec = 0
	}
	if params.DwellSec < 0 {
		params.DwellSec = 0
	}
	if params.DefaultSpeedKmh < 1.0 {
		params.DefaultSpeedKmh = 1.0
	}
	if params.MaxTimeSec < 60 {
		params.MaxTimeSec = 60
	}
	if params.TimeLimitSec <= 0 {
		params.TimeLimitSec = 0.1
	}

	return &OptimizerSnapshot{
		SimTimeISO:       model.ISOStamp(e.SimTime),
		Params:           params,
		Blocks:           blocks,
		Trains:           trains,
		Issues:           issues,
		TrainRouteBlocks: buildRouteBlocks(trains, blocks, params.DwellSec),
	}, nil
}

// buildRouteBlocks derives per-train segments from each train's current route
// index to the end of its route.
func buildRouteBlocks(trains []TrainSnapshot, blocks []BlockSnapshot, dwellSec int) []TrainRouteBlock {
	byID := make(map[string]BlockSnapshot, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}

	routes := make([]TrainRouteBlock, 0)
	for _, t := range trains {
		if len(t.Route) == 0 {
			continue
		}
		startIdx := t.RouteIndex
		if startIdx < 0 {
			startIdx = 0
		}
		if startIdx > len(t.Route)-1 {
			startIdx = len(t.Route) - 1
		}
		for idx := startIdx; idx < len(t.Route); idx++ {
			blockID := t.Route[idx]
			b, ok := byID[blockID]
			if !ok {
				b = BlockSnapshot{ID: blockID, LengthKM: 1.0, MaxSpeedKmh: 80.0}
			}
			lengthKM := b.LengthKM
			if lengthKM <= 0 {
				lengthKM = 1.0
			}
			speed := b.MaxSpeedKmh
			if speed < 1.0 {
				speed = 1.0
			}
			travelSec := 0
			if !b.Station {
				travelSec = int((lengthKM / speed) * 3600.0)
				if travelSec < 1 {
					travelSec = 1
				}
			}
			dwell := 0
			if b.Station {
				dwell = dwellSec
			}
			routes = append(routes, TrainRouteBlock{
				TrainID:   t.ID,
				BlockID:   blockID,
				IsStation: b.Station,
				TravelSec: travelSec,
				DwellSec:  dwell,
				Priority:  t.Priority,
			})
		}
	}
	return routes
}

// OptimizeFromSim solves the snapshot once and converts the schedule into a
// minimal hold plan: for each train not yet at its terminus, a delayed first
// segment becomes a hold on the train's immediate next block.
func OptimizeFromSim(snap *OptimizerSnapshot, seed int64) model.Plan {
	if snap == nil {
		return model.Plan{}
	}
	optimizer := NewDispatchOptimizer(
		snap.Params.MaxTimeSec,
		snap.Params.HeadwaySec,
		snap.Params.TimeLimitSec,
		1,
	)
	routes := snap.TrainRouteBlocks
	if len(routes) == 0 {
		routes = buildRouteBlocks(snap.Trains, snap.Blocks, snap.Params.DwellSec)
	}
	schedule := optimizer.Optimize(0, routes, seed)

	holds := make([]model.HoldDirective, 0)
	for _, t := range snap.Trains {
		if len(t.Route) == 0 || t.RouteIndex >= len(t.Route)-1 {
			continue
		}
		perTrain := schedule[t.ID]
		if len(perTrain) == 0 {
			continue
		}
		if s := perTrain[0].StartSec; s > 0 {
			holds = append(holds, model.HoldDirective{
				TrainID:            t.ID,
				BlockID:            t.Route[t.RouteIndex+1],
				NotBeforeOffsetSec: s,
			})
		}
	}
	return model.Plan{Holds: holds}
}

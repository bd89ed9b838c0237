package sim

import (
	"math"

	"raildispatch/backend/model"
)

// BlockState is the wire form of one block's dynamic state.
type BlockState struct {
	ID         string      `json:"id"`
	OccupiedBy string      `json:"occupied_by,omitempty"`
	Issue      *IssueState `json:"issue,omitempty"`
}

// IssueState is the wire form of an active block issue.
type IssueState struct {
	Type  string `json:"type"`
	Since string `json:"since"`
}

// TrainState is the wire form of one train, with timing fields for
// client-side interpolation.
type TrainState struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Priority       string  `json:"priority"`
	AtBlock        string  `json:"at_block"`
	NextBlock      string  `json:"next_block,omitempty"`
	EtaNext        string  `json:"eta_next,omitempty"`
	EnteredBlockAt string  `json:"entered_block_at,omitempty"`
	WillExitAt     string  `json:"will_exit_at,omitempty"`
	DelayMin       int     `json:"delay_min"`
	DwellRemaining int     `json:"dwell_sec_remaining"`
	SpeedKmh       float64 `json:"speed_kmh"`
}

// KPIMetrics aggregates run-level indicators.
type KPIMetrics struct {
	AvgDelayMin       float64 `json:"avg_delay_min"`
	TrainsOnLine      int     `json:"trains_on_line"`
	ConflictsResolved int     `json:"conflicts_resolved"`
	EnergyEfficiency  float64 `json:"energy_efficiency"`
}

// StateMessage is a consistent snapshot of all block and train state. Safe to
// request in any lifecycle state.
type StateMessage struct {
	Type    string       `json:"type"`
	SimTime string       `json:"sim_time"`
	Blocks  []BlockState `json:"blocks"`
	Trains  []TrainState `json:"trains"`
	KPIs    KPIMetrics   `json:"kpis"`
	Status  Status       `json:"status"`
}

// GetStateMessage assembles the current state snapshot.
func (e *Engine) GetStateMessage() StateMessage {
	msg := StateMessage{
		Type:    "state",
		SimTime: model.ISOStamp(e.SimTime),
		Status:  e.status,
	}

	if e.Topology != nil {
		msg.Blocks = make([]BlockState, 0, len(e.Topology.Blocks))
		for i := range e.Topology.Blocks {
			b := e.Blocks[e.Topology.Blocks[i].ID]
			bs := BlockState{ID: b.ID, OccupiedBy: b.OccupiedBy}
			if b.Issue != nil {
				bs.Issue = &IssueState{Type: b.Issue.Type, Since: model.ISOStamp(b.Issue.Since)}
			}
			msg.Blocks = append(msg.Blocks, bs)
		}
	}

	msg.Trains = make([]TrainState, 0, len(e.TrainOrder))
	totalDelay := 0
	for _, id := range e.TrainOrder {
		t := e.Trains[id]
		totalDelay += t.DelayMinutes
		ts := TrainState{
			ID:             t.ID,
			Name:           t.Name,
			Priority:       t.Priority,
			AtBlock:        t.CurrentBlock,
			NextBlock:      t.NextBlock,
			DelayMin:       t.DelayMinutes,
			DwellRemaining: t.DwellRemaining,
			SpeedKmh:       t.SpeedKmh,
		}
		if !t.WillExitAt.IsZero() {
			ts.EtaNext = model.ISOStamp(t.WillExitAt)
			ts.WillExitAt = model.ISOStamp(t.WillExitAt)
		}
		if !t.EnteredBlockAt.IsZero() {
			ts.EnteredBlockAt = model.ISOStamp(t.EnteredBlockAt)
		}
		msg.Trains = append(msg.Trains, ts)
	}

	n := len(e.TrainOrder)
	if n > 0 {
		msg.KPIs.AvgDelayMin = math.Round(float64(totalDelay)/float64(n)*10) / 10
	}
	msg.KPIs.TrainsOnLine = n
	msg.KPIs.ConflictsResolved = e.conflictsResolved
	msg.KPIs.EnergyEfficiency = e.energyEfficiency()
	return msg
}

// energyEfficiency is a demo indicator: every resolved conflict represents an
// avoidable stop weighted by the configured penalty.
func (e *Engine) energyEfficiency() float64 {
	eff := 100.0 - e.EnergyStopPenalty*float64(e.conflictsResolved)
	if eff < 0 {
		eff = 0
	}
	return math.Round(eff*10) / 10
}

package sim

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"raildispatch/backend/data"
	"raildispatch/backend/model"
)

// Status is the engine lifecycle state.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
)

// TopologySource yields a fresh reader over the topology document. Reset calls
// it every time so a source backed by a file picks up the current contents.
type TopologySource func() (io.Reader, error)

// DemoTopologySource reads the embedded demo network.
func DemoTopologySource() (io.Reader, error) {
	return data.DemoTopologyReader(), nil
}

// BlockIssue marks a block unusable until cleared.
type BlockIssue struct {
	Type  string    `json:"type"`
	Since time.Time `json:"since"`
}

// Block is the runtime state of one track segment.
type Block struct {
	ID             string
	Name           string
	LengthKM       float64
	MaxSpeedKmh    float64
	AdjacentBlocks []string
	StationID      string
	PlatformID     string

	OccupiedBy string // train id, "" when free
	Issue      *BlockIssue
	LastExit   *time.Time // for headway enforcement
}

// Train is the runtime state of one train on its fixed route.
type Train struct {
	ID             string
	Name           string
	Priority       string
	Route          []string
	RouteIndex     int
	CurrentBlock   string
	NextBlock      string // "" at terminus
	SpeedKmh       float64
	EnteredBlockAt time.Time
	WillExitAt     time.Time
	DelayMinutes   int
	DwellRemaining int     // seconds
	WaitingSec     float64 // accumulated wait converts to delay
}

// AtTerminus reports whether the train is on the final block of its route.
func (t *Train) AtTerminus() bool { return t.RouteIndex >= len(t.Route)-1 }

// Engine is the discrete-time railway simulator. It is not safe for concurrent
// use; callers serialize access (the transport layer holds one mutex).
type Engine struct {
	Source TopologySource
	Seed   int64
	Roster []TrainConfig // nil means the demo roster

	Topology   *model.Topology
	Blocks     map[string]*Block
	Trains     map[string]*Train
	TrainOrder []string // insertion order for deterministic iteration

	SimTime   time.Time
	ResetTime time.Time
	TickCount int

	// Tunables, adjustable through the control surface.
	BaseTickSec       float64
	HeadwaySec        int
	DwellSec          int
	EnergyStopPenalty float64
	SimulationSpeed   float64

	// Demo-visibility cap on per-block travel time.
	MaxBlockTravelSec int

	// Optimizer horizon parameters exported with snapshots.
	MaxTimeSec   int
	TimeLimitSec float64

	// Idle fuse: this many consecutive ticks without movement force completion.
	IdleLimit int

	rng               *rand.Rand
	status            Status
	completionEmitted bool
	idleTicks         int
	eventCounter      int
	conflictsResolved int

	plan  model.Plan
	holds map[model.HoldKey]time.Time
}

// NewEngine builds an engine in IDLE with default tunables. Call Reset before
// Start; the constructor does not touch the topology source.
func NewEngine(source TopologySource, seed int64) *Engine {
	return &Engine{
		Source:            source,
		Seed:              seed,
		BaseTickSec:       5.0,
		HeadwaySec:        120,
		DwellSec:          60,
		SimulationSpeed:   1.0,
		MaxBlockTravelSec: 45,
		MaxTimeSec:        3600,
		TimeLimitSec:      1.5,
		IdleLimit:         200,
		status:            StatusIdle,
		Blocks:            map[string]*Block{},
		Trains:            map[string]*Train{},
		rng:               rand.New(rand.NewSource(seed)),
	}
}

// Status returns the lifecycle state.
func (e *Engine) Status() Status { return e.status }

// Completed reports whether the run has finished.
func (e *Engine) Completed() bool { return e.status == StatusCompleted }

// Plan returns the currently applied plan.
func (e *Engine) Plan() model.Plan { return e.plan }

// Reset loads the topology, materializes fresh block and train state, clears
// the active plan and transitions to IDLE. On failure the engine keeps its
// prior state.
func (e *Engine) Reset() error {
	if e.Source == nil {
		return fmt.Errorf("reset: no topology source")
	}
	r, err := e.Source()
	if err != nil {
		return fmt.Errorf("reset: open topology: %w", err)
	}
	topo, err := model.LoadTopologyFromReader(r)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	blocks := make(map[string]*Block, len(topo.Blocks))
	for i := range topo.Blocks {
		def := &topo.Blocks[i]
		blocks[def.ID] = &Block{
			ID:             def.ID,
			Name:           def.Name,
			LengthKM:       def.LengthKM,
			MaxSpeedKmh:    def.MaxSpeedKmh,
			AdjacentBlocks: append([]string(nil), def.AdjacentBlocks...),
			StationID:      def.StationID,
			PlatformID:     def.PlatformID,
		}
	}

	roster := e.Roster
	if roster == nil {
		roster = demoRoster
	}
	rng := rand.New(rand.NewSource(e.Seed))
	now := time.Now().UTC()

	trains := make(map[string]*Train, len(roster))
	order := make([]string, 0, len(roster))
	for _, cfg := range roster {
		route, err := flattenRoute(cfg.Route)
		if err != nil {
			return fmt.Errorf("reset: train %s: %w", cfg.ID, err)
		}
		for _, bid := range route {
			if _, ok := blocks[bid]; !ok {
				return fmt.Errorf("reset: train %s route references unknown block %s", cfg.ID, bid)
			}
		}

		// Deconflict starting placement: first free block along the whole route.
		startIndex := -1
		for i, bid := range route {
			if blocks[bid].OccupiedBy == "" {
				startIndex = i
				break
			}
		}
		if startIndex < 0 {
			startIndex = 0
			logrus.WithFields(logrus.Fields{"train": cfg.ID, "block": route[0]}).
				Warn("no free block on route, placing at occupied origin")
		}

		t := &Train{
			ID:           cfg.ID,
			Name:         cfg.Name,
			Priority:     cfg.Priority,
			Route:        route,
			RouteIndex:   startIndex,
			CurrentBlock: route[startIndex],
			SpeedKmh:     prioritySpeed(cfg.Priority, topo.DefaultSpeedKmh),
		}

		// Stagger entry and seed a small initial delay for variety.
		enterOffset := rng.Intn(41)
		t.EnteredBlockAt = now.Add(-time.Duration(enterOffset) * time.Second)
		t.DelayMinutes = rng.Intn(3)
		if startIndex < len(route)-1 {
			t.NextBlock = route[startIndex+1]
		}

		trains[t.ID] = t
		blocks[t.CurrentBlock].OccupiedBy = t.ID
		order = append(order, t.ID)
	}

	// Commit only after everything validated.
	e.Topology = topo
	e.Blocks = blocks
	e.Trains = trains
	e.TrainOrder = order
	e.rng = rng
	e.SimTime = now
	e.ResetTime = now
	e.TickCount = 0
	e.HeadwaySec = topo.DefaultHeadwaySec
	e.DwellSec = topo.DefaultDwellSec
	e.status = StatusIdle
	e.completionEmitted = false
	e.idleTicks = 0
	e.eventCounter = 0
	e.conflictsResolved = 0
	e.plan = model.Plan{}
	e.holds = nil

	// Exit times depend on the committed dwell parameter.
	for _, id := range order {
		t := e.Trains[id]
		t.WillExitAt = e.computeWillExit(t, t.CurrentBlock, t.EnteredBlockAt)
	}

	logrus.WithFields(logrus.Fields{"blocks": len(e.Blocks), "trains": len(e.Trains)}).
		Info("engine reset")
	return nil
}

// Start transitions IDLE to RUNNING. Idempotent while RUNNING; rejected after
// completion (reset first).
func (e *Engine) Start() error {
	switch e.status {
	case StatusRunning:
		return nil
	case StatusCompleted:
		return fmt.Errorf("simulation completed; reset required before starting again")
	}
	e.status = StatusRunning
	return nil
}

// Step advances sim time by one tick and performs one movement pass. Returns
// the events produced during the tick; empty unless RUNNING.
func (e *Engine) Step() []Event {
	if e.status != StatusRunning {
		return nil
	}

	e.TickCount++
	e.SimTime = e.SimTime.Add(e.tickDuration())

	var events []Event
	moved := false
	for _, id := range e.TrainOrder {
		evs, didMove := e.processTrain(e.Trains[id])
		events = append(events, evs...)
		moved = moved || didMove
	}

	if moved {
		e.idleTicks = 0
	} else {
		e.idleTicks++
	}

	if e.idleTicks >= e.IdleLimit {
		// Safety fuse: nothing can move anymore, end the run.
		logrus.WithFields(logrus.Fields{"idle_ticks": e.idleTicks}).Warn("idle fuse tripped")
		events = append(events, e.complete("Simulation halted by idle fuse")...)
		return events
	}

	if e.isNaturallyComplete() {
		events = append(events, e.complete("All trains reached their final blocks")...)
	}
	return events
}

// complete transitions to COMPLETED and emits the one-shot completion event.
func (e *Engine) complete(note string) []Event {
	e.status = StatusCompleted
	if e.completionEmitted {
		return nil
	}
	e.completionEmitted = true
	return []Event{e.newEvent(EventSimulationCompleted, "", "", note)}
}

func (e *Engine) isNaturallyComplete() bool {
	for _, id := range e.TrainOrder {
		t := e.Trains[id]
		if !t.AtTerminus() {
			return false
		}
		if e.SimTime.Before(t.WillExitAt) {
			return false
		}
		if t.DwellRemaining > 0 {
			return false
		}
	}
	return true
}

// processTrain runs the per-train movement procedure for one tick. Reports
// whether the train moved.
func (e *Engine) processTrain(t *Train) ([]Event, bool) {
	cur := e.Blocks[t.CurrentBlock]

	if cur.StationID != "" {
		if e.SimTime.Before(t.WillExitAt) {
			t.DwellRemaining = int(math.Ceil(t.WillExitAt.Sub(e.SimTime).Seconds()))
		} else {
			t.DwellRemaining = 0
		}
	}

	// Still traversing or dwelling.
	if e.SimTime.Before(t.WillExitAt) {
		return nil, false
	}
	if t.AtTerminus() {
		return nil, false
	}

	nextID := t.Route[t.RouteIndex+1]
	if !e.canEnter(t, nextID) {
		t.WaitingSec += e.tickDuration().Seconds()
		for t.WaitingSec >= 60.0 {
			t.WaitingSec -= 60.0
			t.DelayMinutes++
		}
		return nil, false
	}

	var events []Event

	// Depart current block.
	cur.OccupiedBy = ""
	exit := e.SimTime
	cur.LastExit = &exit
	events = append(events, e.newEvent(EventTrainDeparted, t.ID, cur.ID,
		fmt.Sprintf("%s departed %s", t.Name, cur.Name)))

	// Enter next block.
	nxt := e.Blocks[nextID]
	nxt.OccupiedBy = t.ID
	t.CurrentBlock = nextID
	t.RouteIndex++
	t.EnteredBlockAt = e.SimTime
	t.WillExitAt = e.computeWillExit(t, nextID, e.SimTime)
	if t.RouteIndex < len(t.Route)-1 {
		t.NextBlock = t.Route[t.RouteIndex+1]
	} else {
		t.NextBlock = ""
	}
	if t.WaitingSec > 0 {
		e.conflictsResolved++
	}
	t.WaitingSec = 0

	if nxt.StationID != "" {
		events = append(events, e.newEvent(EventTrainArrived, t.ID, nxt.ID,
			fmt.Sprintf("%s arrived at %s", t.Name, nxt.Name)))
	}
	return events, true
}

// canEnter applies the gating checks in order: plan hold, occupancy and issue,
// headway.
func (e *Engine) canEnter(t *Train, blockID string) bool {
	if deadline, ok := e.holds[model.HoldKey{TrainID: t.ID, BlockID: blockID}]; ok {
		if e.SimTime.Before(deadline) {
			return false
		}
	}
	nxt := e.Blocks[blockID]
	if nxt.OccupiedBy != "" || nxt.Issue != nil {
		return false
	}
	if e.HeadwaySec > 0 && nxt.LastExit != nil {
		if e.SimTime.Sub(*nxt.LastExit).Seconds() < float64(e.HeadwaySec) {
			return false
		}
	}
	return true
}

func (e *Engine) tickDuration() time.Duration {
	return time.Duration(e.BaseTickSec * e.SimulationSpeed * float64(time.Second))
}

// blockTravelSeconds computes traversal time for a track block, clamped to
// keep motion visible in short demos. Station blocks are governed by dwell.
func (e *Engine) blockTravelSeconds(t *Train, blockID string) float64 {
	b := e.Blocks[blockID]
	if b.StationID != "" {
		return 0
	}
	speed := math.Min(t.SpeedKmh, math.Max(b.MaxSpeedKmh, 1.0))
	if speed < 1.0 {
		speed = 1.0
	}
	travel := (b.LengthKM / speed) * 3600.0
	return math.Max(1.0, math.Min(travel, float64(e.MaxBlockTravelSec)))
}

func (e *Engine) computeWillExit(t *Train, blockID string, enter time.Time) time.Time {
	if e.Blocks[blockID].StationID != "" {
		return enter.Add(time.Duration(e.DwellSec) * time.Second)
	}
	sec := e.blockTravelSeconds(t, blockID)
	return enter.Add(time.Duration(sec * float64(time.Second)))
}

func prioritySpeed(priority string, fallback float64) float64 {
	if v, ok := data.PrioritySpeedKmh[priority]; ok {
		return v
	}
	if fallback > 0 {
		return fallback
	}
	return 80.0
}

// ControlPayload carries optional parameter updates; nil fields are left
// untouched, provided values are clamped into their permitted ranges.
type ControlPayload struct {
	HeadwaySec        *int     `json:"headway_sec,omitempty"`
	DwellSec          *int     `json:"dwell_sec,omitempty"`
	EnergyStopPenalty *float64 `json:"energy_stop_penalty,omitempty"`
	SimulationSpeed   *float64 `json:"simulation_speed,omitempty"`
}

// UpdateParameters clamps and applies the provided values.
func (e *Engine) UpdateParameters(c ControlPayload) {
	if c.HeadwaySec != nil {
		v := *c.HeadwaySec
		if v < 0 {
			v = 0
		}
		e.HeadwaySec = v
	}
	if c.DwellSec != nil {
		v := *c.DwellSec
		if v < 0 {
			v = 0
		}
		e.DwellSec = v
	}
	if c.EnergyStopPenalty != nil {
		v := *c.EnergyStopPenalty
		if v < 0 {
			v = 0
		}
		e.EnergyStopPenalty = v
	}
	if c.SimulationSpeed != nil {
		v := *c.SimulationSpeed
		if v < 0.1 {
			v = 0.1
		}
		if v > 10.0 {
			v = 10.0
		}
		e.SimulationSpeed = v
	}
}

// InjectDelay adds minutes to a train's delay and returns the event.
func (e *Engine) InjectDelay(trainID string, minutes int) (Event, error) {
	t, ok := e.Trains[trainID]
	if !ok {
		return Event{}, fmt.Errorf("unknown train %s", trainID)
	}
	t.DelayMinutes += minutes
	ev := e.newEvent(EventDelayInjected, t.ID, "",
		fmt.Sprintf("%s delayed by %d min", t.Name, minutes))
	return ev, nil
}

// SetBlockIssue sets or clears the BLOCKED issue on a block and returns the
// corresponding event.
func (e *Engine) SetBlockIssue(blockID string, blocked bool) (Event, error) {
	b, ok := e.Blocks[blockID]
	if !ok {
		return Event{}, fmt.Errorf("unknown block %s", blockID)
	}
	if blocked {
		b.Issue = &BlockIssue{Type: "BLOCKED", Since: e.SimTime}
		return e.newEvent(EventBlockFailed, "", b.ID,
			fmt.Sprintf("%s reported blocked", b.Name)), nil
	}
	b.Issue = nil
	return e.newEvent(EventBlockCleared, "", b.ID,
		fmt.Sprintf("%s cleared", b.Name)), nil
}

// ApplyPlan stores the plan and materializes the hold index against the
// current sim time. Malformed holds are skipped; unknown train or block ids
// reject the whole plan with no state change.
func (e *Engine) ApplyPlan(p model.Plan) error {
	merged := p.Merged()
	holds := make(map[model.HoldKey]time.Time, len(merged.Holds))
	kept := make([]model.HoldDirective, 0, len(merged.Holds))
	for _, h := range merged.Holds {
		if !h.Valid() {
			continue
		}
		if _, ok := e.Trains[h.TrainID]; !ok {
			return fmt.Errorf("plan references unknown train %s", h.TrainID)
		}
		if _, ok := e.Blocks[h.BlockID]; !ok {
			return fmt.Errorf("plan references unknown block %s", h.BlockID)
		}
		holds[model.HoldKey{TrainID: h.TrainID, BlockID: h.BlockID}] =
			e.SimTime.Add(time.Duration(h.NotBeforeOffsetSec) * time.Second)
		kept = append(kept, h)
	}
	e.plan = model.Plan{Holds: kept}
	e.holds = holds
	return nil
}

// ClearPlan drops the active plan and its index.
func (e *Engine) ClearPlan() {
	e.plan = model.Plan{}
	e.holds = nil
}

func (e *Engine) newEvent(kind EventKind, trainID, blockID, note string) Event {
	e.eventCounter++
	return Event{
		Type:      "event",
		EventID:   fmt.Sprintf("E%d-%d", e.TickCount, e.eventCounter),
		EventKind: kind,
		TrainID:   trainID,
		BlockID:   blockID,
		Timestamp: model.ISOStamp(e.SimTime),
		Note:      note,
	}
}

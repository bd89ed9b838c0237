// Package driver executes headless paired A/B evaluations on isolated engine
// instances and reports the statistical difference in aggregate delay.
package driver

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"raildispatch/backend/model"
	"raildispatch/backend/opt"
	"raildispatch/backend/sim"
)

// ciSeed fixes the bootstrap RNG so confidence intervals are reproducible.
const ciSeed = 12345

// DefaultMaxTicks bounds a single batch run.
const DefaultMaxTicks = 20000

// Options configures batch runs.
type Options struct {
	Source   sim.TopologySource
	Roster   []sim.TrainConfig // nil means the demo roster
	MaxTicks int               // 0 means DefaultMaxTicks
}

func (o Options) maxTicks() int {
	if o.MaxTicks > 0 {
		return o.MaxTicks
	}
	return DefaultMaxTicks
}

// TrainDelayRow is one train's final delay.
type TrainDelayRow struct {
	TrainID  string `json:"train_id"`
	Name     string `json:"name"`
	DelayMin int    `json:"delay_min"`
}

// BlockUseRow is a per-block occupancy placeholder.
type BlockUseRow struct {
	BlockID      string `json:"block_id"`
	OccupancySec int    `json:"occupancy_sec"`
}

// RerunMetrics summarizes one completed run.
type RerunMetrics struct {
	AvgDelayMin  float64         `json:"avg_delay_min"`
	TrainsOnLine int             `json:"trains_on_line"`
	DurationSec  int             `json:"duration_sec"`
	ByTrain      []TrainDelayRow `json:"by_train"`
	ByBlock      []BlockUseRow   `json:"by_block"`
}

// RerunDiffTrain is a per-train baseline-minus-optimized delta.
type RerunDiffTrain struct {
	TrainID       string  `json:"train_id"`
	Name          string  `json:"name"`
	DeltaDelayMin float64 `json:"delta_delay_min"`
}

// RerunDiffBlock mirrors the by-block placeholder in diff form.
type RerunDiffBlock struct {
	BlockID           string  `json:"block_id"`
	DeltaOccupancySec float64 `json:"delta_occupancy_sec"`
}

// RerunDiff is baseline minus optimized; positive means improvement.
type RerunDiff struct {
	DeltaAvgDelayMin float64          `json:"delta_avg_delay_min"`
	DeltaDurationSec float64          `json:"delta_duration_sec"`
	Trains           []RerunDiffTrain `json:"trains"`
	Blocks           []RerunDiffBlock `json:"blocks"`
}

// RerunMeta carries the statistical details of a multi-trial evaluation.
type RerunMeta struct {
	Trials               int        `json:"trials"`
	SeedsUsed            []int64    `json:"seeds_used"`
	HoldsApplied         int        `json:"holds_applied"`
	AvgDelayMinDeltaMean float64    `json:"avg_delay_min_delta_mean"`
	AvgDelayMinDeltaCI95 [2]float64 `json:"avg_delay_min_delta_ci95"`
	DurationSecDeltaMean float64    `json:"duration_sec_delta_mean"`
	DurationSecDeltaCI95 [2]float64 `json:"duration_sec_delta_ci95"`
}

// RerunResponse is the full A/B result. Baseline and Optimized hold the first
// trial's tables for readability; Meta aggregates across trials.
type RerunResponse struct {
	Baseline  RerunMetrics `json:"baseline"`
	Optimized RerunMetrics `json:"optimized"`
	Plan      model.Plan   `json:"plan"`
	Diff      RerunDiff    `json:"diff"`
	Meta      RerunMeta    `json:"meta"`
}

// ComputeMetrics summarizes a completed engine run.
func ComputeMetrics(e *sim.Engine) RerunMetrics {
	state := e.GetStateMessage()

	duration := int(e.SimTime.Sub(e.ResetTime).Seconds())
	if duration < 0 {
		duration = 0
	}

	byTrain := make([]TrainDelayRow, 0, len(e.TrainOrder))
	for _, id := range e.TrainOrder {
		t := e.Trains[id]
		byTrain = append(byTrain, TrainDelayRow{TrainID: t.ID, Name: t.Name, DelayMin: t.DelayMinutes})
	}

	byBlock := make([]BlockUseRow, 0)
	if e.Topology != nil {
		for i := range e.Topology.Blocks {
			byBlock = append(byBlock, BlockUseRow{BlockID: e.Topology.Blocks[i].ID})
		}
	}

	return RerunMetrics{
		AvgDelayMin:  state.KPIs.AvgDelayMin,
		TrainsOnLine: state.KPIs.TrainsOnLine,
		DurationSec:  duration,
		ByTrain:      byTrain,
		ByBlock:      byBlock,
	}
}

// RunToCompletion executes one isolated run on a fresh engine: reset, apply
// the plan if any, start, then step until completion or the tick cap.
func RunToCompletion(o Options, seed int64, plan *model.Plan) (RerunMetrics, error) {
	engine := sim.NewEngine(o.Source, seed)
	engine.Roster = o.Roster
	if err := engine.Reset(); err != nil {
		return RerunMetrics{}, err
	}
	if plan != nil {
		if err := engine.ApplyPlan(*plan); err != nil {
			return RerunMetrics{}, err
		}
	}
	if err := engine.Start(); err != nil {
		return RerunMetrics{}, err
	}
	max := o.maxTicks()
	for ticks := 0; !engine.Completed() && ticks < max; ticks++ {
		engine.Step()
	}
	return ComputeMetrics(engine), nil
}

// DiffMetrics computes baseline minus optimized; positive deltas mean the
// plan improved the run. Train rows are matched by id, unmatched ids omitted,
// sorted descending by delta.
func DiffMetrics(a, b RerunMetrics) RerunDiff {
	byID := make(map[string]TrainDelayRow, len(b.ByTrain))
	for _, row := range b.ByTrain {
		byID[row.TrainID] = row
	}
	trains := make([]RerunDiffTrain, 0, len(a.ByTrain))
	for _, rowA := range a.ByTrain {
		rowB, ok := byID[rowA.TrainID]
		if !ok {
			continue
		}
		trains = append(trains, RerunDiffTrain{
			TrainID:       rowA.TrainID,
			Name:          rowA.Name,
			DeltaDelayMin: float64(rowA.DelayMin - rowB.DelayMin),
		})
	}
	sort.SliceStable(trains, func(i, j int) bool {
		return trains[i].DeltaDelayMin > trains[j].DeltaDelayMin
	})
	return RerunDiff{
		DeltaAvgDelayMin: round2(a.AvgDelayMin - b.AvgDelayMin),
		DeltaDurationSec: round2(float64(a.DurationSec - b.DurationSec)),
		Trains:           trains,
		Blocks:           []RerunDiffBlock{},
	}
}

// PairedBootstrapCI computes a percentile bootstrap confidence interval for
// the mean of paired deltas. The RNG seed is fixed so intervals are
// deterministic across invocations.
func PairedBootstrapCI(deltas []float64, alpha float64, B int) (float64, float64) {
	if len(deltas) == 0 {
		return 0, 0
	}
	rng := rand.New(rand.NewSource(ciSeed))
	n := len(deltas)
	samples := make([]float64, 0, B)
	resample := make([]float64, n)
	for b := 0; b < B; b++ {
		for i := range resample {
			resample[i] = deltas[rng.Intn(n)]
		}
		samples = append(samples, stat.Mean(resample, nil))
	}
	sort.Float64s(samples)
	lo := int(math.Floor(alpha / 2 * float64(B)))
	if lo < 0 {
		lo = 0
	}
	hi := int(math.Ceil((1-alpha/2)*float64(B))) - 1
	if hi > B-1 {
		hi = B - 1
	}
	return samples[lo], samples[hi]
}

// RerunOptimized performs the full paired A/B evaluation: snapshot the live
// engine, solve a plan, then run baseline and optimized pairs on fresh engine
// instances under common seeds.
func RerunOptimized(live *sim.Engine, o Options, seed int64, trials int) (*RerunResponse, error) {
	snap, err := opt.BuildOptimizerInput(live)
	if err != nil {
		return nil, fmt.Errorf("rerun: %w", err)
	}
	plan := opt.OptimizeFromSim(snap, seed).Merged()

	if trials < 1 {
		trials = 1
	}
	seedsUsed := make([]int64, 0, trials)
	baselines := make([]RerunMetrics, 0, trials)
	optimizeds := make([]RerunMetrics, 0, trials)
	deltaAvg := make([]float64, 0, trials)
	deltaDur := make([]float64, 0, trials)

	for t := 0; t < trials; t++ {
		s := seed + int64(t)
		seedsUsed = append(seedsUsed, s)

		baseline, err := RunToCompletion(o, s, nil)
		if err != nil {
			return nil, fmt.Errorf("rerun baseline (seed %d): %w", s, err)
		}
		optimized, err := RunToCompletion(o, s, &plan)
		if err != nil {
			return nil, fmt.Errorf("rerun optimized (seed %d): %w", s, err)
		}

		baselines = append(baselines, baseline)
		optimizeds = append(optimizeds, optimized)
		deltaAvg = append(deltaAvg, baseline.AvgDelayMin-optimized.AvgDelayMin)
		deltaDur = append(deltaDur, float64(baseline.DurationSec-optimized.DurationSec))
	}

	avgLo, avgHi := PairedBootstrapCI(deltaAvg, 0.05, 1000)
	durLo, durHi := PairedBootstrapCI(deltaDur, 0.05, 1000)

	return &RerunResponse{
		Baseline:  baselines[0],
		Optimized: optimizeds[0],
		Plan:      plan,
		Diff:      DiffMetrics(baselines[0], optimizeds[0]),
		Meta: RerunMeta{
			Trials:               trials,
			SeedsUsed:            seedsUsed,
			HoldsApplied:         len(plan.Holds),
			AvgDelayMinDeltaMean: round3(stat.Mean(deltaAvg, nil)),
			AvgDelayMinDeltaCI95: [2]float64{round3(avgLo), round3(avgHi)},
			DurationSecDeltaMean: round3(stat.Mean(deltaDur, nil)),
			DurationSecDeltaCI95: [2]float64{round3(durLo), round3(durHi)},
		},
	}, nil
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
func round3(x float64) float64 { return math.Round(x*1000) / 1000 }

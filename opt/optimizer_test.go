package opt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func trackSeg(train, block string, travel int) TrainRouteBlock {
	return TrainRouteBlock{TrainID: train, BlockID: block, TravelSec: travel, Priority: "REGIONAL"}
}

func crossingRoutes() []TrainRouteBlock {
	// Two trains crossing one shared middle block M.
	return []TrainRouteBlock{
		trackSeg("TA", "A", 45),
		trackSeg("TA", "M", 45),
		trackSeg("TA", "C", 45),
		trackSeg("TB", "B", 45),
		trackSeg("TB", "M", 45),
		trackSeg("TB", "D", 45),
	}
}

func TestOptimize_EmptyInput(t *testing.T) {
	o := NewDispatchOptimizer(3600, 100, 0.5, 1)
	require.Empty(t, o.Optimize(0, nil, 1))
}

func TestOptimize_PrecedenceIsContiguous(t *testing.T) {
	// GIVEN two crossing trains
	o := NewDispatchOptimizer(3600, 100, 0.5, 1)

	// WHEN solved
	res := o.Optimize(0, crossingRoutes(), 1)

	// THEN every train has all segments, sorted, and each segment starts
	// exactly where the previous one ends
	require.Len(t, res, 2)
	for tid, segs := range res {
		require.Len(t, segs, 3, tid)
		for i := 1; i < len(segs); i++ {
			require.Equal(t, segs[i-1].EndSec, segs[i].StartSec, "%s segment %d", tid, i)
		}
		for _, s := range segs {
			require.Equal(t, 45, s.EndSec-s.StartSec)
		}
	}
}

func TestOptimize_HeadwaySeparationOnSharedBlock(t *testing.T) {
	o := NewDispatchOptimizer(3600, 100, 0.5, 1)
	res := o.Optimize(0, crossingRoutes(), 1)

	// M is segment index 1 of both trains
	mA := res["TA"][1]
	mB := res["TB"][1]
	sep := mB.StartSec >= mA.EndSec+100 || mA.StartSec >= mB.EndSec+100
	require.True(t, sep, "headway violated on M: A=%+v B=%+v", mA, mB)
}

func TestOptimize_FirstPlacedTrainStartsAtOrigin(t *testing.T) {
	o := NewDispatchOptimizer(3600, 100, 0.5, 1)
	res := o.Optimize(0, crossingRoutes(), 1)

	// The winning order leaves one train unshifted; the loser absorbs the
	// full conflict displacement.
	require.Equal(t, 0, res["TA"][0].StartSec)
	require.Equal(t, 145, res["TB"][0].StartSec)
	require.Equal(t, 280, res["TB"][2].EndSec) // makespan
}

func TestOptimize_DeterministicUnderSeed(t *testing.T) {
	o := NewDispatchOptimizer(3600, 100, 1.5, 1)
	a := o.Optimize(0, crossingRoutes(), 42)
	b := o.Optimize(0, crossingRoutes(), 42)
	require.Equal(t, a, b)
}

func TestOptimize_StationSegmentsUseDwell(t *testing.T) {
	routes := []TrainRouteBlock{
		{TrainID: "T1", BlockID: "S", IsStation: true, DwellSec: 77, TravelSec: 500, Priority: "EXPRESS"},
		trackSeg("T1", "A", 45),
	}
	o := NewDispatchOptimizer(3600, 0, 0.5, 1)
	res := o.Optimize(0, routes, 1)
	require.Equal(t, 77, res["T1"][0].EndSec-res["T1"][0].StartSec)
}

func TestOptimize_MinimumDurationOneSecond(t *testing.T) {
	routes := []TrainRouteBlock{
		{TrainID: "T1", BlockID: "A", TravelSec: 0, Priority: "FREIGHT"},
	}
	o := NewDispatchOptimizer(3600, 0, 0.5, 1)
	res := o.Optimize(0, routes, 1)
	require.Equal(t, 1, res["T1"][0].EndSec-res["T1"][0].StartSec)
}

func TestOptimize_InfeasibleHorizonReturnsEmpty(t *testing.T) {
	// GIVEN a route longer than the whole horizon
	routes := []TrainRouteBlock{trackSeg("T1", "A", 200)}
	o := NewDispatchOptimizer(100, 0, 0.5, 1)

	// WHEN solved THEN no feasible schedule exists
	require.Empty(t, o.Optimize(0, routes, 1))
}

func TestOptimize_NowOffsetsDomains(t *testing.T) {
	routes := []TrainRouteBlock{trackSeg("T1", "A", 45)}
	o := NewDispatchOptimizer(3600, 0, 0.5, 1)
	res := o.Optimize(500, routes, 1)
	require.Equal(t, 500, res["T1"][0].StartSec)
	require.Equal(t, 545, res["T1"][0].EndSec)
}

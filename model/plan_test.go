package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlanMerged_KeepsMaxOffsetPerKey(t *testing.T) {
	// GIVEN duplicate holds for the same (train, block) pair
	p := Plan{Holds: []HoldDirective{
		{TrainID: "T1", BlockID: "B2", NotBeforeOffsetSec: 30},
		{TrainID: "T1", BlockID: "B2", NotBeforeOffsetSec: 90},
		{TrainID: "T1", BlockID: "B2", NotBeforeOffsetSec: 45},
		{TrainID: "T2", BlockID: "B2", NotBeforeOffsetSec: 10},
	}}

	// WHEN merged
	m := p.Merged()

	// THEN one hold per key survives, carrying the maximum offset
	require.Len(t, m.Holds, 2)
	require.Equal(t, 90, m.Holds[0].NotBeforeOffsetSec)
	require.Equal(t, "T2", m.Holds[1].TrainID)
	require.Equal(t, 10, m.Holds[1].NotBeforeOffsetSec)
}

func TestPlanMerged_Idempotent(t *testing.T) {
	p := Plan{Holds: []HoldDirective{
		{TrainID: "T1", BlockID: "B2", NotBeforeOffsetSec: 30},
		{TrainID: "T1", BlockID: "B3", NotBeforeOffsetSec: 60},
		{TrainID: "T1", BlockID: "B2", NotBeforeOffsetSec: 120},
	}}
	once := p.Merged()
	twice := once.Merged()
	require.Equal(t, once, twice)
}

func TestPlanToIndex_AnchorsOffsetsAndSkipsInvalid(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Plan{Holds: []HoldDirective{
		{TrainID: "T1", BlockID: "B2", NotBeforeOffsetSec: 90},
		{TrainID: "", BlockID: "B2", NotBeforeOffsetSec: 10},
		{TrainID: "T2", BlockID: "B3", NotBeforeOffsetSec: -5},
	}}

	idx := p.ToIndex(base)

	require.Len(t, idx, 1)
	require.Equal(t, base.Add(90*time.Second), idx[HoldKey{TrainID: "T1", BlockID: "B2"}])
}

func TestWirePlan_SkipsMalformedHolds(t *testing.T) {
	// GIVEN a wire payload with a fractional and a negative offset
	raw := `{"holds":[
		{"train_id":"T1","block_id":"B2","not_before_offset_sec":60},
		{"train_id":"T2","block_id":"B3","not_before_offset_sec":12.5},
		{"train_id":"T3","block_id":"B4","not_before_offset_sec":-1},
		{"train_id":"","block_id":"B5","not_before_offset_sec":5}
	]}`
	var wire WirePlan
	require.NoError(t, json.Unmarshal([]byte(raw), &wire))

	// WHEN converted to a domain plan
	p := wire.ToPlan()

	// THEN only the well-formed hold remains
	require.Len(t, p.Holds, 1)
	require.Equal(t, HoldDirective{TrainID: "T1", BlockID: "B2", NotBeforeOffsetSec: 60}, p.Holds[0])
}

func TestISOStamp_MillisecondZ(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC)
	require.Equal(t, "2024-03-01T12:30:45.123Z", ISOStamp(ts))
}

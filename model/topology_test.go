package model

import (
	"strings"
	"testing"
)

const miniTopology = `{
  "stations": [{"id": "S1", "name": "Mid", "platforms": [{"id": "S1P1", "name": "P1", "capacity": 0}]}],
  "blocks": [
    {"id": "B1", "name": "West", "length_km": 1.0, "max_speed_kmh": 80, "adjacent_blocks": ["B2"]},
    {"id": "B2", "name": "Mid Station", "length_km": 0.5, "max_speed_kmh": 50, "adjacent_blocks": ["B1", "B3"], "station_id": "S1", "platform_id": "S1P1"},
    {"id": "B3", "length_km": 1.0, "max_speed_kmh": 80, "adjacent_blocks": ["B2"]}
  ]
}`

func TestLoadTopology_DefaultsAndNames(t *testing.T) {
	topo, err := LoadTopologyFromReader(strings.NewReader(miniTopology))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if topo.DefaultHeadwaySec != 120 || topo.DefaultDwellSec != 60 || topo.DefaultSpeedKmh != 80.0 {
		t.Errorf("defaults: got headway=%d dwell=%d speed=%.1f", topo.DefaultHeadwaySec, topo.DefaultDwellSec, topo.DefaultSpeedKmh)
	}
	// A block without a name falls back to its id.
	if b := topo.BlockByID("B3"); b == nil || b.Name != "B3" {
		t.Errorf("B3 name fallback: got %+v", b)
	}
	// Platform capacity is floored at 1.
	if got := topo.Stations[0].Platforms[0].Capacity; got != 1 {
		t.Errorf("platform capacity: got %d, want 1", got)
	}
}

func TestLoadTopology_ExplicitDefaults(t *testing.T) {
	raw := `{"blocks": [{"id": "B1", "length_km": 1, "max_speed_kmh": 60, "adjacent_blocks": []}],
		"default_headway_sec": 300, "default_dwell_sec": 30, "default_speed_kmh": 90}`
	topo, err := LoadTopologyFromReader(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if topo.DefaultHeadwaySec != 300 || topo.DefaultDwellSec != 30 || topo.DefaultSpeedKmh != 90.0 {
		t.Errorf("explicit defaults not honored: %+v", topo)
	}
}

func TestLoadTopology_RejectsBadBlocks(t *testing.T) {
	cases := map[string]string{
		"missing id":     `{"blocks": [{"length_km": 1, "max_speed_kmh": 60}]}`,
		"negative km":    `{"blocks": [{"id": "B1", "length_km": -1, "max_speed_kmh": 60}]}`,
		"zero max speed": `{"blocks": [{"id": "B1", "length_km": 1, "max_speed_kmh": 0}]}`,
		"not json":       `{"blocks": [`,
	}
	for name, raw := range cases {
		if _, err := LoadTopologyFromReader(strings.NewReader(raw)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

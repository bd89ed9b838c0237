package sim

import (
	"fmt"
	"strings"
)

// TrainConfig seeds one train at reset. Route entries must name blocks present
// in the topology.
type TrainConfig struct {
	ID       string
	Name     string
	Priority string
	Route    []string
}

// demoRoster is the fixed demo set used by reset when no roster override is
// installed. Routes cross on the central corridor so conflicts appear without
// any injection.
var demoRoster = []TrainConfig{
	{ID: "T1", Name: "EXP-12001", Priority: "EXPRESS", Route: []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7"}},
	{ID: "T2", Name: "REG-22002", Priority: "REGIONAL", Route: []string{"B7", "B6", "B5", "B4", "B3", "B2", "B1"}},
	{ID: "T3", Name: "EXP-12003", Priority: "EXPRESS", Route: []string{"B1", "B2", "B8", "B9", "B6", "B7"}},
	{ID: "T4", Name: "FRE-32004", Priority: "FREIGHT", Route: []string{"B3", "B4", "B5", "B10"}},
	{ID: "T5", Name: "REG-22005", Priority: "REGIONAL", Route: []string{"B6", "B9", "B8", "B2", "B1"}},
	{ID: "T6", Name: "EXP-12006", Priority: "EXPRESS", Route: []string{"B1", "B2", "B3", "B11"}},
	{ID: "T7", Name: "FRE-32007", Priority: "FREIGHT", Route: []string{"B10", "B5", "B4", "B3", "B2", "B1"}},
	{ID: "T8", Name: "REG-22008", Priority: "REGIONAL", Route: []string{"B7", "B6", "B5", "B4", "B3", "B2", "B1"}},
}

// DemoRoster returns a copy of the built-in roster.
func DemoRoster() []TrainConfig {
	out := make([]TrainConfig, len(demoRoster))
	copy(out, demoRoster)
	for i := range out {
		out[i].Route = append([]string(nil), demoRoster[i].Route...)
	}
	return out
}

// flattenRoute normalizes a route into a flat, trimmed, non-empty id sequence.
// Ingest-time validation so reads never have to re-flatten.
func flattenRoute(route []string) ([]string, error) {
	flat := make([]string, 0, len(route))
	for _, id := range route {
		s := strings.TrimSpace(id)
		if s == "" {
			continue
		}
		flat = append(flat, s)
	}
	if len(flat) == 0 {
		return nil, fmt.Errorf("empty route")
	}
	return flat, nil
}

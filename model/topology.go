package model

import (
	"encoding/json"
	"fmt"
	"io"
)

// Platform is a single platform track at a station.
type Platform struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

// Station groups one or more platforms under a named location.
type Station struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Platforms []Platform `json:"platforms"`
}

// BlockDef is the static description of a track segment. A block with a
// StationID is a station block; dwell governs its occupancy time instead of
// travel time.
type BlockDef struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	LengthKM       float64  `json:"length_km"`
	MaxSpeedKmh    float64  `json:"max_speed_kmh"`
	AdjacentBlocks []string `json:"adjacent_blocks"`
	StationID      string   `json:"station_id,omitempty"`
	PlatformID     string   `json:"platform_id,omitempty"`
}

// Topology is the static block network consumed at engine reset.
type Topology struct {
	Stations          []Station  `json:"stations"`
	Blocks            []BlockDef `json:"blocks"`
	DefaultHeadwaySec int        `json:"default_headway_sec"`
	DefaultDwellSec   int        `json:"default_dwell_sec"`
	DefaultSpeedKmh   float64    `json:"default_speed_kmh"`
}

// raw structures matching the JSON file
type rawTopology struct {
	Stations          []rawStation `json:"stations"`
	Blocks            []rawBlock   `json:"blocks"`
	DefaultHeadwaySec *int         `json:"default_headway_sec"`
	DefaultDwellSec   *int         `json:"default_dwell_sec"`
	DefaultSpeedKmh   *float64     `json:"default_speed_kmh"`
}

type rawStation struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Platforms []rawPlatform `json:"platforms"`
}

type rawPlatform struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
}

type rawBlock struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	LengthKM       float64  `json:"length_km"`
	MaxSpeedKmh    float64  `json:"max_speed_kmh"`
	AdjacentBlocks []string `json:"adjacent_blocks"`
	StationID      string   `json:"station_id"`
	PlatformID     string   `json:"platform_id"`
}

// LoadTopologyFromReader parses a topology JSON (topology.json format) and
// builds a validated Topology struct with defaults filled in.
func LoadTopologyFromReader(r io.Reader) (*Topology, error) {
	dec := json.NewDecoder(r)
	var raw rawTopology
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode topology: %w", err)
	}
	topo := &Topology{
		Stations:          make([]Station, 0, len(raw.Stations)),
		Blocks:            make([]BlockDef, 0, len(raw.Blocks)),
		DefaultHeadwaySec: 120,
		DefaultDwellSec:   60,
		DefaultSpeedKmh:   80.0,
	}
	if raw.DefaultHeadwaySec != nil {
		topo.DefaultHeadwaySec = *raw.DefaultHeadwaySec
	}
	if raw.DefaultDwellSec != nil {
		topo.DefaultDwellSec = *raw.DefaultDwellSec
	}
	if raw.DefaultSpeedKmh != nil {
		topo.DefaultSpeedKmh = *raw.DefaultSpeedKmh
	}
	for _, s := range raw.Stations {
		st := Station{ID: s.ID, Name: s.Name, Platforms: make([]Platform, 0, len(s.Platforms))}
		for _, p := range s.Platforms {
			cap := p.Capacity
			if cap < 1 {
				cap = 1
			}
			st.Platforms = append(st.Platforms, Platform{ID: p.ID, Name: p.Name, Capacity: cap})
		}
		topo.Stations = append(topo.Stations, st)
	}
	for _, b := range raw.Blocks {
		if b.ID == "" {
			return nil, fmt.Errorf("topology block missing id")
		}
		if b.LengthKM < 0 {
			return nil, fmt.Errorf("block %s: negative length_km %.3f", b.ID, b.LengthKM)
		}
		if b.MaxSpeedKmh <= 0 {
			return nil, fmt.Errorf("block %s: max_speed_kmh must be > 0, got %.3f", b.ID, b.MaxSpeedKmh)
		}
		name := b.Name
		if name == "" {
			name = b.ID
		}
		topo.Blocks = append(topo.Blocks, BlockDef{
			ID:             b.ID,
			Name:           name,
			LengthKM:       b.LengthKM,
			MaxSpeedKmh:    b.MaxSpeedKmh,
			AdjacentBlocks: append([]string(nil), b.AdjacentBlocks...),
			StationID:      b.StationID,
			PlatformID:     b.PlatformID,
		})
	}
	if topo.DefaultHeadwaySec < 0 {
		topo.DefaultHeadwaySec = 0
	}
	if topo.DefaultDwellSec < 0 {
		topo.DefaultDwellSec = 0
	}
	if topo.DefaultSpeedKmh <= 0 {
		topo.DefaultSpeedKmh = 80.0
	}
	return topo, nil
}

// BlockByID returns the static block definition or nil.
func (t *Topology) BlockByID(id string) *BlockDef {
	for i := range t.Blocks {
		if t.Blocks[i].ID == id {
			return &t.Blocks[i]
		}
	}
	return nil
}

package data

import (
	"bytes"
	_ "embed"
	"io"
)

//go:embed topology.json
var demoTopology []byte

// DemoTopologyReader returns a fresh reader over the embedded demo topology.
// Every caller gets an independent reader so concurrent batch engines never
// share decode state.
func DemoTopologyReader() io.Reader {
	return bytes.NewReader(demoTopology)
}

// PrioritySpeedKmh maps a train priority class to its nominal speed.
var PrioritySpeedKmh = map[string]float64{
	"EXPRESS":  100.0,
	"REGIONAL": 70.0,
	"FREIGHT":  60.0,
}

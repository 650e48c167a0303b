package replay

// Observation is a (nodes × ticks × features) tensor stored row-major.
// Nodes are client node ids in ascending order; tick 0 is the oldest tick
// of the window and tick Ticks-1 is TS.
type Observation struct {
	TS       int64
	Nodes    []int64
	Ticks    int
	Features int
	Data     []float64
}

// NewObservation allocates a zero-filled observation.
func NewObservation(ts int64, nodes []int64, ticks, features int) *Observation {
	return &Observation{
		TS:       ts,
		Nodes:    nodes,
		Ticks:    ticks,
		Features: features,
		Data:     make([]float64, len(nodes)*ticks*features),
	}
}

// Cell returns the feature slice of one (node index, tick) cell. Writes
// through the slice modify the observation.
func (o *Observation) Cell(node, tick int) []float64 {
	start := (node*o.Ticks + tick) * o.Features
	return o.Data[start : start+o.Features]
}

// At returns one feature value.
func (o *Observation) At(node, tick, feature int) float64 {
	return o.Data[(node*o.Ticks+tick)*o.Features+feature]
}

// Last returns the feature slice of the newest tick for a node index.
func (o *Observation) Last(node int) []float64 {
	return o.Cell(node, o.Ticks-1)
}

// Vector returns the flattened tensor.
func (o *Observation) Vector() []float64 {
	return o.Data
}

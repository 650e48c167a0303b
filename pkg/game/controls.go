package game

import "github.com/cuemby/attune/pkg/types"

// Controls holds the current values of a set of CPVs and applies discrete
// actions to them. Action 0 keeps everything; action 2k+1 raises CPV k by
// one step and action 2k+2 lowers it.
type Controls struct {
	cpvs   []types.CPV
	values []float64
}

// NewControls starts every CPV at its initial value.
func NewControls(cpvs []types.CPV) *Controls {
	values := make([]float64, len(cpvs))
	for i, cpv := range cpvs {
		values[i] = cpv.Initial
	}
	return &Controls{cpvs: cpvs, values: values}
}

// NumActions returns the size of the action space.
func (c *Controls) NumActions() int {
	return 2*len(c.cpvs) + 1
}

// Values returns a copy of the current values.
func (c *Controls) Values() []float64 {
	return append([]float64(nil), c.values...)
}

// Apply applies action id and reports whether a value changed. A step that
// would leave [Min, Max] is ignored.
func (c *Controls) Apply(id int) bool {
	if id <= 0 || id >= c.NumActions() {
		return false
	}

	i := (id - 1) / 2
	cpv := c.cpvs[i]
	if id%2 == 0 {
		if c.values[i]-cpv.Step < cpv.Min {
			return false
		}
		c.values[i] -= cpv.Step
		return true
	}

	if c.values[i]+cpv.Step > cpv.Max {
		return false
	}
	c.values[i] += cpv.Step
	return true
}

package agent

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cuemby/attune/pkg/types"
)

// Controller applies a received action to the local system
type Controller interface {
	Apply(action types.Action) error
}

// ControllerFunc adapts a function to Controller
type ControllerFunc func(action types.Action) error

// Apply calls f.
func (f ControllerFunc) Apply(action types.Action) error {
	return f(action)
}

// FileController writes each CPV value to the files configured for that
// CPV. Action values are positional over CPVs.
type FileController struct {
	CPVs  []types.CPV
	Files map[string][]string
}

// Apply writes every value. It stops at the first failed write.
func (c *FileController) Apply(action types.Action) error {
	if len(action.Values) < len(c.CPVs) {
		return fmt.Errorf("action %d carries %d values for %d cpvs", action.ID, len(action.Values), len(c.CPVs))
	}

	for i, cpv := range c.CPVs {
		value := strconv.FormatFloat(action.Values[i], 'f', -1, 64) + "\n"
		for _, path := range c.Files[cpv.Name] {
			if err := os.WriteFile(path, []byte(value), 0644); err != nil {
				return fmt.Errorf("failed to set %s: %w", cpv.Name, err)
			}
		}
	}
	return nil
}

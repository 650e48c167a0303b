package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

const checkpointVersion = 1

type checkpoint struct {
	Version   int       `cbor:"1,keyasint"`
	Policy    string    `cbor:"2,keyasint"`
	Estimates estimates `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("policy: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("policy: CBOR decoder initialization failed: " + err.Error())
	}
}

// saveCheckpoint writes the checkpoint through a temporary file so a crash
// never leaves a truncated checkpoint behind.
func saveCheckpoint(path, policy string, est estimates) error {
	data, err := encMode.Marshal(checkpoint{Version: checkpointVersion, Policy: policy, Estimates: est})
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

func restoreCheckpoint(path, policy string, est *estimates) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cp checkpoint
	if err := decMode.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCheckpoint, path, err)
	}
	if cp.Version != checkpointVersion {
		return fmt.Errorf("%w: %s: version %d", ErrCheckpoint, path, cp.Version)
	}
	if cp.Policy != policy {
		return fmt.Errorf("%w: %s was written by policy %q", ErrCheckpoint, path, cp.Policy)
	}
	n := len(est.Rewards)
	if len(cp.Estimates.Rewards) != n || len(cp.Estimates.Plays) != n {
		return fmt.Errorf("%w: %s has %d actions, want %d", ErrCheckpoint, path, len(cp.Estimates.Rewards), n)
	}

	*est = cp.Estimates
	return nil
}

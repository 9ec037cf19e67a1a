package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/go-mel-transformer/internal/runtime/graph"
)

const checkpointPrefix = "ckpt_"

// SaveParams writes named model parameters as one safetensors checkpoint.
func SaveParams(path string, params map[string]*graph.Node) error {
	if len(params) == 0 {
		return errors.New("safetensors: no parameters to save")
	}

	tensors := make([]Tensor, 0, len(params))

	for name, p := range params {
		if p == nil || p.Value == nil {
			return fmt.Errorf("safetensors: parameter %q is nil", name)
		}

		tensors = append(tensors, Tensor{
			Name:  name,
			Shape: p.Value.Shape(),
			Data:  p.Value.RawData(),
		})
	}

	return WriteFile(path, tensors)
}

// LoadParams restores parameter values in place from a checkpoint. Every
// expected parameter must be present with its exact shape; all missing
// names are reported in one error.
func LoadParams(path string, params map[string]*graph.Node) error {
	if len(params) == 0 {
		return errors.New("safetensors: no parameters to load into")
	}

	store, err := Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	var missing []string

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if !store.Has(name) {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("safetensors: checkpoint %s is missing parameters: %s", path, strings.Join(missing, ", "))
	}

	for _, name := range names {
		p := params[name]

		t, err := store.TensorWithShape(name, p.Value.Shape())
		if err != nil {
			return err
		}

		copy(p.Value.RawData(), t.Data)
	}

	return nil
}

// CheckpointPath names the checkpoint file for a training step.
func CheckpointPath(dir string, step int64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%08d.safetensors", checkpointPrefix, step))
}

// LatestCheckpoint finds the newest checkpoint in dir by step number.
// Returns os.ErrNotExist when the directory holds no checkpoints.
func LatestCheckpoint(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("safetensors: list %s: %w", dir, err)
	}

	best := int64(-1)
	var bestName string

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, ".safetensors") {
			continue
		}

		var step int64
		if _, err := fmt.Sscanf(name, checkpointPrefix+"%d.safetensors", &step); err != nil {
			continue
		}

		if step > best {
			best = step
			bestName = name
		}
	}

	if best < 0 {
		return "", 0, fmt.Errorf("safetensors: no checkpoints in %s: %w", dir, os.ErrNotExist)
	}

	return filepath.Join(dir, bestName), best, nil
}

// Package engine is the boundary between the dispatcher and the native model
// runtime. The dispatcher only sees Runtime, Model and Predictor; how a model
// file is parsed or how tensors are computed stays behind these interfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"predictd/internal/common/fsutil"
	"predictd/pkg/types"
)

// ErrUnavailable signals that the runtime was not built into this binary or
// cannot be initialized on this host.
var ErrUnavailable = errors.New("engine: runtime unavailable")

// Runtime loads models from a location.
type Runtime interface {
	// Load is slow and may fail; it is called from the loader's lane only.
	Load(ctx context.Context, name, location string) (Model, error)
}

// Model is a loaded, ready-to-run model instance.
type Model interface {
	// NewPredictor returns a one-shot predictor. Callers must Close it exactly once.
	NewPredictor() (Predictor, error)
	// Close frees the model. No predictor may be in use when it is called.
	Close() error
}

// Predictor runs inference for a single request.
type Predictor interface {
	Predict(ctx context.Context, in *types.Input) (*types.Output, error)
	Close() error
}

// Options carries runtime tunables shared by all models.
type Options struct {
	ContextSize int
	Threads     int
	GPULayers   int
	MaxTokens   int
}

// LocalPath resolves a model location to an existing file. Accepted forms
// are file:// URLs, absolute paths and ~-prefixed paths.
func LocalPath(location string) (string, error) {
	abs, err := fsutil.PathFromLocation(location)
	if err != nil {
		return "", fmt.Errorf("engine: %w", err)
	}
	if !fsutil.IsFile(abs) {
		return "", fmt.Errorf("engine: model file not found: %s", abs)
	}
	return abs, nil
}

// prompt extracts the text to run inference on: the "prompt" or "inputs" field
// of the request body, falling back to the raw body.
func prompt(in *types.Input) (string, error) {
	for _, key := range []string{"prompt", "inputs", "data"} {
		if v, ok := in.ContentString(key); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("engine: request has no prompt")
}

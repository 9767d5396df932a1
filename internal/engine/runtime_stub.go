//go:build !llama

package engine

// This file is compiled when the 'llama' build tag is NOT set, keeping default
// builds CGO-free. Loads fail fast so the registry records a clear failure
// instead of serving mocked output.

import (
	"context"
	"fmt"
)

type stubRuntime struct{}

// NewRuntime returns the runtime compiled into this binary.
func NewRuntime(Options) Runtime { return stubRuntime{} }

// Built reports whether a real runtime is linked in.
func Built() bool { return false }

func (stubRuntime) Load(ctx context.Context, name, location string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: llama support not built (missing 'llama' build tag)", ErrUnavailable)
}

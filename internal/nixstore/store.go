// Package nixstore defines the narrow Store Gateway contract consumed by
// the Build Loader and Step Graph (spec.md §4.A, §6).
package nixstore

import (
	"context"

	"github.com/buildqueue/queuerunner/internal/derivation"
)

// BuildOutput summarizes the result of a successfully realized build,
// computed from a derivation's outputs once every output is valid.
type BuildOutput struct {
	Outputs map[string]string // output name -> realized path
	Size    int64
}

// Store is the external collaborator that validates derivation output
// paths and reads parsed derivations. Implementations must be safe for
// concurrent use; the Build Loader acquires no lock around Store calls.
type Store interface {
	// IsValidPath reports whether path already has a realized, valid
	// output on this store.
	IsValidPath(ctx context.Context, path string) (bool, error)

	// ReadDerivation parses the derivation at drvPath.
	ReadDerivation(ctx context.Context, drvPath string) (derivation.Derivation, error)

	// GetBuildOutput computes the BuildOutput for an already-valid
	// derivation, used when every output of a newly queued build is
	// already realized (spec.md §4.F step 5).
	GetBuildOutput(ctx context.Context, drv derivation.Derivation) (BuildOutput, error)
}

// Package catalog stores TAR schemas and their persisted subtars.
package catalog

import (
	"context"
	"fmt"

	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Catalog is the schema and chunk catalog used by the executor.
type Catalog interface {
	// GetTAR returns the schema of a stored TAR.
	GetTAR(ctx context.Context, name string) (*types.TAR, error)

	// HasTAR reports whether a TAR with the given name exists.
	HasTAR(ctx context.Context, name string) (bool, error)

	// ListTARs returns the names of all stored TARs, sorted.
	ListTARs(ctx context.Context) ([]string, error)

	// SaveTAR registers a new TAR schema.
	SaveTAR(ctx context.Context, tar *types.TAR) error

	// SaveSubtar persists one chunk of a registered TAR at the given index
	// and grows the current upper bound of its dimensions.
	SaveSubtar(ctx context.Context, name string, index int, st *subtar.Subtar) error

	// LoadSubtars returns every chunk of a TAR in index order, bound to
	// the returned schema.
	LoadSubtars(ctx context.Context, name string) (*types.TAR, []*subtar.Subtar, error)

	// DropTAR removes a TAR and its chunks.
	DropTAR(ctx context.Context, name string) error

	// Close releases the catalog resources.
	Close() error
}

func notFound(name string) error {
	return tarerrors.NewCatalogError(tarerrors.CodeTARNotFound, fmt.Sprintf("tar %s not found", name), nil)
}

func exists(name string) error {
	return tarerrors.NewCatalogError(tarerrors.CodeTARExists, fmt.Sprintf("tar %s already exists", name), nil)
}

func saveFailed(name string, cause error) error {
	return tarerrors.NewCatalogError(tarerrors.CodeSaveFailed, fmt.Sprintf("saving tar %s failed", name), cause)
}

// growBounds raises the current upper bound of every dimension of tar to
// cover the real indexes of st.
func growBounds(tar *types.TAR, st *subtar.Subtar) {
	for _, sp := range st.Specs() {
		if d := tar.GetDimension(sp.Name()); d != nil && sp.Upper() > d.CurrentUpperBound {
			d.CurrentUpperBound = sp.Upper()
		}
	}
}

func checkChunk(tar *types.TAR, index int, st *subtar.Subtar) error {
	if index < 0 {
		return fmt.Errorf("negative chunk index %d", index)
	}
	if err := st.Validate(); err != nil {
		return err
	}
	for _, sp := range st.Specs() {
		if tar.GetDimension(sp.Name()) == nil {
			return fmt.Errorf("%s is not a dimension of %s", sp.Name(), tar.Name)
		}
	}
	for _, name := range st.AttributeNames() {
		if _, ok := tar.GetAttribute(name); !ok {
			return fmt.Errorf("%s is not an attribute of %s", name, tar.Name)
		}
	}
	return nil
}

// rebind returns a copy of st whose specs point at the dimensions of schema.
func rebind(st *subtar.Subtar, schema *types.TAR) *subtar.Subtar {
	out := st.Derive(schema)
	specs := out.Specs()
	for i, sp := range specs {
		if d := schema.GetDimension(sp.Name()); d != nil {
			specs[i] = sp.AlterDimension(d)
		}
	}
	out.SetSpecs(specs)
	return out
}

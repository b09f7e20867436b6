package storage

import (
	"context"
	"fmt"

	"github.com/jdziat/scale-jobs/pkg/core"
)

// SeedBuiltinErrors upserts the engine's builtin error catalog.
func SeedBuiltinErrors(ctx context.Context, store core.ErrorStore) error {
	for _, e := range core.BuiltinErrors() {
		e.IsBuiltin = true
		if err := store.SaveError(ctx, &e); err != nil {
			return fmt.Errorf("seed error %s: %w", e.Name, err)
		}
	}
	return nil
}

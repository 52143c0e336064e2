// Package schema registers the table list from a subscribe handshake and
// converges the local schema to match, so every table exists before the
// first apply. The remote core node is the judge of what shape each table
// should be; the only local job is making sure each named table exists in
// that shape.
package schema

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

// TableEnsurer is the subset of *store.Store needed to converge schema,
// narrowed to an interface for testability.
type TableEnsurer interface {
	EnsureTable(ctx context.Context, spec rlogtypes.TableSpec) error
}

// Converge ensures every table named in specs exists locally, in the shape
// the remote core node described at subscribe time.
func Converge(ctx context.Context, ensurer TableEnsurer, specs []rlogtypes.TableSpec, logger zerolog.Logger) error {
	log := logger.With().Str("component", "schema").Logger()
	for _, spec := range specs {
		if err := ensurer.EnsureTable(ctx, spec); err != nil {
			return fmt.Errorf("converge table %s: %w", spec.Name, err)
		}
		log.Debug().Str("table", spec.Name).Msg("table converged")
	}
	return nil
}

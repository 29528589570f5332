// Package botregistry defines the port for finding the bots registered
// against a problem.
package botregistry

import (
	"context"

	"github.com/Strob0t/botleague/internal/domain/league"
)

// Registry lists bot definitions from the league repository.
type Registry interface {
	// BotsForProblem returns every bot whose definition lists problemID,
	// ordered by submitter then bot name.
	BotsForProblem(ctx context.Context, problemID string) ([]league.Bot, error)
}

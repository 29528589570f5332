// Package evaluator defines the port for handing an evaluation to a
// third-party problem evaluator.
package evaluator

import (
	"context"

	"github.com/Strob0t/botleague/internal/domain/evaluation"
)

// Dispatcher sends an evaluation request to a problem's endpoint.
// Implementations make a single attempt under a fixed timeout and return an
// error wrapping domain.ErrUpstream when the evaluator does not accept it.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint string, payload evaluation.DispatchPayload) error
}

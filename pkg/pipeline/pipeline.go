package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/access"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of actions and modifiers
 * from the actual router
 */

// ErrHalted marks a step that stopped the pipeline on purpose, as opposed to
// failing.
var ErrHalted = errors.New("pipeline halted")

type Cargo struct {
	Logger       *slog.Logger
	Ctx          context.Context
	Connection   *state.Connection
	StateManager state.Manager
	Resolver     *access.Resolver
	EventName    string
	Payload      json.RawMessage
}

// simple, testable functions that receive a Cargo and their configured parameters
type ActionFunc func(pctx *Cargo, params ...string) error

// ModifierFunc runs ahead of an event's action. Returning an error halts the
// pipeline before the action runs.
type ModifierFunc func(pctx *Cargo, params ...string) error

// represents one step in an execution pipeline
type Step struct {
	Name     string
	Function ActionFunc
	Params   []string // Raw strings from YAML
}

// Run executes the steps in order and stops at the first error.
func Run(pctx *Cargo, steps []Step) (failed string, err error) {
	for _, step := range steps {
		if err := step.Function(pctx, step.Params...); err != nil {
			return step.Name, err
		}
	}
	return "", nil
}

package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

func modifierLog(pctx *pipeline.Cargo, params ...string) error {
	if len(params) != 1 {
		return errors.New("_log requires exactly 1 parameter: [message]")
	}
	pctx.Logger.Info(params[0], slog.String("component", "action_log"))
	return nil
}

type rateLimitState struct {
	Requests int
}

// parseRate reads a "count/unit" limit such as "10/s", "300/m" or "1000/h".
func parseRate(rate string) (int, time.Duration, error) {
	parts := strings.Split(rate, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit format: %s", rate)
	}

	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit count: %s", parts[0])
	}

	var duration time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		duration = time.Second
	case "m":
		duration = time.Minute
	case "h":
		duration = time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit duration unit: %s", parts[1])
	}
	return limit, duration, nil
}

// newRateLimitModifier counts events per connection in fixed windows.
// Messages of one connection are handled one at a time, so the counter
// needs no lock of its own.
func newRateLimitModifier(logger *slog.Logger) pipeline.ModifierFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		if len(params) != 1 {
			return errors.New("'rate_limit' modifier requires exactly one parameter (e.g., '10/m')")
		}
		limit, duration, err := parseRate(params[0])
		if err != nil {
			return err
		}

		modifierName := "rate_limit"
		connID := pctx.Connection.ID
		eventName := pctx.EventName
		manager := pctx.StateManager

		existingState, found := manager.GetModifierState(modifierName, connID, eventName)
		if !found {
			// First request in the window. Create the state.
			newState := &state.ModifierState{Value: &rateLimitState{Requests: 1}}
			newState.Timer = time.AfterFunc(duration, func() {
				logger.Debug("Auto-cleaning expired rate_limit state", slog.String("connID", connID.String()), slog.String("event", eventName))
				manager.DeleteModifierState(modifierName, connID, eventName)
			})
			manager.SetModifierState(modifierName, connID, eventName, newState)
			return nil
		}

		currentState := existingState.Value.(*rateLimitState)
		if currentState.Requests < limit {
			currentState.Requests++
			return nil
		}
		return fmt.Errorf("%w: rate limit for event '%s' exceeded", pipeline.ErrHalted, eventName)
	}
}

package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/access"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

// EventRouter dispatches decoded client messages to their compiled
// pipelines. Nothing is ever sent back for a rejected message.
type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	resolver     *access.Resolver
	pipelines    map[string][]pipeline.Step
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, resolver *access.Resolver, pipelines map[string][]pipeline.Step) *EventRouter {
	return &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		resolver:     resolver,
		pipelines:    pipelines,
	}
}

func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	env, err := protocol.Decode(msg)
	if err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}

	steps, ok := r.pipelines[env.Event]
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", env.Event), slog.String("connID", connID.String()))
		return
	}

	conn, ok := r.stateManager.GetConnection(connID)
	if !ok {
		r.logger.Error("could not find connection profile for active connection", slog.String("connID", connID.String()))
		return
	}

	pctx := &pipeline.Cargo{
		Logger:       r.logger.With(slog.String("connID", connID.String()), slog.String("event", env.Event)),
		Ctx:          ctx,
		Connection:   conn,
		StateManager: r.stateManager,
		Resolver:     r.resolver,
		EventName:    env.Event,
		Payload:      env.Payload,
	}
	r.logger.Debug("Executing event pipeline", slog.String("event", env.Event), slog.String("connID", connID.String()))

	if step, err := pipeline.Run(pctx, steps); err != nil {
		level := slog.LevelError
		if rejected(err) {
			level = slog.LevelWarn
		}
		pctx.Logger.Log(ctx, level, "Action failed, halting pipeline", slog.String("step", step), slog.Any("error", err))
	}
}

// rejected reports errors caused by what the client sent rather than by the
// server.
func rejected(err error) bool {
	for _, target := range []error{
		state.ErrReadOnly,
		state.ErrNotJoined,
		state.ErrAlreadyJoined,
		state.ErrConnectionClosed,
		protocol.ErrMalformed,
		pipeline.ErrHalted,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

package engine

import (
	"fmt"
	"log/slog"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

// actionJoin resolves the presented id, binds the connection and greets it
// with its identity and the session snapshot.
func actionJoin(pctx *pipeline.Cargo, params ...string) error {
	// checked before resolving so a repeated join cannot create a session
	switch st, _, _ := pctx.Connection.Binding(); st {
	case state.StateJoined:
		return state.ErrAlreadyJoined
	case state.StateClosed:
		return state.ErrConnectionClosed
	}

	presentedID, err := protocol.JoinID(pctx.Payload)
	if err != nil {
		return err
	}
	res := pctx.Resolver.Resolve(presentedID)

	var greetErr error
	err = pctx.StateManager.Join(pctx.Connection.ID, res.SessionID, res.Role, func(conn *state.Connection, snap state.Snapshot) {
		identity := protocol.IdentityPayload{
			Role:           string(res.Role),
			SessionID:      res.SessionID,
			SpectatorToken: res.SpectatorToken,
		}
		if greetErr = sendEvent(conn, protocol.EventIdentity, identity); greetErr != nil {
			return
		}
		greetErr = sendEvent(conn, protocol.EventSnapshot, snapshotPayload(snap))
	})
	if err != nil {
		return fmt.Errorf("failed to join session '%s': %w", res.SessionID, err)
	}
	if greetErr != nil {
		return greetErr
	}

	pctx.Logger.Info("Connection joined session",
		slog.String("sessionID", res.SessionID),
		slog.String("role", string(res.Role)),
		slog.Bool("created", res.Created),
	)
	return nil
}

// newPushAction builds the action for one push event: validate the payload,
// replace the session field and relay the payload unchanged to every other
// member of the session.
func newPushAction(kind state.UpdateKind, broadcastEvent string, extract func([]byte) ([]byte, error)) pipeline.ActionFunc {
	return func(pctx *pipeline.Cargo, params ...string) error {
		value, err := extract(pctx.Payload)
		if err != nil {
			return err
		}
		msg, err := protocol.Encode(broadcastEvent, pctx.Payload)
		if err != nil {
			return err
		}

		var peers, delivered int
		upd := state.Update{Kind: kind, Value: value}
		err = pctx.StateManager.Publish(pctx.Connection.ID, upd, func(members []*state.Connection) {
			peers = len(members)
			delivered = fanout(members, msg)
		})
		if err != nil {
			return fmt.Errorf("failed to apply %s update: %w", kind, err)
		}

		pctx.Logger.Debug("Relayed update",
			slog.String("kind", kind.String()),
			slog.Int("peers", peers),
			slog.Int("delivered", delivered),
		)
		return nil
	}
}

func extractLayers(payload []byte) ([]byte, error) {
	raw, _, err := protocol.ExtractLayers(payload)
	return raw, err
}

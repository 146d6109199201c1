// Package access decides, from the identifier a client presents when it
// joins, which session it belongs to and with which role.
//
// Two kinds of identifier exist. An edit id names a session directly and
// grants the editor role; anyone holding it can write. A spectator token is
// minted once per session and maps back to it with the read-only spectator
// role. Possession is the only credential.
package access

import (
	"log/slog"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

// Resolution is the outcome of resolving a presented identifier.
type Resolution struct {
	SessionID      string
	Role           state.Role
	SpectatorToken string
	// Created is set when the presented edit id named a session that did
	// not exist before.
	Created bool
}

type Resolver struct {
	store  state.SessionStore
	logger *slog.Logger
}

func NewResolver(store state.SessionStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With(slog.String("component", "access_resolver")),
	}
}

// Resolve never fails. A known spectator token resolves to its session
// without creating anything; every other identifier is treated as an edit
// id and its session is created on first use.
func (r *Resolver) Resolve(presentedID string) Resolution {
	if sessionID, ok := r.store.SessionForToken(presentedID); ok {
		r.logger.Debug("Resolved spectator token", slog.String("sessionID", sessionID))
		return Resolution{
			SessionID:      sessionID,
			Role:           state.RoleSpectator,
			SpectatorToken: presentedID,
		}
	}

	info, created := r.store.Ensure(presentedID)
	if created {
		r.logger.Info("New session for edit id", slog.String("sessionID", info.ID))
	}
	return Resolution{
		SessionID:      info.ID,
		Role:           state.RoleEditor,
		SpectatorToken: info.SpectatorToken,
		Created:        created,
	}
}

package state

import (
	"github.com/google/uuid"
)

// SessionStore owns every session document. Documents are only changed
// through ApplyUpdate.
type SessionStore interface {
	Get(sessionID string) (Snapshot, bool)
	// Ensure returns the session, creating it with an empty document and
	// the next spectator token if it does not exist.
	Ensure(sessionID string) (info SessionInfo, created bool)
	SessionForToken(token string) (sessionID string, ok bool)
	// ApplyUpdate replaces the field named by upd.Kind. Spectators get
	// ErrReadOnly and the session is left untouched.
	ApplyUpdate(sessionID string, role Role, upd Update) error
	SessionCount() int
}

// GreetFunc runs once a connection joined, before any broadcast can reach it.
type GreetFunc func(conn *Connection, snap Snapshot)

// FanoutFunc receives every member of the session except the sender, right
// after the update was applied and before the next update can be.
type FanoutFunc func(peers []*Connection)

type Manager interface {
	SessionStore

	// --- Connection Lifecycle ---
	RegisterConnection(t Transport, ipAddr string) (*Connection, error)
	// DeregisterConnection closes the connection's state machine and drops
	// it from its broadcast group.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	GetConnectionCountByIP(ipAddr string) int
	FindOldestConnectionByIP(ipAddr string) (*Connection, bool)
	GetAllConnections() []*Connection

	// --- Broadcast groups ---
	// Join binds the connection to sessionID with role and adds it to the
	// session's broadcast group.
	Join(connID uuid.UUID, sessionID string, role Role, greet GreetFunc) error
	// Publish applies upd to the connection's bound session and hands the
	// other members to fanout, atomically with respect to other updates.
	Publish(connID uuid.UUID, upd Update, fanout FanoutFunc) error
	GetSessionMembers(sessionID string) ([]*Connection, error)

	// --- Modifier store Management ---
	GetModifierState(modifierName string, connID uuid.UUID, eventName string) (state *ModifierState, found bool)

	// SetModifierState sets or updates the state data, stopping the timer
	// of any previous state under the same key.
	SetModifierState(modifierName string, connID uuid.UUID, eventName string, state *ModifierState)

	// DeleteModifierState removes a state entry and stops its timer.
	DeleteModifierState(modifierName string, connID uuid.UUID, eventName string)
}

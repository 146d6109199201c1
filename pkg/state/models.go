package state

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrReadOnly           = errors.New("role has no write permission")
	ErrSessionNotFound    = errors.New("session not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAlreadyJoined      = errors.New("connection already joined a session")
	ErrNotJoined          = errors.New("connection has not joined a session")
	ErrConnectionClosed   = errors.New("connection is closed")
)

// Transport is the sending side of a live client connection.
type Transport interface {
	ID() uuid.UUID
	// Send enqueues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	Close(err error)
}

// ConnState is the lifecycle of a sync connection. It only moves forward.
type ConnState int

const (
	StateConnected ConnState = iota
	StateJoined
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	CreatedAt time.Time

	mu        sync.RWMutex
	state     ConnState
	role      Role
	sessionID string
}

func NewConnection(t Transport, ipAddr string, now time.Time) *Connection {
	return &Connection{
		ID:        t.ID(),
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: now,
	}
}

// Binding returns the connection's lifecycle state and, once joined, the
// role and session it is bound to.
func (c *Connection) Binding() (ConnState, Role, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.role, c.sessionID
}

// Bind moves Connected -> Joined. Role and session can never change after.
func (c *Connection) Bind(role Role, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateJoined:
		return ErrAlreadyJoined
	case StateClosed:
		return ErrConnectionClosed
	}
	c.state, c.role, c.sessionID = StateJoined, role, sessionID
	return nil
}

// MarkClosed moves the connection to Closed and returns the session it was
// bound to, if any.
func (c *Connection) MarkClosed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	return c.sessionID
}

// Session is one shared document: the editor id, the spectator token issued
// when it was created and the three independently replaced fields.
type Session struct {
	ID             string
	SpectatorToken string
	CreatedAt      time.Time
	LastUpdated    time.Time
	Version        uint64

	Layers    json.RawMessage
	MapImage  json.RawMessage
	Overrides json.RawMessage

	// broadcast group: every connection currently joined to the session
	Members map[uuid.UUID]*Connection
}

// SessionInfo is the identity part of a session.
type SessionInfo struct {
	ID             string
	SpectatorToken string
}

// Snapshot is a copy of a session's document at one point in time.
type Snapshot struct {
	SessionID   string
	Layers      json.RawMessage
	MapImage    json.RawMessage
	Overrides   json.RawMessage
	LastUpdated time.Time
	Version     uint64
}

// Empty reports whether nothing was ever written to the session.
func (s Snapshot) Empty() bool {
	return s.Version == 0
}

// UpdateKind names the session field an update replaces.
type UpdateKind int

const (
	UpdateData UpdateKind = iota + 1
	UpdateMap
	UpdateConfig
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateData:
		return "data"
	case UpdateMap:
		return "map"
	case UpdateConfig:
		return "config"
	}
	return "unknown"
}

// Update replaces one field of a session wholesale.
type Update struct {
	Kind  UpdateKind
	Value json.RawMessage
}

// ModifierState holds per-connection, per-event data owned by a pipeline
// modifier, with an optional cleanup timer.
type ModifierState struct {
	Value any
	Timer *time.Timer
}

package statemanager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

// TokenSource produces spectator tokens. No uniqueness check is made on
// its output; it must be random enough for collisions not to matter.
type TokenSource func() string

// Clock returns the current time.
type Clock func() time.Time

func ksuidTokens() string {
	return ksuid.New().String()
}

type Option func(*InMemoryManager)

func WithTokenSource(src TokenSource) Option {
	return func(m *InMemoryManager) { m.newToken = src }
}

func WithClock(clock Clock) Option {
	return func(m *InMemoryManager) { m.now = clock }
}

type modifierKey struct {
	modifier string
	connID   uuid.UUID
	event    string
}

// InMemoryManager keeps connections, sessions and broadcast groups in
// process memory. Sessions are never evicted.
//
// Lock order: sessMu before a Connection's own lock. connMu is never held
// together with sessMu.
type InMemoryManager struct {
	conns    map[uuid.UUID]*state.Connection
	sessions map[string]*state.Session
	tokens   map[string]string // spectator token -> session id
	mods     map[modifierKey]*state.ModifierState

	connMu sync.RWMutex
	sessMu sync.RWMutex
	modMu  sync.Mutex

	newToken TokenSource
	now      Clock
	logger   *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger, opts ...Option) *InMemoryManager {
	m := &InMemoryManager{
		conns:    make(map[uuid.UUID]*state.Connection),
		sessions: make(map[string]*state.Session),
		tokens:   make(map[string]string),
		mods:     make(map[modifierKey]*state.ModifierState),
		newToken: ksuidTokens,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "state_manager_inmemory")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

// --- Connection Lifecycle ---

func (m *InMemoryManager) RegisterConnection(t state.Transport, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, fmt.Errorf("connection %s is already registered", connID)
	}
	conn := state.NewConnection(t, ipAddr, m.now())
	m.conns[connID] = conn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return conn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	sessionID := conn.MarkClosed()
	m.dropModifierStates(connID)

	if sessionID != "" {
		m.sessMu.Lock()
		if sess, ok := m.sessions[sessionID]; ok {
			delete(sess.Members, connID)
		}
		m.sessMu.Unlock()
		m.logger.Debug("Connection left session", slog.String("connID", connID.String()), slog.String("sessionID", sessionID))
	}
	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) GetConnectionCountByIP(ipAddr string) int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	count := 0
	for _, c := range m.conns {
		if c.IPAddress == ipAddr {
			count++
		}
	}
	return count
}

func (m *InMemoryManager) FindOldestConnectionByIP(ipAddr string) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	var oldest *state.Connection
	for _, c := range m.conns {
		if c.IPAddress != ipAddr {
			continue
		}
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	return oldest, oldest != nil
}

func (m *InMemoryManager) GetAllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

// --- Session Store ---

func (m *InMemoryManager) Get(sessionID string) (state.Snapshot, bool) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return state.Snapshot{}, false
	}
	return snapshotOf(sess), true
}

func (m *InMemoryManager) Ensure(sessionID string) (state.SessionInfo, bool) {
	m.sessMu.RLock()
	sess, ok := m.sessions[sessionID]
	m.sessMu.RUnlock()
	if ok {
		return state.SessionInfo{ID: sess.ID, SpectatorToken: sess.SpectatorToken}, false
	}

	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	// double-check after acquiring the write lock
	if sess, ok = m.sessions[sessionID]; ok {
		return state.SessionInfo{ID: sess.ID, SpectatorToken: sess.SpectatorToken}, false
	}

	now := m.now()
	sess = &state.Session{
		ID:             sessionID,
		SpectatorToken: m.newToken(),
		CreatedAt:      now,
		LastUpdated:    now,
		Layers:         protocol.EmptyLayers,
		MapImage:       protocol.EmptyMapImage,
		Overrides:      protocol.EmptyOverrides,
		Members:        make(map[uuid.UUID]*state.Connection),
	}
	m.sessions[sessionID] = sess
	m.tokens[sess.SpectatorToken] = sessionID

	m.logger.Info("Session created", slog.String("sessionID", sessionID))
	return state.SessionInfo{ID: sess.ID, SpectatorToken: sess.SpectatorToken}, true
}

func (m *InMemoryManager) SessionForToken(token string) (string, bool) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	id, ok := m.tokens[token]
	return id, ok
}

func (m *InMemoryManager) ApplyUpdate(sessionID string, role state.Role, upd state.Update) error {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return m.applyLocked(sessionID, role, upd)
}

func (m *InMemoryManager) SessionCount() int {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	return len(m.sessions)
}

// applyLocked must be called with sessMu held for writing.
func (m *InMemoryManager) applyLocked(sessionID string, role state.Role, upd state.Update) error {
	if !role.CanWrite() {
		m.logger.Warn("Rejected update from read-only role",
			slog.String("sessionID", sessionID),
			slog.String("role", string(role)),
			slog.String("kind", upd.Kind.String()),
		)
		return state.ErrReadOnly
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("apply %s update to %q: %w", upd.Kind, sessionID, state.ErrSessionNotFound)
	}

	value := append([]byte(nil), upd.Value...)
	switch upd.Kind {
	case state.UpdateData:
		sess.Layers = value
	case state.UpdateMap:
		sess.MapImage = value
	case state.UpdateConfig:
		sess.Overrides = value
	default:
		return fmt.Errorf("apply update to %q: unknown kind %d", sessionID, upd.Kind)
	}

	// lastUpdated is strictly monotonic even if the wall clock is not
	now := m.now()
	if !now.After(sess.LastUpdated) {
		now = sess.LastUpdated.Add(time.Nanosecond)
	}
	sess.LastUpdated = now
	sess.Version++

	m.logger.Debug("Session updated",
		slog.String("sessionID", sessionID),
		slog.String("kind", upd.Kind.String()),
		slog.Uint64("version", sess.Version),
		slog.Int("bytes", len(value)),
	)
	return nil
}

// --- Broadcast groups ---

func (m *InMemoryManager) Join(connID uuid.UUID, sessionID string, role state.Role, greet state.GreetFunc) error {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return fmt.Errorf("join %q: %w", sessionID, state.ErrConnectionNotFound)
	}

	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("join %q: %w", sessionID, state.ErrSessionNotFound)
	}
	if err := conn.Bind(role, sessionID); err != nil {
		return fmt.Errorf("join %q: %w", sessionID, err)
	}
	sess.Members[connID] = conn

	m.logger.Debug("Connection joined session",
		slog.String("connID", connID.String()),
		slog.String("sessionID", sessionID),
		slog.String("role", string(role)),
		slog.Int("members", len(sess.Members)),
	)
	if greet != nil {
		greet(conn, snapshotOf(sess))
	}
	return nil
}

func (m *InMemoryManager) Publish(connID uuid.UUID, upd state.Update, fanout state.FanoutFunc) error {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return fmt.Errorf("publish: %w", state.ErrConnectionNotFound)
	}
	st, role, sessionID := conn.Binding()
	if st != state.StateJoined {
		return fmt.Errorf("publish from %s connection: %w", st, state.ErrNotJoined)
	}

	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	if err := m.applyLocked(sessionID, role, upd); err != nil {
		return err
	}
	if fanout == nil {
		return nil
	}
	sess := m.sessions[sessionID]
	peers := make([]*state.Connection, 0, len(sess.Members))
	for id, member := range sess.Members {
		if id != connID {
			peers = append(peers, member)
		}
	}
	fanout(peers)
	return nil
}

func (m *InMemoryManager) GetSessionMembers(sessionID string) ([]*state.Connection, error) {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, state.ErrSessionNotFound
	}
	members := make([]*state.Connection, 0, len(sess.Members))
	for _, c := range sess.Members {
		members = append(members, c)
	}
	return members, nil
}

// --- Modifier store Management ---

func (m *InMemoryManager) GetModifierState(modifierName string, connID uuid.UUID, eventName string) (*state.ModifierState, bool) {
	m.modMu.Lock()
	defer m.modMu.Unlock()
	st, ok := m.mods[modifierKey{modifierName, connID, eventName}]
	return st, ok
}

func (m *InMemoryManager) SetModifierState(modifierName string, connID uuid.UUID, eventName string, st *state.ModifierState) {
	m.modMu.Lock()
	defer m.modMu.Unlock()

	key := modifierKey{modifierName, connID, eventName}
	if prev, ok := m.mods[key]; ok && prev != st && prev.Timer != nil {
		prev.Timer.Stop()
	}
	m.mods[key] = st
}

func (m *InMemoryManager) DeleteModifierState(modifierName string, connID uuid.UUID, eventName string) {
	m.modMu.Lock()
	defer m.modMu.Unlock()

	key := modifierKey{modifierName, connID, eventName}
	if st, ok := m.mods[key]; ok {
		if st.Timer != nil {
			st.Timer.Stop()
		}
		delete(m.mods, key)
	}
}

func (m *InMemoryManager) dropModifierStates(connID uuid.UUID) {
	m.modMu.Lock()
	defer m.modMu.Unlock()
	for key, st := range m.mods {
		if key.connID != connID {
			continue
		}
		if st.Timer != nil {
			st.Timer.Stop()
		}
		delete(m.mods, key)
	}
}

func snapshotOf(sess *state.Session) state.Snapshot {
	return state.Snapshot{
		SessionID:   sess.ID,
		Layers:      sess.Layers,
		MapImage:    sess.MapImage,
		Overrides:   sess.Overrides,
		LastUpdated: sess.LastUpdated,
		Version:     sess.Version,
	}
}

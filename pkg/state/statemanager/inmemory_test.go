package statemanager_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state/statemanager"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeTransport struct {
	id     uuid.UUID
	mu     sync.Mutex
	sent   [][]byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

func (f *fakeTransport) ID() uuid.UUID { return f.id }

func (f *fakeTransport) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeTransport) Close(error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func seqTokens(tokens ...string) statemanager.TokenSource {
	i := 0
	return func() string {
		tok := tokens[i%len(tokens)]
		i++
		return tok
	}
}

// fixedClock never advances unless told to.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestManager(opts ...statemanager.Option) *statemanager.InMemoryManager {
	return statemanager.NewInMemoryManager(newTestLogger(), opts...)
}

func registerJoined(t *testing.T, m *statemanager.InMemoryManager, sessionID string, role state.Role) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	_, err := m.RegisterConnection(tr, "127.0.0.1")
	require.NoError(t, err)
	m.Ensure(sessionID)
	require.NoError(t, m.Join(tr.ID(), sessionID, role, nil))
	return tr
}

// --- Connection Lifecycle Tests ---

func TestConnectionLifecycle(t *testing.T) {
	m := newTestManager()
	tr := newFakeTransport()

	stateConn, err := m.RegisterConnection(tr, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, tr.ID(), stateConn.ID)

	st, _, _ := stateConn.Binding()
	assert.Equal(t, state.StateConnected, st)

	retrieved, found := m.GetConnection(tr.ID())
	require.True(t, found)
	assert.Same(t, stateConn, retrieved)

	_, err = m.RegisterConnection(tr, "127.0.0.1")
	assert.Error(t, err, "registering the same transport twice")

	require.NoError(t, m.DeregisterConnection(tr.ID()))
	_, found = m.GetConnection(tr.ID())
	assert.False(t, found)

	st, _, _ = stateConn.Binding()
	assert.Equal(t, state.StateClosed, st)

	// deregistering twice is harmless
	assert.NoError(t, m.DeregisterConnection(tr.ID()))
}

func TestConnectionCountByIP(t *testing.T) {
	m := newTestManager()
	for _, ip := range []string{"1.1.1.1", "1.1.1.1", "2.2.2.2"} {
		_, err := m.RegisterConnection(newFakeTransport(), ip)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, m.GetConnectionCountByIP("1.1.1.1"))
	assert.Equal(t, 1, m.GetConnectionCountByIP("2.2.2.2"))
	assert.Equal(t, 0, m.GetConnectionCountByIP("3.3.3.3"))
	assert.Len(t, m.GetAllConnections(), 3)
}

func TestFindOldestConnectionByIP(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1000, 0)}
	m := newTestManager(statemanager.WithClock(clock.Now))

	first := newFakeTransport()
	_, err := m.RegisterConnection(first, "1.1.1.1")
	require.NoError(t, err)

	clock.now = clock.now.Add(time.Second)
	_, err = m.RegisterConnection(newFakeTransport(), "1.1.1.1")
	require.NoError(t, err)

	oldest, found := m.FindOldestConnectionByIP("1.1.1.1")
	require.True(t, found)
	assert.Equal(t, first.ID(), oldest.ID)

	_, found = m.FindOldestConnectionByIP("9.9.9.9")
	assert.False(t, found)
}

// --- Session Store Tests ---

func TestEnsure_CreatesEmptySessionOnce(t *testing.T) {
	m := newTestManager(statemanager.WithTokenSource(seqTokens("xyz789", "other")))

	info, created := m.Ensure("abc123")
	require.True(t, created)
	assert.Equal(t, "abc123", info.ID)
	assert.Equal(t, "xyz789", info.SpectatorToken)

	again, created := m.Ensure("abc123")
	assert.False(t, created)
	assert.Equal(t, info, again, "the token is issued once per session")

	snap, ok := m.Get("abc123")
	require.True(t, ok)
	assert.True(t, snap.Empty())
	assert.JSONEq(t, `[]`, string(snap.Layers))
	assert.JSONEq(t, `null`, string(snap.MapImage))
	assert.JSONEq(t, `null`, string(snap.Overrides))

	id, ok := m.SessionForToken("xyz789")
	require.True(t, ok)
	assert.Equal(t, "abc123", id)

	_, ok = m.SessionForToken("nope")
	assert.False(t, ok)
	assert.Equal(t, 1, m.SessionCount())
}

func TestEnsure_Concurrent(t *testing.T) {
	m := newTestManager()
	var wg sync.WaitGroup
	var created atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := m.Ensure("shared"); ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, created.Load())
	assert.Equal(t, 1, m.SessionCount())
}

func TestApplyUpdate_ReplacesFieldWholesale(t *testing.T) {
	m := newTestManager()
	m.Ensure("s1")

	first := json.RawMessage(`[{"id":1,"name":"A","visible":true,"units":[]},{"id":2,"name":"B","visible":true,"units":[]}]`)
	second := json.RawMessage(`[{"id":3,"name":"C","visible":false,"units":[]}]`)

	require.NoError(t, m.ApplyUpdate("s1", state.RoleEditor, state.Update{Kind: state.UpdateData, Value: first}))
	require.NoError(t, m.ApplyUpdate("s1", state.RoleEditor, state.Update{Kind: state.UpdateData, Value: second}))

	snap, _ := m.Get("s1")
	assert.JSONEq(t, string(second), string(snap.Layers))
	assert.JSONEq(t, `null`, string(snap.MapImage), "other fields are untouched")
	assert.EqualValues(t, 2, snap.Version)
}

func TestApplyUpdate_SpectatorRejected(t *testing.T) {
	m := newTestManager()
	m.Ensure("s1")
	before, _ := m.Get("s1")

	err := m.ApplyUpdate("s1", state.RoleSpectator, state.Update{Kind: state.UpdateMap, Value: json.RawMessage(`"data:x"`)})
	require.ErrorIs(t, err, state.ErrReadOnly)

	after, _ := m.Get("s1")
	assert.Equal(t, before, after)
}

func TestApplyUpdate_UnknownSession(t *testing.T) {
	m := newTestManager()
	err := m.ApplyUpdate("ghost", state.RoleEditor, state.Update{Kind: state.UpdateConfig, Value: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, state.ErrSessionNotFound)
}

func TestApplyUpdate_LastUpdatedStrictlyIncreases(t *testing.T) {
	clock := &fixedClock{now: time.Unix(5000, 0)}
	m := newTestManager(statemanager.WithClock(clock.Now))
	m.Ensure("s1")

	var last time.Time
	for i := 0; i < 3; i++ {
		require.NoError(t, m.ApplyUpdate("s1", state.RoleEditor, state.Update{Kind: state.UpdateConfig, Value: json.RawMessage(`null`)}))
		snap, _ := m.Get("s1")
		assert.True(t, snap.LastUpdated.After(last), "update %d did not advance lastUpdated", i)
		last = snap.LastUpdated
	}
}

// --- Broadcast Group Tests ---

func TestJoin_GreetsWithSnapshot(t *testing.T) {
	m := newTestManager()
	m.Ensure("s1")
	require.NoError(t, m.ApplyUpdate("s1", state.RoleEditor, state.Update{Kind: state.UpdateMap, Value: json.RawMessage(`"data:image/png;base64,AA"`)}))

	tr := newFakeTransport()
	_, err := m.RegisterConnection(tr, "1.1.1.1")
	require.NoError(t, err)

	var greeted state.Snapshot
	err = m.Join(tr.ID(), "s1", state.RoleSpectator, func(conn *state.Connection, snap state.Snapshot) {
		st, role, sid := conn.Binding()
		assert.Equal(t, state.StateJoined, st)
		assert.Equal(t, state.RoleSpectator, role)
		assert.Equal(t, "s1", sid)
		greeted = snap
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"data:image/png;base64,AA"`, string(greeted.MapImage))

	members, err := m.GetSessionMembers("s1")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	err = m.Join(tr.ID(), "s1", state.RoleEditor, nil)
	assert.ErrorIs(t, err, state.ErrAlreadyJoined)
}

func TestJoin_Errors(t *testing.T) {
	m := newTestManager()
	tr := newFakeTransport()

	assert.ErrorIs(t, m.Join(tr.ID(), "s1", state.RoleEditor, nil), state.ErrConnectionNotFound)

	_, err := m.RegisterConnection(tr, "1.1.1.1")
	require.NoError(t, err)
	assert.ErrorIs(t, m.Join(tr.ID(), "s1", state.RoleEditor, nil), state.ErrSessionNotFound)
}

func TestPublish_FansOutToPeersOnly(t *testing.T) {
	m := newTestManager()
	sender := registerJoined(t, m, "s1", state.RoleEditor)
	peer := registerJoined(t, m, "s1", state.RoleSpectator)
	outsider := registerJoined(t, m, "s2", state.RoleEditor)

	var got []uuid.UUID
	err := m.Publish(sender.ID(), state.Update{Kind: state.UpdateData, Value: json.RawMessage(`[]`)}, func(peers []*state.Connection) {
		for _, p := range peers {
			got = append(got, p.ID)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{peer.ID()}, got)
	assert.NotContains(t, got, outsider.ID())

	snap, _ := m.Get("s1")
	assert.EqualValues(t, 1, snap.Version)
}

func TestPublish_SpectatorDoesNotFanOut(t *testing.T) {
	m := newTestManager()
	registerJoined(t, m, "s1", state.RoleEditor)
	spectator := registerJoined(t, m, "s1", state.RoleSpectator)

	called := false
	err := m.Publish(spectator.ID(), state.Update{Kind: state.UpdateData, Value: json.RawMessage(`[]`)}, func([]*state.Connection) {
		called = true
	})
	assert.ErrorIs(t, err, state.ErrReadOnly)
	assert.False(t, called)
}

func TestPublish_BeforeJoin(t *testing.T) {
	m := newTestManager()
	tr := newFakeTransport()
	_, err := m.RegisterConnection(tr, "1.1.1.1")
	require.NoError(t, err)

	err = m.Publish(tr.ID(), state.Update{Kind: state.UpdateMap, Value: json.RawMessage(`null`)}, nil)
	assert.ErrorIs(t, err, state.ErrNotJoined)
}

func TestDeregister_LeavesBroadcastGroup(t *testing.T) {
	m := newTestManager()
	a := registerJoined(t, m, "s1", state.RoleEditor)
	b := registerJoined(t, m, "s1", state.RoleEditor)

	require.NoError(t, m.DeregisterConnection(b.ID()))

	members, err := m.GetSessionMembers("s1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, a.ID(), members[0].ID)

	// the session itself outlives its members
	require.NoError(t, m.DeregisterConnection(a.ID()))
	_, ok := m.Get("s1")
	assert.True(t, ok)
}

// --- Modifier State Tests ---

func TestModifierState_SetAndGet(t *testing.T) {
	m := newTestManager()
	connID := uuid.New()

	m.SetModifierState("test_mod", connID, "event1", &state.ModifierState{Value: "hello world"})

	retrieved, found := m.GetModifierState("test_mod", connID, "event1")
	require.True(t, found)
	assert.Equal(t, "hello world", retrieved.Value)
}

func TestModifierState_GetNotFound(t *testing.T) {
	m := newTestManager()
	_, found := m.GetModifierState("non_existent", uuid.New(), "event1")
	assert.False(t, found)
}

func TestModifierState_Delete(t *testing.T) {
	m := newTestManager()
	connID := uuid.New()

	m.SetModifierState("test_mod", connID, "event1", &state.ModifierState{Value: "some value"})
	m.DeleteModifierState("test_mod", connID, "event1")

	_, found := m.GetModifierState("test_mod", connID, "event1")
	assert.False(t, found)
}

func TestModifierState_DeleteStopsTimer(t *testing.T) {
	m := newTestManager()
	connID := uuid.New()
	var fired atomic.Bool

	timer := time.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	m.SetModifierState("test_timer_mod", connID, "event1", &state.ModifierState{Timer: timer})
	m.DeleteModifierState("test_timer_mod", connID, "event1")

	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load(), "DeleteModifierState did not stop the timer")
}

func TestModifierState_SetStopsPreviousTimer(t *testing.T) {
	m := newTestManager()
	connID := uuid.New()
	var fired atomic.Bool

	timer1 := time.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	m.SetModifierState("test_timer_mod", connID, "event1", &state.ModifierState{Value: "value1", Timer: timer1})
	m.SetModifierState("test_timer_mod", connID, "event1", &state.ModifierState{Value: "value2"})

	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired.Load(), "SetModifierState did not stop the previous timer")
}

func TestModifierState_DroppedWithConnection(t *testing.T) {
	m := newTestManager()
	tr := newFakeTransport()
	_, err := m.RegisterConnection(tr, "1.1.1.1")
	require.NoError(t, err)

	m.SetModifierState("rate_limit", tr.ID(), "pushData", &state.ModifierState{Value: 3})
	require.NoError(t, m.DeregisterConnection(tr.ID()))

	_, found := m.GetModifierState("rate_limit", tr.ID(), "pushData")
	assert.False(t, found)
}

func TestModifierState_Concurrency(t *testing.T) {
	m := newTestManager()
	conns := make([]uuid.UUID, 10)
	for i := range conns {
		conns[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			m.SetModifierState("concurrent_mod", conns[i%10], "event"+strconv.Itoa(i%5), &state.ModifierState{Value: i})
		}(i)
		go func(i int) {
			defer wg.Done()
			m.GetModifierState("concurrent_mod", conns[i%10], "event"+strconv.Itoa(i%5))
		}(i)
	}
	wg.Wait()
}

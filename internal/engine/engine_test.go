package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/logging"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state/statemanager"
)

func TestRegisterCore(t *testing.T) {
	r := New(logging.Discard())
	r.RegisterCore()

	for _, ev := range protocol.InboundEvents {
		_, ok := r.GetActionFunc(ev)
		assert.True(t, ok, "missing action for %s", ev)
	}
	for _, name := range []string{"_log", "rate_limit"} {
		_, ok := r.GetModifierFunc(name)
		assert.True(t, ok, "missing modifier %s", name)
	}
	assert.Panics(t, func() { r.RegisterModifier("_log", modifierLog) })
}

func TestParseRate(t *testing.T) {
	limit, window, err := parseRate("10/s")
	require.NoError(t, err)
	assert.Equal(t, 10, limit)
	assert.Equal(t, time.Second, window)

	_, window, err = parseRate("3/H")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, window)

	for _, bad := range []string{"10", "x/s", "0/s", "5/d", "1/s/s"} {
		_, _, err := parseRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestRateLimitModifier_WindowExpires(t *testing.T) {
	manager := statemanager.NewInMemoryManager(logging.Discard())
	pctx := &pipeline.Cargo{
		Logger:       logging.Discard(),
		Connection:   &state.Connection{ID: uuid.New()},
		StateManager: manager,
		EventName:    protocol.EventPushData,
	}
	limit := newRateLimitModifier(logging.Discard())

	require.NoError(t, limit(pctx, "1/s"))
	assert.ErrorIs(t, limit(pctx, "1/s"), pipeline.ErrHalted)

	assert.Eventually(t, func() bool {
		_, found := manager.GetModifierState("rate_limit", pctx.Connection.ID, protocol.EventPushData)
		return !found
	}, 3*time.Second, 20*time.Millisecond)
	assert.NoError(t, limit(pctx, "1/s"))
}

func TestSnapshotPayload(t *testing.T) {
	empty := snapshotPayload(state.Snapshot{
		Layers:    protocol.EmptyLayers,
		MapImage:  protocol.EmptyMapImage,
		Overrides: protocol.EmptyOverrides,
	})
	b, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"layers":[],"mapImage":null,"overrides":null}`, string(b))

	at := time.UnixMilli(1700000000123)
	written := snapshotPayload(state.Snapshot{
		Layers:      json.RawMessage(`[]`),
		MapImage:    json.RawMessage(`"m"`),
		Overrides:   json.RawMessage(`{}`),
		LastUpdated: at,
		Version:     4,
	})
	assert.EqualValues(t, 1700000000123, written.LastUpdated)
}

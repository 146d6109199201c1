// Package replica keeps a local copy of a shared map session in step with
// the relay server.
//
// Every change to the local copy, whether made by the user or received from
// the server, goes through one apply path tagged with its Origin. Only
// OriginLocal changes are sent upstream, and only once the first snapshot
// has landed and the server said this connection may write. Edits made
// before that are kept locally and never sent.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/document"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

var ErrReadOnly = errors.New("spectators cannot edit the map")

// Origin tells where a change came from.
type Origin int

const (
	OriginLocal Origin = iota + 1
	OriginRemote
	OriginSnapshot
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// Field is a set of the independently synced parts of the document.
type Field uint8

const (
	FieldLayers Field = 1 << iota
	FieldMapImage
	FieldOverrides

	FieldAll = FieldLayers | FieldMapImage | FieldOverrides
)

func (f Field) Has(other Field) bool { return f&other == other }

// State is the local copy of a session.
type State struct {
	Layers    []document.Layer
	MapImage  *string
	Overrides document.Overrides
	// LastUpdated is the server's timestamp from the last snapshot.
	LastUpdated time.Time
}

func (s State) clone() State {
	out := State{
		Layers:      document.Clone(s.Layers),
		LastUpdated: s.LastUpdated,
	}
	if s.MapImage != nil {
		img := *s.MapImage
		out.MapImage = &img
	}
	if s.Overrides != nil {
		out.Overrides = make(document.Overrides, len(s.Overrides))
		for k, v := range s.Overrides {
			out.Overrides[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

type Identity struct {
	Role           state.Role
	SessionID      string
	SpectatorToken string
}

// Change is delivered to subscribers after every apply.
type Change struct {
	Origin Origin
	Fields Field
	State  State
}

// Outbox is where upstream messages go. It must not block.
type Outbox interface {
	Send(msg []byte) bool
}

type Engine struct {
	out    Outbox
	logger *slog.Logger

	// notifyMu is held from mutation through notification so listeners see
	// changes in the order they were applied.
	notifyMu sync.Mutex

	mu          sync.Mutex
	state       State
	identity    Identity
	hasIdentity bool
	synced      bool
	syncedCh    chan struct{}

	listenerMu sync.RWMutex
	listeners  map[int]func(Change)
	nextID     int
}

func New(out Outbox, logger *slog.Logger) *Engine {
	return &Engine{
		out:       out,
		logger:    logger.With(slog.String("component", "replica")),
		state:     State{Layers: []document.Layer{}},
		syncedCh:  make(chan struct{}),
		listeners: make(map[int]func(Change)),
	}
}

// Join asks the server to bind this connection to the session named by
// presentedID, an edit id or a spectator token.
func (e *Engine) Join(presentedID string) error {
	msg, err := protocol.Encode(protocol.EventJoin, protocol.JoinPayload{ID: presentedID})
	if err != nil {
		return err
	}
	if !e.out.Send(msg) {
		return errors.New("join could not be sent")
	}
	return nil
}

// Subscribe registers fn for every change and returns a function that
// removes it. Changes are delivered one at a time in apply order. fn may
// read State but must not edit the engine synchronously.
func (e *Engine) Subscribe(fn func(Change)) (unsubscribe func()) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	return func() {
		e.listenerMu.Lock()
		defer e.listenerMu.Unlock()
		delete(e.listeners, id)
	}
}

// Synced is closed once the first snapshot has been applied.
func (e *Engine) Synced() <-chan struct{} {
	return e.syncedCh
}

func (e *Engine) WaitSynced(ctx context.Context) error {
	select {
	case <-e.syncedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for snapshot: %w", ctx.Err())
	}
}

// Identity returns what the server announced for this connection.
func (e *Engine) Identity() (Identity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity, e.hasIdentity
}

// State returns a copy of the local document.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// --- local edits ---

func (e *Engine) SetLayers(layers []document.Layer) error {
	if err := document.Validate(layers); err != nil {
		return err
	}
	if layers == nil {
		layers = []document.Layer{}
	}
	layers = document.Clone(layers)
	return e.applyLocal(FieldLayers, func(s *State) { s.Layers = layers })
}

func (e *Engine) SetMapImage(ref *string) error {
	var img *string
	if ref != nil {
		v := *ref
		img = &v
	}
	return e.applyLocal(FieldMapImage, func(s *State) { s.MapImage = img })
}

func (e *Engine) SetOverrides(overrides document.Overrides) error {
	cp := State{Overrides: overrides}.clone().Overrides
	return e.applyLocal(FieldOverrides, func(s *State) { s.Overrides = cp })
}

// MoveUnit moves a unit to another layer of the local document.
func (e *Engine) MoveUnit(unitID, targetLayerID int64) error {
	current := e.State().Layers
	moved, err := document.MoveUnit(current, unitID, targetLayerID)
	if err != nil {
		return err
	}
	return e.applyLocal(FieldLayers, func(s *State) { s.Layers = moved })
}

func (e *Engine) applyLocal(fields Field, mutate func(*State)) error {
	if id, ok := e.Identity(); ok && !id.Role.CanWrite() {
		return ErrReadOnly
	}
	e.apply(OriginLocal, fields, mutate)
	return nil
}

// apply is the only place the local state changes.
func (e *Engine) apply(origin Origin, fields Field, mutate func(*State)) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	mutate(&e.state)
	snapshot := e.state.clone()

	if origin == OriginSnapshot && !e.synced {
		e.synced = true
		close(e.syncedCh)
	}
	if origin == OriginLocal {
		e.replicateLocked(fields, snapshot)
	}
	e.mu.Unlock()

	e.listenerMu.RLock()
	listeners := make([]func(Change), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.listenerMu.RUnlock()

	change := Change{Origin: origin, Fields: fields, State: snapshot}
	for _, fn := range listeners {
		fn(change)
	}
}

// replicateLocked sends a local change upstream. Called with mu held so
// pushes leave in the order they were applied.
func (e *Engine) replicateLocked(fields Field, s State) {
	if !e.synced || !e.hasIdentity || !e.identity.Role.CanWrite() {
		e.logger.Debug("Local change kept local", slog.Bool("synced", e.synced), slog.String("role", string(e.identity.Role)))
		return
	}

	var msgs [][]byte
	push := func(event string, payload any) {
		msg, err := protocol.Encode(event, payload)
		if err != nil {
			e.logger.Error("Failed to encode push", slog.String("event", event), slog.Any("error", err))
			return
		}
		msgs = append(msgs, msg)
	}
	if fields.Has(FieldLayers) {
		push(protocol.EventPushData, protocol.DataPayload{Layers: s.Layers})
	}
	if fields.Has(FieldMapImage) {
		push(protocol.EventPushMap, protocol.MapPayload{MapImage: s.MapImage})
	}
	if fields.Has(FieldOverrides) {
		push(protocol.EventPushConfig, protocol.ConfigPayload{Overrides: s.Overrides})
	}
	for _, msg := range msgs {
		if !e.out.Send(msg) {
			e.logger.Warn("Push dropped, connection is closing")
		}
	}
}

// --- inbound ---

// HandleMessage applies one server message. Its signature matches
// transport.MessageHandler.
func (e *Engine) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	env, err := protocol.Decode(msg)
	if err != nil {
		e.logger.Warn("Dropping undecodable server message", slog.Any("error", err))
		return
	}
	if err := e.handle(env); err != nil {
		e.logger.Warn("Dropping server message", slog.String("event", env.Event), slog.Any("error", err))
	}
}

func (e *Engine) handle(env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventIdentity:
		var p protocol.IdentityPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		role, err := state.ParseRole(p.Role)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.identity = Identity{Role: role, SessionID: p.SessionID, SpectatorToken: p.SpectatorToken}
		e.hasIdentity = true
		e.mu.Unlock()
		e.logger.Info("Joined session", slog.String("sessionID", p.SessionID), slog.String("role", p.Role))
		return nil

	case protocol.EventSnapshot:
		var p protocol.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		layers, err := decodeLayers(p.Layers)
		if err != nil {
			return err
		}
		img, err := decodeMapImage(p.MapImage)
		if err != nil {
			return err
		}
		overrides, err := decodeOverrides(p.Overrides)
		if err != nil {
			return err
		}
		var at time.Time
		if p.LastUpdated > 0 {
			at = time.UnixMilli(p.LastUpdated)
		}
		e.apply(OriginSnapshot, FieldAll, func(s *State) {
			*s = State{Layers: layers, MapImage: img, Overrides: overrides, LastUpdated: at}
		})
		return nil

	case protocol.EventBroadcastData:
		_, layers, err := protocol.ExtractLayers(env.Payload)
		if err != nil {
			return err
		}
		e.apply(OriginRemote, FieldLayers, func(s *State) { s.Layers = layers })
		return nil

	case protocol.EventBroadcastMap:
		raw, err := protocol.ExtractMapImage(env.Payload)
		if err != nil {
			return err
		}
		img, err := decodeMapImage(raw)
		if err != nil {
			return err
		}
		e.apply(OriginRemote, FieldMapImage, func(s *State) { s.MapImage = img })
		return nil

	case protocol.EventBroadcastConfig:
		raw, err := protocol.ExtractOverrides(env.Payload)
		if err != nil {
			return err
		}
		overrides, err := decodeOverrides(raw)
		if err != nil {
			return err
		}
		e.apply(OriginRemote, FieldOverrides, func(s *State) { s.Overrides = overrides })
		return nil
	}
	return fmt.Errorf("unexpected event %q", env.Event)
}

func decodeLayers(raw json.RawMessage) ([]document.Layer, error) {
	if len(raw) == 0 {
		return []document.Layer{}, nil
	}
	return document.DecodeLayers(raw)
}

func decodeMapImage(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var img *string
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("decode map image: %w", err)
	}
	return img, nil
}

func decodeOverrides(raw json.RawMessage) (document.Overrides, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var o document.Overrides
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("decode overrides: %w", err)
	}
	return o, nil
}

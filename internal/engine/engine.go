package engine

import (
	"log/slog"
	"sync"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

/*
* The central registry for all executable components.
* It holds the built-in action of every inbound event and the modifiers that
* config can put in front of them.
 */
type Registry struct {
	logger   *slog.Logger
	actions  map[string]pipeline.ActionFunc
	actionMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFunc
	modifierMu sync.RWMutex
}

// New creates and initializes a new Registry instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		actions:   make(map[string]pipeline.ActionFunc),
		modifiers: make(map[string]pipeline.ModifierFunc),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

func (e *Registry) RegisterCore() {
	e.registerCoreActions()
	e.registerCoreModifiers()
}

func (e *Registry) registerCoreActions() {
	e.RegisterAction(protocol.EventJoin, actionJoin)
	e.RegisterAction(protocol.EventPushData, newPushAction(state.UpdateData, protocol.EventBroadcastData, extractLayers))
	e.RegisterAction(protocol.EventPushMap, newPushAction(state.UpdateMap, protocol.EventBroadcastMap, protocol.ExtractMapImage))
	e.RegisterAction(protocol.EventPushConfig, newPushAction(state.UpdateConfig, protocol.EventBroadcastConfig, protocol.ExtractOverrides))
	e.logger.Info("Registered core actions", slog.Int("count", len(e.actions)))
}

func (e *Registry) registerCoreModifiers() {
	e.RegisterModifier("_log", modifierLog)
	e.RegisterModifier("rate_limit", newRateLimitModifier(e.logger))
	e.logger.Info("Registered core modifiers", slog.Int("count", len(e.modifiers)))
}

// --- Action Methods ---

func (e *Registry) RegisterAction(name string, fn pipeline.ActionFunc) {
	e.actionMu.Lock()
	defer e.actionMu.Unlock()
	if _, exists := e.actions[name]; exists {
		panic("action function already registered: " + name)
	}
	e.actions[name] = fn
}

func (e *Registry) GetActionFunc(name string) (pipeline.ActionFunc, bool) {
	e.actionMu.RLock()
	defer e.actionMu.RUnlock()
	fn, ok := e.actions[name]
	return fn, ok
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFunc) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
}

func (e *Registry) GetModifierFunc(name string) (pipeline.ModifierFunc, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	fn, ok := e.modifiers[name]
	return fn, ok
}

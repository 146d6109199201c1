package config

import (
	"fmt"
	"strings"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/pipeline"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
)

// FuncProvider resolves step names to functions.
type FuncProvider interface {
	GetActionFunc(name string) (pipeline.ActionFunc, bool)
	GetModifierFunc(name string) (pipeline.ModifierFunc, bool)
}

// CompilePipelines builds one pipeline per inbound event: the configured
// modifiers in order, then the event's built-in action.
func CompilePipelines(cfg *Config, provider FuncProvider) error {
	// viper lowercases map keys
	configured := make(map[string]EventConfig, len(cfg.Events))
	for name, eventCfg := range cfg.Events {
		configured[strings.ToLower(name)] = eventCfg
	}
	known := make(map[string]bool, len(protocol.InboundEvents))
	for _, eventName := range protocol.InboundEvents {
		known[strings.ToLower(eventName)] = true
	}
	for name := range configured {
		if !known[name] {
			return fmt.Errorf("unknown event '%s' in config", name)
		}
	}

	cfg.Pipelines = make(map[string][]pipeline.Step, len(protocol.InboundEvents))
	for _, eventName := range protocol.InboundEvents {
		eventCfg := configured[strings.ToLower(eventName)]
		pipe := make([]pipeline.Step, 0, len(eventCfg.Modifiers)+1)
		for _, modCfg := range eventCfg.Modifiers {
			fn, ok := provider.GetModifierFunc(modCfg.Name)
			if !ok {
				return fmt.Errorf("unknown modifier '%s' in event '%s'", modCfg.Name, eventName)
			}
			pipe = append(pipe, pipeline.Step{
				Name:     modCfg.Name,
				Function: pipeline.ActionFunc(fn),
				Params:   modCfg.Params,
			})
		}

		action, ok := provider.GetActionFunc(eventName)
		if !ok {
			return fmt.Errorf("no action registered for event '%s'", eventName)
		}
		pipe = append(pipe, pipeline.Step{Name: eventName, Function: action})
		cfg.Pipelines[eventName] = pipe
	}
	cfg.Events = nil
	return nil
}

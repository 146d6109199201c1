// Package protocol defines the frames exchanged over a sync connection.
//
// Every frame is a JSON envelope {"event": string, "payload": object}.
//
// Client -> Server
//
//	join:       {id}                 edit id or spectator token
//	pushData:   {layers}             editor only
//	pushMap:    {mapImage}           editor only, string or null
//	pushConfig: {overrides}          editor only, object or null
//
// Server -> Client
//
//	identity:        {role, sessionId, spectatorToken}   once per join
//	snapshot:        {layers, mapImage, overrides, lastUpdated}   once per join
//	broadcastData:   push payload, verbatim
//	broadcastMap:    push payload, verbatim
//	broadcastConfig: push payload, verbatim
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/document"
)

const (
	EventJoin     = "join"
	EventIdentity = "identity"
	EventSnapshot = "snapshot"

	EventPushData   = "pushData"
	EventPushMap    = "pushMap"
	EventPushConfig = "pushConfig"

	EventBroadcastData   = "broadcastData"
	EventBroadcastMap    = "broadcastMap"
	EventBroadcastConfig = "broadcastConfig"
)

// InboundEvents are the events a client may send.
var InboundEvents = []string{EventJoin, EventPushData, EventPushMap, EventPushConfig}

// Envelope is the frame shape in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type JoinPayload struct {
	ID string `json:"id"`
}

type IdentityPayload struct {
	Role           string `json:"role"`
	SessionID      string `json:"sessionId"`
	SpectatorToken string `json:"spectatorToken"`
}

// SnapshotPayload carries the full session state. Fields are raw so the
// server can hand back exactly what the editor stored.
type SnapshotPayload struct {
	Layers      json.RawMessage `json:"layers"`
	MapImage    json.RawMessage `json:"mapImage"`
	Overrides   json.RawMessage `json:"overrides"`
	LastUpdated int64           `json:"lastUpdated,omitempty"`
}

type DataPayload struct {
	Layers []document.Layer `json:"layers"`
}

type MapPayload struct {
	MapImage *string `json:"mapImage"`
}

type ConfigPayload struct {
	Overrides document.Overrides `json:"overrides"`
}

// Encode wraps payload in an envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	msg, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return msg, nil
}

// Decode parses an envelope. A missing event name is an error.
func Decode(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

// BroadcastFor maps a push event to the event its payload is relayed under.
func BroadcastFor(pushEvent string) (string, bool) {
	switch pushEvent {
	case EventPushData:
		return EventBroadcastData, true
	case EventPushMap:
		return EventBroadcastMap, true
	case EventPushConfig:
		return EventBroadcastConfig, true
	}
	return "", false
}

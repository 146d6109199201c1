package engine

import (
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/protocol"
	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/state"
)

func sendEvent(conn *state.Connection, event string, payload any) error {
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	conn.Transport.Send(msg)
	return nil
}

// fanout sends msg to every connection and returns how many accepted it.
// A connection that refuses is already being closed by its transport.
func fanout(conns []*state.Connection, msg []byte) int {
	delivered := 0
	for _, conn := range conns {
		if conn.Transport.Send(msg) {
			delivered++
		}
	}
	return delivered
}

func snapshotPayload(snap state.Snapshot) protocol.SnapshotPayload {
	p := protocol.SnapshotPayload{
		Layers:    snap.Layers,
		MapImage:  snap.MapImage,
		Overrides: snap.Overrides,
	}
	if !snap.Empty() {
		p.LastUpdated = snap.LastUpdated.UnixMilli()
	}
	return p
}

package replica

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// Query parameters of a shared map link.
const (
	ParamSession = "session"
	ParamMode    = "mode"
	ModeView     = "view"
)

// Address is what a map link tells a client to join with.
type Address struct {
	// ID is an edit id or a spectator token. The server decides which.
	ID string
	// ViewOnly is the link's hint that ID is a spectator token.
	ViewOnly bool
	// Generated is set when the link named no session and ID is fresh.
	Generated bool
}

// ParseAddress reads the session and mode parameters of a map link. A
// link without a session gets a new random edit id, which starts a new map.
func ParseAddress(rawURL string) (Address, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Address{}, fmt.Errorf("parse map link: %w", err)
	}
	q := u.Query()
	addr := Address{
		ID:       q.Get(ParamSession),
		ViewOnly: q.Get(ParamMode) == ModeView,
	}
	if addr.ID == "" {
		addr.ID = uuid.NewString()
		addr.Generated = true
		addr.ViewOnly = false
	}
	return addr, nil
}

// EditLink returns base with the edit id set. Anyone holding it can edit.
func EditLink(base, editID string) (string, error) {
	return withSession(base, editID, false)
}

// SpectatorLink returns base pointing at the session behind token in view
// mode.
func SpectatorLink(base, token string) (string, error) {
	return withSession(base, token, true)
}

func withSession(base, id string, view bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base link: %w", err)
	}
	q := u.Query()
	q.Set(ParamSession, id)
	if view {
		q.Set(ParamMode, ModeView)
	} else {
		q.Del(ParamMode)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

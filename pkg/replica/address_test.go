package replica_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/replica"
)

func TestParseAddress(t *testing.T) {
	addr, err := replica.ParseAddress("https://maps.example.com/?session=abc123")
	require.NoError(t, err)
	assert.Equal(t, replica.Address{ID: "abc123"}, addr)

	addr, err = replica.ParseAddress("https://maps.example.com/?session=xyz789&mode=view")
	require.NoError(t, err)
	assert.Equal(t, replica.Address{ID: "xyz789", ViewOnly: true}, addr)

	addr, err = replica.ParseAddress("https://maps.example.com/?mode=view")
	require.NoError(t, err)
	assert.True(t, addr.Generated)
	assert.False(t, addr.ViewOnly)
	_, err = uuid.Parse(addr.ID)
	assert.NoError(t, err)
}

func TestLinks(t *testing.T) {
	link, err := replica.SpectatorLink("https://maps.example.com/?session=abc123", "xyz789")
	require.NoError(t, err)
	addr, err := replica.ParseAddress(link)
	require.NoError(t, err)
	assert.Equal(t, replica.Address{ID: "xyz789", ViewOnly: true}, addr)

	link, err = replica.EditLink(link, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://maps.example.com/?session=abc123", link)
}

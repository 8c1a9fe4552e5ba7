package stun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("stun:stun.example.org")
	require.NoError(t, err)
	assert.Equal(t, "stun", u.Scheme)
	assert.Equal(t, "stun.example.org", u.Host)
	assert.Equal(t, 3478, u.Port)
	assert.Equal(t, "udp", u.Transport)
	assert.False(t, u.IsTURN())

	u, err = ParseURI("turn:203.0.113.1:3478?transport=tcp")
	require.NoError(t, err)
	assert.Equal(t, "turn", u.Scheme)
	assert.Equal(t, "203.0.113.1", u.Host)
	assert.Equal(t, 3478, u.Port)
	assert.Equal(t, "tcp", u.Transport)
	assert.True(t, u.IsTURN())
	assert.Equal(t, "203.0.113.1:3478", u.HostPort())

	u, err = ParseURI("turn:relay.example.org:443")
	require.NoError(t, err)
	assert.Equal(t, 443, u.Port)
}

func TestParseURIRejects(t *testing.T) {
	for _, s := range []string{
		"stuns:stun.example.org",
		"turns:relay.example.org:5349",
		"http://example.org",
		"stun:",
		"stun:host:notaport",
		"turn:host?transport=sctp",
		"nocolon",
	} {
		_, err := ParseURI(s)
		assert.Error(t, err, "expected %q to be rejected", s)
	}
}

func TestParseURIList(t *testing.T) {
	uris, err := ParseURIList("stun:a.example.org, turn:b.example.org:3479?transport=tcp")
	require.NoError(t, err)
	require.Len(t, uris, 2)
	assert.Equal(t, "a.example.org", uris[0].Host)
	assert.Equal(t, 3479, uris[1].Port)

	_, err = ParseURIList(" , ")
	assert.Error(t, err)

	_, err = ParseURIList("stun:ok.example.org,stuns:bad.example.org")
	assert.Error(t, err)
}

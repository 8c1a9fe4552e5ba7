package ice

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteral(t *testing.T) {
	r := newResolver(nil)

	ip, err := r.resolve(context.Background(), "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, net.ParseIP("10.0.0.2"), ip)

	ip, err = r.resolve(context.Background(), "2001:db8::9")
	require.NoError(t, err)
	assert.Equal(t, net.ParseIP("2001:db8::9"), ip)
}

func TestResolveLocalWithoutMdns(t *testing.T) {
	r := newResolver(nil)

	_, err := r.resolve(context.Background(), "f3a6bb08-3dd8-4b3d-a507-42e3cd3f7e40.local")
	require.Error(t, err)
	assert.Equal(t, ErrHostNotFound, errors.Cause(err))
}

func TestResolveCache(t *testing.T) {
	r := newResolver(nil)

	// Seed the cache directly; a hit must not consult the system resolver.
	want := net.ParseIP("192.0.2.55")
	r.cache.Add("primed.invalid", want)

	ip, err := r.resolve(context.Background(), "primed.invalid")
	require.NoError(t, err)
	assert.Equal(t, want, ip)
}

func TestResolveUnknownHost(t *testing.T) {
	r := newResolver(nil)

	_, err := r.resolve(context.Background(), "does-not-exist.invalid")
	require.Error(t, err)
	cause := errors.Cause(err)
	assert.True(t, cause == ErrHostNotFound || cause == ErrDNSTimeout, "got %v", err)
}

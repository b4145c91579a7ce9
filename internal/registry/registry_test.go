package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskhub/hub/internal/registry"
	"github.com/taskhub/hub/internal/repository"
)

type fakeConn struct {
	closed bool
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestIssueTokenThenValidate(t *testing.T) {
	r := registry.New(repository.NewMemoryCredentialRepository(), zap.NewNop())
	ctx := context.Background()

	token, err := r.IssueToken(ctx, "alice", 100)
	require.NoError(t, err)
	require.True(t, r.Validate(ctx, "alice", token))
	require.False(t, r.Validate(ctx, "alice", token+"x"))
	require.False(t, r.Validate(ctx, "bob", token))

	name, ok := r.LookupByToken(ctx, token)
	require.True(t, ok)
	require.Equal(t, "alice", name)
}

func TestRegisterEvictsPriorConnection(t *testing.T) {
	r := registry.New(repository.NewMemoryCredentialRepository(), zap.NewNop())
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("alice", first)
	require.True(t, r.IsConnected("alice"))

	r.Register("alice", second)
	require.True(t, first.closed, "registering a new connection must evict the prior one")
	require.False(t, second.closed)

	conn, ok := r.ConnectionFor("alice")
	require.True(t, ok)
	require.Same(t, second, conn)
}

func TestRefreshTokenRequiresOwnerMatch(t *testing.T) {
	r := registry.New(repository.NewMemoryCredentialRepository(), zap.NewNop())
	ctx := context.Background()

	_, err := r.IssueToken(ctx, "dave", 1)
	require.NoError(t, err)

	conn := &fakeConn{}
	r.Register("dave", conn)

	token, err := r.RefreshToken(ctx, "dave", 999)
	require.NoError(t, err)
	require.Empty(t, token, "refresh must fail silently for the wrong owner")
	require.False(t, conn.closed)

	token, err = r.RefreshToken(ctx, "dave", 1)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.True(t, conn.closed, "refresh by the real owner must evict the live connection")
	require.False(t, r.Validate(ctx, "dave", "stale-token"))
}

func TestUnregisterRemovesConnectionButKeepsCredential(t *testing.T) {
	r := registry.New(repository.NewMemoryCredentialRepository(), zap.NewNop())
	ctx := context.Background()
	token, err := r.IssueToken(ctx, "eve", 5)
	require.NoError(t, err)

	r.Register("eve", &fakeConn{})
	r.Unregister("eve")

	require.False(t, r.IsConnected("eve"))
	require.True(t, r.Validate(ctx, "eve", token))
}

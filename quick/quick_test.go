package quick

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/serviceflow/discovery"
)

func TestNew_StandaloneStack(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	require.NotNil(t, s.Registry)
	require.NotNil(t, s.Matcher)
	assert.Nil(t, s.Watcher)

	require.NoError(t, s.Close(context.Background()))
}

func TestNew_WithEndpoints(t *testing.T) {
	s, err := New(WithEndpoints("http://peer:8080/discover"))
	require.NoError(t, err)
	require.NotNil(t, s.Watcher)

	require.NoError(t, s.Close(context.Background()))
}

func TestNew_WithRemoteNode(t *testing.T) {
	s, err := New(WithRemoteNode("peer.internal", 8080))
	require.NoError(t, err)
	require.NotNil(t, s.Watcher)
	require.NoError(t, s.Close(context.Background()))

	_, err = New(WithRemoteNode("peer.internal", 0))
	assert.Error(t, err)

	_, err = New(WithRemoteNode("peer.internal", 70000))
	assert.Error(t, err)
}

func TestNew_AutoRefreshNeedsEndpoints(t *testing.T) {
	_, err := New(WithAutoRefresh(true))
	require.Error(t, err)
	assert.ErrorIs(t, err, discovery.ErrNoEndpoints)
}

func TestNew_MatcherConfigApplied(t *testing.T) {
	cfg := &discovery.MatcherConfig{RequiredWeight: 1, PreferredWeight: 1, VersionWeight: 1}
	s, err := New(WithMatcherConfig(cfg))
	require.NoError(t, err)
	require.NotNil(t, s.Matcher)
	require.NoError(t, s.Close(context.Background()))
}

package coord_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/coord/memtree"
)

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want coord.Code
	}{
		{nil, coord.OK},
		{coord.ErrNodeExists, coord.NodeExists},
		{fmt.Errorf("create /a: %w", coord.ErrNodeExists), coord.NodeExists},
		{coord.ErrNoNode, coord.NoNode},
		{coord.ErrBadVersion, coord.BadVersion},
		{coord.ErrConnectionLoss, coord.ConnectionLoss},
		{context.DeadlineExceeded, coord.ConnectionLoss},
		{fmt.Errorf("wrapped: %w", coord.ErrSessionExpired), coord.SessionExpired},
		{coord.ErrNotEmpty, coord.Other},
		{errors.New("boom"), coord.Other},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, coord.CodeOf(tc.err), "CodeOf(%v)", tc.err)
	}
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "/monitor/hosts/h1", coord.Join("/monitor/hosts", "h1"))
	assert.Equal(t, "/monitor/hosts/h1", coord.Join("/monitor/hosts/", "h1"))
	assert.Equal(t, "h1", coord.Base("/monitor/hosts/h1"))
	assert.Equal(t, "h1", coord.Base("h1"))
	assert.Equal(t, "/monitor", coord.Parent("/monitor/hosts"))
	assert.Equal(t, "/", coord.Parent("/monitor"))

	require.NoError(t, coord.ValidatePath("/a/b"))
	require.NoError(t, coord.ValidatePath("/"))
	assert.Error(t, coord.ValidatePath("a/b"))
	assert.Error(t, coord.ValidatePath("/a/"))
	assert.Error(t, coord.ValidatePath("/a//b"))
}

func TestEnsurePath(t *testing.T) {
	tree := memtree.New()
	s := tree.Session()
	ctx := context.Background()

	require.NoError(t, coord.EnsurePath(ctx, s, "/monitor/hosts"))
	require.NoError(t, coord.EnsurePath(ctx, s, "/monitor/hosts"))
	require.NoError(t, coord.EnsurePath(ctx, s, "/monitor/alerts"))
	assert.True(t, tree.Has("/monitor"))
	assert.True(t, tree.Has("/monitor/hosts"))
	assert.True(t, tree.Has("/monitor/alerts"))

	// ensured paths are persistent
	require.NoError(t, s.Close())
	assert.True(t, tree.Has("/monitor/hosts"))
}

func TestAsyncCompletions(t *testing.T) {
	tree := memtree.New()
	s := tree.Session()
	ctx := context.Background()
	require.NoError(t, coord.EnsurePath(ctx, s, "/alerts"))

	path, err := coord.CreateAsync(ctx, s, "/alerts/h1", nil, coord.Ephemeral).Get()
	require.NoError(t, err)
	assert.Equal(t, "/alerts/h1", path)

	_, err = coord.CreateAsync(ctx, s, "/alerts/h1", nil, coord.Ephemeral).Get()
	assert.Equal(t, coord.NodeExists, coord.CodeOf(err))

	_, err = coord.DeleteAsync(ctx, s, "/alerts/h1", coord.AnyVersion).Get()
	require.NoError(t, err)

	_, err = coord.DeleteAsync(ctx, s, "/alerts/h1", coord.AnyVersion).Get()
	assert.Equal(t, coord.NoNode, coord.CodeOf(err))

	tctx, cancel := context.WithTimeout(ctx, time.Nanosecond)
	defer cancel()
	<-tctx.Done()
	_, err = coord.CreateAsync(tctx, s, "/alerts/h2", nil, coord.Ephemeral).Get()
	assert.Equal(t, coord.ConnectionLoss, coord.CodeOf(err))
}

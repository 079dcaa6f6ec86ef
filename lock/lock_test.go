package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apphub/m/v2/apperr"
)

func TestAcquireReleaseExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ref-lock")

	h, err := Acquire(context.Background(), path, Exclusive)
	require.NoError(t, err)
	require.NoError(t, h.Release())
	// releasing twice must not error
	require.NoError(t, h.Release())
}

func TestSharedLocksDoNotBlockEachOther(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".repo-lock")

	h1, err := Acquire(context.Background(), path, Shared)
	require.NoError(t, err)
	defer h1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h2, err := Acquire(ctx, path, Shared)
	require.NoError(t, err)
	defer h2.Release()
}

func TestExclusiveBlocksUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ref-lock")

	holder, err := Acquire(context.Background(), path, Exclusive)
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	_, err = Acquire(ctx, path, Exclusive)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCancelled))
}

func TestTouchChangedCreatesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, TouchChanged(dir))
	require.NoError(t, TouchChanged(dir)) // second touch advances mtime, no error
}

func TestLayoutPaths(t *testing.T) {
	l := New("/srv/store")
	assert.Equal(t, "/srv/store/repo", l.RepoDir())
	assert.Equal(t, "/srv/store/app", l.AppDir())
	assert.Equal(t, "/srv/store/deploy", l.DeployDir())
}

package deploystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apphub/m/v2/lock"
	"apphub/m/v2/objrepo"
	"apphub/m/v2/ref"
)

func mustRef(t *testing.T, s string) ref.Ref {
	t.Helper()
	r, err := ref.Parse(s)
	require.NoError(t, err)
	return r
}

func seedCommit(t *testing.T, root string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".metadata"), []byte("[Application]\nname=org.Ed.Editor\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "export", "share", "applications"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "export", "share", "applications", "org.Ed.Editor.desktop"), []byte("[Desktop Entry]\n"), 0o644))
	commit, err := objrepo.SeedCommit(root, dir)
	require.NoError(t, err)
	return commit
}

func newTestStore(t *testing.T) (*Store, lock.Layout, *objrepo.FSRepository) {
	t.Helper()
	root := t.TempDir()
	layout := lock.New(root)
	require.NoError(t, layout.EnsureTree())
	repo := objrepo.NewFS(filepath.Join(root, "repo"))
	require.NoError(t, repo.Ensure())
	return New(layout, repo, nil), layout, repo
}

func TestDeployCreatesActiveSymlink(t *testing.T) {
	store, layout, repo := newTestStore(t)
	r := mustRef(t, "app/org.Ed.Editor/x86_64/stable")
	commit := seedCommit(t, filepath.Join(layout.Root, "repo"))

	dep, err := store.Deploy(context.Background(), r, commit, "R", nil, false)
	require.NoError(t, err)
	assert.Equal(t, commit, dep.Commit)

	active, ok, err := store.ActiveCommit(r)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, commit, active)

	_, err = os.Stat(dep.Path)
	require.NoError(t, err)

	_ = repo
}

func TestDeployRejectsDuplicateWithoutReinstall(t *testing.T) {
	store, layout, _ := newTestStore(t)
	r := mustRef(t, "app/org.Ed.Editor/x86_64/stable")
	commit := seedCommit(t, filepath.Join(layout.Root, "repo"))

	_, err := store.Deploy(context.Background(), r, commit, "R", nil, false)
	require.NoError(t, err)

	_, err = store.Deploy(context.Background(), r, commit, "R", nil, false)
	require.Error(t, err)

	_, err = store.Deploy(context.Background(), r, commit, "R", nil, true)
	require.NoError(t, err)
}

func TestUpdateExportsMirrorsCurrentApp(t *testing.T) {
	store, layout, _ := newTestStore(t)
	r := mustRef(t, "app/org.Ed.Editor/x86_64/stable")
	commit := seedCommit(t, filepath.Join(layout.Root, "repo"))

	_, err := store.Deploy(context.Background(), r, commit, "R", nil, false)
	require.NoError(t, err)
	require.NoError(t, store.MakeCurrent(r))
	require.NoError(t, store.UpdateExports(r.Name))

	exported := filepath.Join(layout.ExportsDir(), "share", "applications", "org.Ed.Editor.desktop")
	info, err := os.Lstat(exported)
	require.NoError(t, err)
	assert.True(t, info.Mode()&os.ModeSymlink != 0)

	target, err := os.Readlink(exported)
	require.NoError(t, err)
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(exported), target)
	}
	_, err = os.Stat(resolved)
	require.NoError(t, err)
}

func TestUndeployMovesToRemovedAndClearsActive(t *testing.T) {
	store, layout, _ := newTestStore(t)
	r := mustRef(t, "app/org.Ed.Editor/x86_64/stable")
	commit := seedCommit(t, filepath.Join(layout.Root, "repo"))

	_, err := store.Deploy(context.Background(), r, commit, "R", nil, false)
	require.NoError(t, err)
	require.NoError(t, store.MakeCurrent(r))
	require.NoError(t, store.UpdateExports(r.Name))

	require.NoError(t, store.Undeploy(context.Background(), r, commit, false, nil))

	_, ok, err := store.ActiveCommit(r)
	require.NoError(t, err)
	assert.False(t, ok)

	_, hasCurrent, err := store.CurrentBranch(r.Name)
	require.NoError(t, err)
	assert.False(t, hasCurrent)

	entries, err := os.ReadDir(layout.RemovedDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	exported := filepath.Join(layout.ExportsDir(), "share", "applications", "org.Ed.Editor.desktop")
	_, err = os.Lstat(exported)
	assert.True(t, os.IsNotExist(err))
}

func TestUndeployRefusesInUseWithoutForce(t *testing.T) {
	store, layout, _ := newTestStore(t)
	r := mustRef(t, "app/org.Ed.Editor/x86_64/stable")
	commit := seedCommit(t, filepath.Join(layout.Root, "repo"))

	_, err := store.Deploy(context.Background(), r, commit, "R", nil, false)
	require.NoError(t, err)

	inUse := func(ref.Ref, string) (bool, error) { return true, nil }
	err = store.Undeploy(context.Background(), r, commit, false, inUse)
	require.Error(t, err)

	err = store.Undeploy(context.Background(), r, commit, true, inUse)
	require.NoError(t, err)
}

func TestCleanupRemovedDeletesOldEntriesOnly(t *testing.T) {
	store, layout, _ := newTestStore(t)
	r := mustRef(t, "app/org.Ed.Editor/x86_64/stable")
	commit := seedCommit(t, filepath.Join(layout.Root, "repo"))

	_, err := store.Deploy(context.Background(), r, commit, "R", nil, false)
	require.NoError(t, err)
	require.NoError(t, store.Undeploy(context.Background(), r, commit, true, nil))

	entries, err := os.ReadDir(layout.RemovedDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, store.CleanupRemoved(time.Now().Add(-time.Hour)))
	entries, err = os.ReadDir(layout.RemovedDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "entry newer than cutoff must survive")

	require.NoError(t, store.CleanupRemoved(time.Now().Add(time.Hour)))
	entries, err = os.ReadDir(layout.RemovedDir())
	require.NoError(t, err)
	assert.Len(t, entries, 0)
}

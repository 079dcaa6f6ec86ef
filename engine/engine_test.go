package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apphub/m/v2/deploystore"
	"apphub/m/v2/objrepo"
	"apphub/m/v2/progress"
	"apphub/m/v2/ref"
	"apphub/m/v2/remote"
)

func seedRemote(t *testing.T, srcRoot string, r ref.Ref, content string) string {
	t.Helper()
	src := objrepo.NewFS(srcRoot)
	require.NoError(t, src.Ensure())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".metadata"), []byte("[Application]\nname="+r.Name+"\n"), 0o644))
	exportDir := filepath.Join(dir, "export", "share", "applications")
	require.NoError(t, os.MkdirAll(exportDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(exportDir, r.Name+".desktop"), []byte(content), 0o644))

	commit, err := objrepo.SeedCommit(srcRoot, dir)
	require.NoError(t, err)
	require.NoError(t, src.PublishRef("R", r, commit))
	return commit
}

func newTestInstallation(t *testing.T) *Installation {
	t.Helper()
	root := t.TempDir()
	inst, err := New(root)
	require.NoError(t, err)
	return inst
}

func TestInstallThenStatus(t *testing.T) {
	srcRoot := t.TempDir()
	r := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	c1 := seedRemote(t, srcRoot, r, "v1")

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	installed, err := inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, c1, installed.LatestKnownCommit)
	assert.True(t, installed.IsCurrent)

	exported := filepath.Join(inst.layout.ExportsDir(), "share", "applications", "org.Ed.Editor.desktop")
	_, err = os.Lstat(exported)
	require.NoError(t, err)

	status, err := inst.Status(ref.KindApp, "org.Ed.Editor", "x86_64", "stable")
	require.NoError(t, err)
	assert.Equal(t, c1, status.LatestKnownCommit)
	assert.True(t, status.IsCurrent)
}

func TestInstallTwiceWithoutReinstallFails(t *testing.T) {
	srcRoot := t.TempDir()
	r := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	seedRemote(t, srcRoot, r, "v1")

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	_, err := inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.NoError(t, err)

	_, err = inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.Error(t, err)
}

func TestUpdateDeploysNewCommitAndRetiresOld(t *testing.T) {
	srcRoot := t.TempDir()
	r := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	c1 := seedRemote(t, srcRoot, r, "v1")

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	_, err := inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.NoError(t, err)

	c2 := seedRemote(t, srcRoot, r, "v2")
	require.NotEqual(t, c1, c2)

	updated, err := inst.Update(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, c2, updated.LatestKnownCommit)

	_, err = os.Stat(inst.layout.DeployPath(r, c2))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(inst.layout.RemovedDir()))
	require.NoError(t, err)
}

func TestUpdateNoOpWhenCommitUnchanged(t *testing.T) {
	srcRoot := t.TempDir()
	r := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	c1 := seedRemote(t, srcRoot, r, "v1")

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	_, err := inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.NoError(t, err)

	var reports []int
	sink := progress.SinkFunc(func(r progress.Report) { reports = append(reports, r.Percent) })

	updated, err := inst.Update(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, sink)
	require.NoError(t, err)
	assert.Equal(t, c1, updated.LatestKnownCommit)
}

func TestUninstallRemovesDeploymentAndExports(t *testing.T) {
	srcRoot := t.TempDir()
	r := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	seedRemote(t, srcRoot, r, "v1")

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	_, err := inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.NoError(t, err)

	require.NoError(t, inst.Uninstall(context.Background(), ref.KindApp, "org.Ed.Editor", "x86_64", "stable", 0))

	_, err = inst.Status(ref.KindApp, "org.Ed.Editor", "x86_64", "stable")
	require.Error(t, err)

	exported := filepath.Join(inst.layout.ExportsDir(), "share", "applications", "org.Ed.Editor.desktop")
	_, err = os.Lstat(exported)
	assert.True(t, os.IsNotExist(err))
}

// seedExtension publishes a standalone ref under srcRoot, for use as a
// related ref discovered from a parent's metadata.
func seedExtension(t *testing.T, srcRoot string, r ref.Ref) string {
	t.Helper()
	src := objrepo.NewFS(srcRoot)
	require.NoError(t, src.Ensure())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".metadata"), []byte("[Application]\nname="+r.Name+"\n"), 0o644))
	commit, err := objrepo.SeedCommit(srcRoot, dir)
	require.NoError(t, err)
	require.NoError(t, src.PublishRef("R", r, commit))
	return commit
}

func TestInstallCoInstallsRelatedRefAndUninstallAutoprunesIt(t *testing.T) {
	srcRoot := t.TempDir()
	parent := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	autoprune := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor.Autoprune", Arch: "x86_64", Branch: "stable"}
	persistent := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor.Persistent", Arch: "x86_64", Branch: "stable"}

	autopruneCommit := seedExtension(t, srcRoot, autoprune)
	persistentCommit := seedExtension(t, srcRoot, persistent)

	src := objrepo.NewFS(srcRoot)
	dir := t.TempDir()
	metadata := "[Application]\nname=" + parent.Name + "\n" +
		"\n[Extension \"" + autoprune.Name + "\"]\nautodelete=true\n" +
		"\n[Extension \"" + persistent.Name + "\"]\nautodelete=false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".metadata"), []byte(metadata), 0o644))
	parentCommit, err := objrepo.SeedCommit(srcRoot, dir)
	require.NoError(t, err)
	require.NoError(t, src.PublishRef("R", parent, parentCommit))

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	_, err = inst.Install(context.Background(), "R", parent.Kind, parent.Name, parent.Arch, parent.Branch, nil, 0, nil)
	require.NoError(t, err)

	autopruneStatus, err := inst.Status(autoprune.Kind, autoprune.Name, autoprune.Arch, autoprune.Branch)
	require.NoError(t, err)
	assert.Equal(t, autopruneCommit, autopruneStatus.LatestKnownCommit)

	persistentStatus, err := inst.Status(persistent.Kind, persistent.Name, persistent.Arch, persistent.Branch)
	require.NoError(t, err)
	assert.Equal(t, persistentCommit, persistentStatus.LatestKnownCommit)

	require.NoError(t, inst.Uninstall(context.Background(), parent.Kind, parent.Name, parent.Arch, parent.Branch, 0))

	_, err = inst.Status(autoprune.Kind, autoprune.Name, autoprune.Arch, autoprune.Branch)
	assert.Error(t, err, "should_autoprune related ref must be uninstalled with its principal")

	_, err = inst.Status(persistent.Kind, persistent.Name, persistent.Arch, persistent.Branch)
	assert.NoError(t, err, "related ref without should_autoprune must persist")
}

func TestListInstalledRefsForUpdateFindsStaleRef(t *testing.T) {
	srcRoot := t.TempDir()
	r := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	seedRemote(t, srcRoot, r, "v1")

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	_, err := inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.NoError(t, err)

	stale, err := inst.ListInstalledRefsForUpdate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stale)

	seedRemote(t, srcRoot, r, "v2")

	stale, err = inst.ListInstalledRefsForUpdate(context.Background())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, r.Format(), stale[0].Ref.Format())
}

func TestInstallRejectsDisabledRemote(t *testing.T) {
	srcRoot := t.TempDir()
	r := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	seedRemote(t, srcRoot, r, "v1")

	inst := newTestInstallation(t)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic, Disabled: true}, nil))

	_, err := inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "x86_64", "stable", nil, 0, nil)
	require.Error(t, err)
}

func TestCheckFlagsRejectsUnknownBits(t *testing.T) {
	require.Error(t, CheckFlags(1<<30))
	require.NoError(t, CheckFlags(FlagReinstall|FlagNoPrune))
}

func TestLaunchDefaultsArchAndBranchLikeInstall(t *testing.T) {
	r, err := ref.Compose(ref.KindApp, "org.Ed.Editor", "", "")
	require.NoError(t, err)

	srcRoot := t.TempDir()
	seedRemote(t, srcRoot, r, "v1")

	root := t.TempDir()
	var launchedRef ref.Ref
	inst, err := New(root, WithLauncher(func(ctx context.Context, lr ref.Ref, rec deploystore.Record, flags Flags) error {
		launchedRef = lr
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, inst.ConfigureRemote(remote.Remote{Name: "R", URL: "file://" + srcRoot, Type: remote.TypeStatic}, nil))

	_, err = inst.Install(context.Background(), "R", ref.KindApp, "org.Ed.Editor", "", "", nil, 0, nil)
	require.NoError(t, err)

	require.NoError(t, inst.Launch(context.Background(), "org.Ed.Editor", "", "", "", 0))
	assert.Equal(t, r.Arch, launchedRef.Arch)
	assert.Equal(t, r.Branch, launchedRef.Branch)
}

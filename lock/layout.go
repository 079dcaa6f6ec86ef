package lock

import (
	"os"
	"path/filepath"

	"apphub/m/v2/apperr"
	"apphub/m/v2/ref"
)

// Layout resolves every path within an installation root to the fixed tree
// described in spec §6.1. It is pure path arithmetic; it never takes a
// lock and never itself performs I/O beyond EnsureTree.
type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: root} }

func (l Layout) RepoDir() string      { return filepath.Join(l.Root, "repo") }
func (l Layout) AppDir() string       { return filepath.Join(l.Root, "app") }
func (l Layout) RuntimeDir() string   { return filepath.Join(l.Root, "runtime") }
func (l Layout) DeployDir() string    { return filepath.Join(l.Root, "deploy") }
func (l Layout) ExportsDir() string   { return filepath.Join(l.Root, "exports") }
func (l Layout) AppstreamDir() string { return filepath.Join(l.Root, "appstream") }
func (l Layout) RemovedDir() string   { return filepath.Join(l.Root, "removed") }
func (l Layout) RemotesConf() string  { return filepath.Join(l.Root, "remotes.conf") }
func (l Layout) RepoConfig() string   { return filepath.Join(l.RepoDir(), "config") }

// kindDir returns app/ or runtime/ for r.Kind.
func (l Layout) kindDir(k ref.Kind) string {
	if k == ref.KindRuntime {
		return l.RuntimeDir()
	}
	return l.AppDir()
}

// RefDir is <root>/<kind>/<name>/<arch>/<branch>.
func (l Layout) RefDir(r ref.Ref) string {
	return filepath.Join(l.kindDir(r.Kind), r.Name, r.Arch, r.Branch)
}

// ActiveLink is the per-branch active-commit symlink.
func (l Layout) ActiveLink(r ref.Ref) string {
	return filepath.Join(l.RefDir(r), "active")
}

// CurrentLink is the per-app name current-branch symlink (apps only).
func (l Layout) CurrentLink(name string) string {
	return filepath.Join(l.AppDir(), name, "current")
}

// DeployBase is deploy/<kind>/<name>/<arch>/<branch>.
func (l Layout) DeployBase(r ref.Ref) string {
	return filepath.Join(l.DeployDir(), string(r.Kind), r.Name, r.Arch, r.Branch)
}

// DeployPath is deploy/<kind>/<name>/<arch>/<branch>/<commit>.
func (l Layout) DeployPath(r ref.Ref, commit string) string {
	return filepath.Join(l.DeployBase(r), commit)
}

// DeployActiveLink is deploy/<kind>/<name>/<arch>/<branch>/active.
func (l Layout) DeployActiveLink(r ref.Ref) string {
	return filepath.Join(l.DeployBase(r), "active")
}

// ExportsSubdirs lists the export subtrees update_exports mirrors (spec §4.5).
var ExportsSubdirs = []string{
	filepath.Join("share", "applications"),
	filepath.Join("share", "icons"),
	filepath.Join("share", "mime", "packages"),
	filepath.Join("share", "dbus-1", "services"),
}

// EnsureTree creates the fixed top-level directories of a fresh installation
// root. Safe to call on an existing installation (MkdirAll is idempotent).
func (l Layout) EnsureTree() error {
	for _, dir := range []string{
		l.RepoDir(), l.AppDir(), l.RuntimeDir(), l.DeployDir(),
		l.ExportsDir(), l.AppstreamDir(), l.RemovedDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "layout.ensureTree", err)
		}
	}
	for _, sub := range ExportsSubdirs {
		if err := os.MkdirAll(filepath.Join(l.ExportsDir(), sub), 0o755); err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "layout.ensureTree", err)
		}
	}
	return nil
}

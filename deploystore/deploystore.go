// Package deploystore implements the Deployment Store (spec §4.5): checking
// out a pulled commit into deploy/<ref>/<commit>, maintaining the
// active/current pointers and the exports symlink farm, undeploying into
// the removed/ graveyard, and reaping that graveyard.
package deploystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"apphub/m/v2/apperr"
	"apphub/m/v2/internal/obslog"
	"apphub/m/v2/lock"
	"apphub/m/v2/objrepo"
	"apphub/m/v2/ref"
)

// Record is the persisted "deploy" record written alongside each checkout
// (spec §3 Deployment: origin, subpaths, timestamp).
type Record struct {
	Origin    string    `yaml:"origin"`
	Subpaths  []string  `yaml:"subpaths,omitempty"`
	Timestamp time.Time `yaml:"timestamp"`
}

// Deployment bundles a Record with the identity and on-disk path spec §3
// groups it with.
type Deployment struct {
	Ref    ref.Ref
	Commit string
	Path   string
	Record Record
}

// Store owns deploy/, app/, runtime/ and exports/ for one installation.
// Every mutating method here must be called with the deploy-exclusive lock
// already held by the caller (spec §4.1 table) — this package does not take
// locks itself, it is the thing the locks protect.
type Store struct {
	layout lock.Layout
	repo   objrepo.Repository
	log    *obslog.Logger
}

func New(layout lock.Layout, repo objrepo.Repository, log *obslog.Logger) *Store {
	if log == nil {
		log = obslog.New(nil, obslog.LevelNone, false)
	}
	return &Store{layout: layout, repo: repo, log: log.With("deploystore")}
}

// Deploy checks out commit into deploy/<ref>/<commit>, records its origin
// and subpaths, and advances the branch's active pointer. If kind is app,
// it also rebuilds the export symlink farm for name (spec §4.5 step 6).
func (s *Store) Deploy(ctx context.Context, r ref.Ref, commit, origin string, subpaths []string, reinstall bool) (Deployment, error) {
	deployPath := s.layout.DeployPath(r, commit)

	if _, err := os.Stat(deployPath); err == nil {
		if !reinstall {
			return Deployment{}, apperr.Wrap(apperr.KindAlreadyInstalled, "deploystore.deploy",
				fmt.Errorf("%s @ %s already deployed", r.Format(), commit))
		}
		if err := os.RemoveAll(deployPath); err != nil {
			return Deployment{}, apperr.Wrap(apperr.KindIOPermanent, "deploystore.deploy", err)
		}
	}

	tmpPath := deployPath + ".tmp-" + uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(tmpPath), 0o755); err != nil {
		return Deployment{}, apperr.Wrap(apperr.KindIOPermanent, "deploystore.deploy", err)
	}
	cleanupTmp := true
	defer func() {
		if cleanupTmp {
			os.RemoveAll(tmpPath)
		}
	}()

	if err := s.repo.Checkout(ctx, commit, tmpPath, subpaths); err != nil {
		return Deployment{}, apperr.Wrap(apperr.KindIOPermanent, "deploystore.deploy", fmt.Errorf("checkout: %w", err))
	}

	rec := Record{Origin: origin, Subpaths: subpaths, Timestamp: time.Now().UTC()}
	if err := writeRecord(tmpPath, rec); err != nil {
		return Deployment{}, apperr.Wrap(apperr.KindIOPermanent, "deploystore.deploy", err)
	}

	if err := os.Rename(tmpPath, deployPath); err != nil {
		return Deployment{}, apperr.Wrap(apperr.KindIOPermanent, "deploystore.deploy", fmt.Errorf("rename into place: %w", err))
	}
	cleanupTmp = false

	if err := s.setActive(r, commit); err != nil {
		return Deployment{}, err
	}

	if r.Kind == ref.KindApp {
		if err := s.UpdateExports(r.Name); err != nil {
			return Deployment{}, err
		}
	}

	s.log.Event("deploystore.deploy", map[string]string{"ref": r.Format(), "commit": commit})
	return Deployment{Ref: r, Commit: commit, Path: deployPath, Record: rec}, nil
}

// setActive atomically swings deploy/<ref>/active to point at commit, and
// mirrors the same pointer at <kind>/<name>/<arch>/<branch>/active so a
// caller resolving through app/ or runtime/ never needs to reach into
// deploy/ directly (spec §6.1 layout).
func (s *Store) setActive(r ref.Ref, commit string) error {
	link := s.layout.DeployActiveLink(r)
	if err := symlinkAtomic(commit, link); err != nil {
		return err
	}
	return s.ensureRefActiveLink(r, commit)
}

// MakeCurrent swings app/<name>/current to point at arch/branch, the step
// install() performs for newly installed apps (spec §4.6 step 6) and update
// preserves.
func (s *Store) MakeCurrent(r ref.Ref) error {
	if r.Kind != ref.KindApp {
		return nil
	}
	target := filepath.Join(r.Arch, r.Branch)
	link := s.layout.CurrentLink(r.Name)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.makeCurrent", err)
	}
	return symlinkAtomic(target, link)
}

// Also link app/<name>/<arch>/<branch>/active — ActiveLink lives under the
// same per-branch directory the active checkout symlink resolves relative
// to (spec §6.1 layout).
func (s *Store) ensureRefActiveLink(r ref.Ref, commit string) error {
	link := s.layout.ActiveLink(r)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.ensureRefActiveLink", err)
	}
	rel, err := filepath.Rel(filepath.Dir(link), s.layout.DeployPath(r, commit))
	if err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.ensureRefActiveLink", err)
	}
	return symlinkAtomic(rel, link)
}

// UpdateExports rebuilds the exports/ entries belonging to name by mirroring
// the app's current active export/ subtree as relative symlinks, then
// removes any dangling symlinks left over in exports/ (spec §4.5). It is
// idempotent.
func (s *Store) UpdateExports(name string) error {
	branch, hasCurrent, err := s.CurrentBranch(name)
	if err != nil {
		return err
	}

	if err := s.removeExportsOwnedBy(name); err != nil {
		return err
	}

	if hasCurrent {
		deployDir, err := s.resolveAppDeployDir(name, branch)
		if err == nil {
			if err := s.mirrorExports(name, deployDir); err != nil {
				return err
			}
		}
	}

	return s.pruneDanglingExports()
}

// resolveAppDeployDir follows app/<name>/current -> <arch>/<branch>, then
// that branch's active -> <commit>, returning the live deploy directory.
func (s *Store) resolveAppDeployDir(name, archBranch string) (string, error) {
	parts := strings.SplitN(archBranch, string(filepath.Separator), 2)
	if len(parts) != 2 {
		return "", apperr.Wrap(apperr.KindCorrupt, "deploystore.resolveAppDeployDir", fmt.Errorf("malformed current pointer %q", archBranch))
	}
	arch, branch := parts[0], parts[1]
	r := ref.Ref{Kind: ref.KindApp, Name: name, Arch: arch, Branch: branch}
	commit, ok, err := s.ActiveCommit(r)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.Wrap(apperr.KindNotInstalled, "deploystore.resolveAppDeployDir", fmt.Errorf("no active commit for %s", r.Format()))
	}
	return s.layout.DeployPath(r, commit), nil
}

// mirrorExports walks <deployDir>/export/<subdir> for every known export
// subdir, symlinking each file into exports/<subdir> under the file's own
// name; an existing link of the same name is replaced.
func (s *Store) mirrorExports(name, deployDir string) error {
	exportRoot := filepath.Join(deployDir, "export")
	for _, sub := range lock.ExportsSubdirs {
		srcDir := filepath.Join(exportRoot, sub)
		entries, err := os.ReadDir(srcDir)
		if err != nil {
			continue // app exports nothing under this subdir
		}
		dstDir := filepath.Join(s.layout.ExportsDir(), sub)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "deploystore.mirrorExports", err)
		}
		for _, e := range entries {
			srcFile := filepath.Join(srcDir, e.Name())
			dstFile := filepath.Join(dstDir, e.Name())
			rel, err := filepath.Rel(dstDir, srcFile)
			if err != nil {
				return apperr.Wrap(apperr.KindIOPermanent, "deploystore.mirrorExports", err)
			}
			if err := symlinkAtomic(rel, dstFile); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeExportsOwnedBy deletes every symlink under exports/ whose target
// path contains /<name>/, so a stale entry from a previous
// current-branch doesn't linger before mirrorExports repopulates it.
func (s *Store) removeExportsOwnedBy(name string) error {
	marker := string(filepath.Separator) + name + string(filepath.Separator)
	return filepath.Walk(s.layout.ExportsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return nil
		}
		abs := target
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(filepath.Dir(path), target)
		}
		if strings.Contains(abs, marker) {
			_ = os.Remove(path)
		}
		return nil
	})
}

// pruneDanglingExports removes any symlink in exports/ that no longer
// resolves, guaranteeing spec invariant 2 ("No symlink in exports/ is
// dangling") after every successful operation.
func (s *Store) pruneDanglingExports() error {
	return filepath.Walk(s.layout.ExportsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		if _, err := os.Stat(path); err != nil {
			return os.Remove(path)
		}
		return nil
	})
}

// Undeploy moves deploy/<ref>/<commit> into removed/<ref>-<random>. If
// commit was the branch's active commit, active is re-pointed at the newest
// remaining deployment (or cleared). If r is an app and this was the
// current branch's active commit, current is dropped too (spec §4.5).
func (s *Store) Undeploy(ctx context.Context, r ref.Ref, commit string, force bool, inUse func(ref.Ref, string) (bool, error)) error {
	deployPath := s.layout.DeployPath(r, commit)
	if _, err := os.Stat(deployPath); err != nil {
		return apperr.Wrap(apperr.KindNotInstalled, "deploystore.undeploy", fmt.Errorf("%s @ %s not deployed", r.Format(), commit))
	}

	if !force && inUse != nil {
		busy, err := inUse(r, commit)
		if err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "deploystore.undeploy", err)
		}
		if busy {
			return apperr.Wrap(apperr.KindInUse, "deploystore.undeploy", fmt.Errorf("%s @ %s is in use", r.Format(), commit))
		}
	}

	removedDir := filepath.Join(s.layout.RemovedDir(), fmt.Sprintf("%s-%s", sanitizeRefForPath(r), uuid.NewString()))
	if err := os.MkdirAll(s.layout.RemovedDir(), 0o755); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.undeploy", err)
	}
	if err := os.Rename(deployPath, removedDir); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.undeploy", err)
	}
	now := time.Now()
	_ = os.Chtimes(removedDir, now, now)

	activeCommit, hasActive, err := s.ActiveCommit(r)
	if err != nil {
		return err
	}
	wasActive := hasActive && activeCommit == commit
	if wasActive {
		next, hasNext, err := s.newestRemainingCommit(r)
		if err != nil {
			return err
		}
		if hasNext {
			if err := s.setActive(r, next); err != nil {
				return err
			}
		} else {
			_ = os.Remove(s.layout.DeployActiveLink(r))
			_ = os.Remove(s.layout.ActiveLink(r))
		}
	}

	if r.Kind == ref.KindApp && wasActive {
		branch, hasCurrent, err := s.CurrentBranch(r.Name)
		if err == nil && hasCurrent && branch == filepath.Join(r.Arch, r.Branch) {
			_ = os.Remove(s.layout.CurrentLink(r.Name))
			if err := s.UpdateExports(r.Name); err != nil {
				return err
			}
		}
	}

	s.log.Event("deploystore.undeploy", map[string]string{"ref": r.Format(), "commit": commit})
	return nil
}

// CleanupRemoved deletes everything under removed/ whose rename time is
// before cutoff (spec §4.5: "older than the oldest active lock holder's
// start time" — callers pass that cutoff in, since only the engine knows
// which locks are currently held).
func (s *Store) CleanupRemoved(cutoff time.Time) error {
	entries, err := os.ReadDir(s.layout.RemovedDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.cleanupRemoved", err)
	}
	for _, e := range entries {
		path := filepath.Join(s.layout.RemovedDir(), e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.RemoveAll(path)
		}
	}
	return nil
}

// ActiveCommit reads deploy/<ref>/active.
func (s *Store) ActiveCommit(r ref.Ref) (commit string, ok bool, err error) {
	target, err := os.Readlink(s.layout.DeployActiveLink(r))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, apperr.Wrap(apperr.KindIOPermanent, "deploystore.activeCommit", err)
	}
	return filepath.Base(target), true, nil
}

// CurrentBranch reads app/<name>/current, returning "<arch>/<branch>".
func (s *Store) CurrentBranch(name string) (archBranch string, ok bool, err error) {
	target, err := os.Readlink(s.layout.CurrentLink(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, apperr.Wrap(apperr.KindIOPermanent, "deploystore.currentBranch", err)
	}
	return filepath.ToSlash(target), true, nil
}

// newestRemainingCommit scans deploy/<ref>/ for the most recently deployed
// commit directory still present (by record timestamp), for re-pointing
// active after the current one is undeployed.
func (s *Store) newestRemainingCommit(r ref.Ref) (commit string, ok bool, err error) {
	base := s.layout.DeployBase(r)
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, apperr.Wrap(apperr.KindIOPermanent, "deploystore.newestRemainingCommit", err)
	}

	type candidate struct {
		commit string
		ts     time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "active" {
			continue
		}
		rec, err := readRecord(filepath.Join(base, e.Name()))
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{commit: e.Name(), ts: rec.Timestamp})
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts.After(candidates[j].ts) })
	return candidates[0].commit, true, nil
}

// ReadRecord loads the persisted deploy record for ref at commit.
func (s *Store) ReadRecord(r ref.Ref, commit string) (Record, error) {
	return readRecord(s.layout.DeployPath(r, commit))
}

func writeRecord(deployPath string, rec Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(deployPath, "deploy"), data, 0o644)
}

func readRecord(deployPath string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(deployPath, "deploy"))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func sanitizeRefForPath(r ref.Ref) string {
	return strings.ReplaceAll(r.Format(), "/", "_")
}

// symlinkAtomic creates a symlink at link pointing at target, replacing any
// existing entry atomically via rename-over-temp (spec §3: "rewrites are
// atomic (rename-over)").
func symlinkAtomic(target, link string) error {
	tmp := link + ".tmp-" + uuid.NewString()
	if err := os.Symlink(target, tmp); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.symlinkAtomic", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindIOPermanent, "deploystore.symlinkAtomic", err)
	}
	return nil
}

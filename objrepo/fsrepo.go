package objrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"apphub/m/v2/apperr"
	"apphub/m/v2/progress"
	"apphub/m/v2/ref"
)

// FSRepository is a reference Repository implementation backed by a plain
// filesystem tree, content-addressed with sha256 (the teacher's own hashing
// choice in crypto.go, reused here for object identity instead of file
// integrity). "Remotes" for this adapter are themselves local paths — a
// stand-in for the network fetch that spec §1 places out of scope.
//
// Layout under root:
//
//	objects/<hash>/...            checked-out tree content
//	objects/<hash>/.metadata      commit metadata blob (opaque to this type)
//	refs/<remote>/<kind>/<name>/<arch>/<branch>   one file containing a commit hash
//	remotes/<name>                one file containing the remote's URL
//	remotes/<name>.gpg            one file, "true"/"false" for gpg-verify
type FSRepository struct {
	root string
}

func NewFS(root string) *FSRepository { return &FSRepository{root: root} }

func (r *FSRepository) objectsDir() string { return filepath.Join(r.root, "objects") }
func (r *FSRepository) refsDir() string    { return filepath.Join(r.root, "refs") }
func (r *FSRepository) remotesDir() string { return filepath.Join(r.root, "remotes") }

func (r *FSRepository) Ensure() error {
	for _, d := range []string{r.objectsDir(), r.refsDir(), r.remotesDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "objrepo.ensure", err)
		}
	}
	return nil
}

func (r *FSRepository) RemoteAdd(name, url string) error { return r.RemoteModify(name, url) }

func (r *FSRepository) RemoteModify(name, url string) error {
	if err := os.MkdirAll(r.remotesDir(), 0o755); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "objrepo.remoteModify", err)
	}
	return atomicWrite(filepath.Join(r.remotesDir(), name), []byte(url))
}

func (r *FSRepository) RemoteRemove(name string) error {
	if err := os.Remove(filepath.Join(r.remotesDir(), name)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.KindIOPermanent, "objrepo.remoteRemove", err)
	}
	_ = os.RemoveAll(filepath.Join(r.refsDir(), name))
	return nil
}

func (r *FSRepository) RemoteList() ([]string, error) {
	entries, err := os.ReadDir(r.remotesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindIOPermanent, "objrepo.remoteList", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasSuffix(e.Name(), ".gpg") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (r *FSRepository) RemoteGetURL(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.remotesDir(), name))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInvalidRemote, "objrepo.remoteGetURL", err)
	}
	return string(data), nil
}

func (r *FSRepository) RemoteGetGPGVerify(name string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(r.remotesDir(), name+".gpg"))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, apperr.Wrap(apperr.KindIOPermanent, "objrepo.remoteGetGPGVerify", err)
	}
	return strings.TrimSpace(string(data)) == "true", nil
}

// resolveSource returns the filesystem path a remote's URL refers to.
// Only file:// (and bare path) remotes are supported by this reference
// adapter; real network transport is the out-of-scope collaborator spec §1
// names.
func (r *FSRepository) resolveSource(remoteName string) (string, error) {
	url, err := r.RemoteGetURL(remoteName)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(url, "file://"), nil
}

func (r *FSRepository) Pull(ctx context.Context, remoteName string, refs []ref.Ref, subpaths []string, b *progress.Broker) error {
	src, err := r.resolveSource(remoteName)
	if err != nil {
		return err
	}
	srcRepo := NewFS(src)

	for i, rf := range refs {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.KindCancelled, "objrepo.pull", err)
		}
		commit, err := srcRepo.resolveRef(remoteName, rf)
		if err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "objrepo.pull", fmt.Errorf("resolving %s on %s: %w", rf.Format(), remoteName, err))
		}
		if err := r.copyObject(src, commit, subpaths); err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "objrepo.pull", err)
		}
		if err := r.setRef(remoteName, rf, commit); err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "objrepo.pull", err)
		}
		if b != nil {
			b.Update(progress.Counters{Fetched: i + 1, Requested: len(refs)})
		}
	}
	if b != nil {
		b.Finish("pull complete")
	}
	return nil
}

func (r *FSRepository) PullFromBundle(ctx context.Context, bundleFile string, remoteName string, rf ref.Ref) error {
	// A bundle, for this reference adapter, is a directory shaped like a
	// single-object repo export: bundleFile/objects/<hash>/...
	commitEntries, err := os.ReadDir(filepath.Join(bundleFile, "objects"))
	if err != nil || len(commitEntries) == 0 {
		return apperr.Wrap(apperr.KindCorrupt, "objrepo.pullFromBundle", fmt.Errorf("reading bundle objects: %v", err))
	}
	commit := commitEntries[0].Name()
	if err := r.copyObject(bundleFile, commit, nil); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "objrepo.pullFromBundle", err)
	}
	return r.setRef(remoteName, rf, commit)
}

func (r *FSRepository) PullUntrustedLocal(ctx context.Context, srcPath string, remoteName string, rf ref.Ref, subpaths []string) error {
	srcRepo := NewFS(srcPath)
	commit, err := srcRepo.resolveRef(remoteName, rf)
	if err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "objrepo.pullUntrustedLocal", err)
	}
	if err := r.copyObject(srcPath, commit, subpaths); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "objrepo.pullUntrustedLocal", err)
	}
	return r.setRef(remoteName, rf, commit)
}

func (r *FSRepository) Checkout(ctx context.Context, commit string, dst string, subpaths []string) error {
	if !isHex64(commit) {
		return apperr.Wrap(apperr.KindInvalidArgs, "objrepo.checkout", fmt.Errorf("commit %q is not a 64-char hex sha256 id", commit))
	}
	src := filepath.Join(r.objectsDir(), commit)
	if _, err := os.Stat(src); err != nil {
		return apperr.Wrap(apperr.KindCorrupt, "objrepo.checkout", fmt.Errorf("commit %s not present locally: %w", commit, err))
	}
	return copyTree(src, dst, subpaths)
}

func (r *FSRepository) ListRefs(prefix string) ([]ref.Ref, error) {
	var out []ref.Ref
	err := filepath.WalkDir(r.refsDir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(r.refsDir(), path)
		parts := strings.Split(rel, string(filepath.Separator))
		if len(parts) != 5 { // remote/kind/name/arch/branch
			return nil
		}
		full := strings.Join(parts[1:], "/")
		if prefix != "" && !strings.HasPrefix(full, prefix) {
			return nil
		}
		parsed, perr := ref.Parse(full)
		if perr != nil {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		parsed.Commit = strings.TrimSpace(string(data))
		out = append(out, parsed)
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "objrepo.listRefs", err)
	}
	return out, nil
}

// ListRemoteRefs resolves remoteName's configured URL (the same way Pull
// does) and lists every ref the remote currently advertises, keyed by its
// "kind/name/arch/branch" path. Unlike ListRefs, which only reports what
// this repository has already pulled, this queries the remote itself, so
// its result can legitimately differ from any locally cached commit, which
// is exactly the comparison ListInstalledRefsForUpdate needs to detect
// staleness.
func (r *FSRepository) ListRemoteRefs(remoteName string) (map[string]string, error) {
	src, err := r.resolveSource(remoteName)
	if err != nil {
		return nil, err
	}
	srcRepo := NewFS(src)
	base := filepath.Join(srcRepo.refsDir(), remoteName)
	out := map[string]string{}
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(base, path)
		full := filepath.ToSlash(rel)
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return rerr
		}
		out[full] = strings.TrimSpace(string(data))
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "objrepo.listRemoteRefs", err)
	}
	return out, nil
}

func (r *FSRepository) ReadCommitMetadata(commit string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(r.objectsDir(), commit, ".metadata"))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorrupt, "objrepo.readCommitMetadata", err)
	}
	return data, nil
}

func (r *FSRepository) Prune(ctx context.Context, reachable map[string]bool) error {
	entries, err := os.ReadDir(r.objectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindIOPermanent, "objrepo.prune", err)
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.KindCancelled, "objrepo.prune", err)
		}
		if reachable[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.objectsDir(), e.Name())); err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "objrepo.prune", err)
		}
	}
	return nil
}

// --- internal helpers ---

func (r *FSRepository) resolveRef(remoteName string, rf ref.Ref) (string, error) {
	path := filepath.Join(r.refsDir(), remoteName, string(rf.Kind), rf.Name, rf.Arch, rf.Branch)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// PublishRef records commit as the ref rf advertises under remoteName. On a
// real repository this happens as a side effect of a build/commit pipeline
// (out of scope, spec §1); tests and local tooling use it to seed a
// reference FSRepository acting as a "remote" source.
func (r *FSRepository) PublishRef(remoteName string, rf ref.Ref, commit string) error {
	return r.setRef(remoteName, rf, commit)
}

func (r *FSRepository) setRef(remoteName string, rf ref.Ref, commit string) error {
	if !isHex64(commit) {
		return apperr.Wrap(apperr.KindInvalidArgs, "objrepo.setRef", fmt.Errorf("commit %q is not a 64-char hex sha256 id", commit))
	}
	path := filepath.Join(r.refsDir(), remoteName, string(rf.Kind), rf.Name, rf.Arch, rf.Branch)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWrite(path, []byte(commit))
}

// isHex64 reports whether commit is a well-formed sha256 hex id, adapted
// from the teacher's hasHex64Prefix (validation.go) but requiring an exact
// match rather than a prefix: every commit id this repository writes or
// reads is a bare sha256 sum, never a longer string with a trailing suffix.
func isHex64(commit string) bool {
	if len(commit) != 64 {
		return false
	}
	for i := range commit {
		c := commit[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func (r *FSRepository) copyObject(srcRoot string, commit string, subpaths []string) error {
	dst := filepath.Join(r.objectsDir(), commit)
	if _, err := os.Stat(dst); err == nil {
		return nil // already have it
	}
	src := filepath.Join(srcRoot, "objects", commit)
	return copyTree(src, dst, subpaths)
}

// copyTree copies src into dst. When subpaths is non-empty, only files
// under one of those subpaths (plus the mandatory top-level ".metadata"
// file) are copied, matching spec §3's partial-checkout invariant.
func copyTree(src, dst string, subpaths []string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !includeInSubpaths(rel, subpaths) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func includeInSubpaths(rel string, subpaths []string) bool {
	if len(subpaths) == 0 {
		return true
	}
	if rel == ".metadata" {
		return true
	}
	for _, sp := range subpaths {
		sp = strings.TrimPrefix(sp, "/")
		if rel == sp || strings.HasPrefix(rel, sp+string(filepath.Separator)) || strings.HasPrefix(sp, rel+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// HashTree computes a deterministic sha256 content hash over dir's relative
// file paths and contents, suitable as a commit id. Grounded on the
// teacher's sha256-based hashing in crypto.go (vault/artifact integrity),
// repurposed here for content addressing instead of tamper detection.
func HashTree(dir string) (string, error) {
	var names []string
	fileHashes := map[string]string{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		if d.IsDir() {
			return nil
		}
		h := sha256.New()
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		names = append(names, rel)
		fileHashes[rel] = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Strings(names)
	top := sha256.New()
	for _, name := range names {
		fmt.Fprintf(top, "%s\x00%s\n", name, fileHashes[name])
	}
	return hex.EncodeToString(top.Sum(nil)), nil
}

// SeedCommit hashes treeDir with HashTree, copies it into repoRoot's object
// store under that hash, and returns the resulting commit id. It is a test
// and tooling helper for populating a reference FSRepository — real
// repositories compute this during build/commit, which is out of this
// module's scope (spec §1 Non-goals: "building... content").
func SeedCommit(repoRoot string, treeDir string) (string, error) {
	commit, err := HashTree(treeDir)
	if err != nil {
		return "", err
	}
	r := NewFS(repoRoot)
	if err := r.Ensure(); err != nil {
		return "", err
	}
	dst := filepath.Join(r.objectsDir(), commit)
	if _, err := os.Stat(dst); err == nil {
		return commit, nil
	}
	if err := copyTree(treeDir, dst, nil); err != nil {
		return "", err
	}
	return commit, nil
}

package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"apphub/m/v2/apperr"
	"apphub/m/v2/lock"
	"apphub/m/v2/ref"
)

// bundleManifest is the parsed header of a self-contained bundle (spec
// §4.6 install_bundle, §3 BundleRef): identity, origin, optional signing
// key, and the metadata/appstream blobs extracted alongside it.
type bundleManifest struct {
	Ref           ref.Ref
	OriginURL     string
	GPGKeyPath    string
	MetadataPath  string
	AppstreamPath string
}

// readBundleManifest reads bundlePath/manifest, a line-oriented "key=value"
// file — the same wire idiom objrepo's summary format and engine's
// repo/config use — naming the bundle's ref, origin-url, and the relative
// paths (within bundlePath) of its sidecar files.
func readBundleManifest(bundlePath string) (bundleManifest, error) {
	f, err := os.Open(filepath.Join(bundlePath, "manifest"))
	if err != nil {
		return bundleManifest{}, apperr.Wrap(apperr.KindCorrupt, "engine.readBundleManifest", err)
	}
	defer f.Close()

	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return bundleManifest{}, apperr.Wrap(apperr.KindCorrupt, "engine.readBundleManifest", err)
	}

	refStr, ok := fields["ref"]
	if !ok {
		return bundleManifest{}, apperr.Wrap(apperr.KindCorrupt, "engine.readBundleManifest", fmt.Errorf("manifest missing ref"))
	}
	r, err := ref.Parse(refStr)
	if err != nil {
		return bundleManifest{}, apperr.Wrap(apperr.KindInvalidRef, "engine.readBundleManifest", err)
	}
	originURL, ok := fields["origin-url"]
	if !ok || originURL == "" {
		return bundleManifest{}, apperr.Wrap(apperr.KindCorrupt, "engine.readBundleManifest", fmt.Errorf("manifest missing origin-url"))
	}

	return bundleManifest{
		Ref:           r,
		OriginURL:     originURL,
		GPGKeyPath:    fields["gpg-key"],
		MetadataPath:  fields["metadata"],
		AppstreamPath: fields["appstream"],
	}, nil
}

// bundleOriginRemoteName derives a dedicated origin remote name from the
// bundle's ref, so repeated InstallBundle calls for the same app reuse one
// remote rather than accumulating duplicates.
func bundleOriginRemoteName(r ref.Ref) string {
	return "bundle-" + r.Name
}

// InstallBundle implements spec §4.6 install_bundle(): opens a
// self-contained bundle, creates (or reuses) a dedicated origin remote, and
// deploys through the same path Install uses once the ref and commit are
// known.
func (inst *Installation) InstallBundle(ctx context.Context, bundlePath string, flags Flags) (ref.InstalledRef, error) {
	if err := CheckFlags(flags); err != nil {
		return ref.InstalledRef{}, err
	}

	manifest, err := readBundleManifest(bundlePath)
	if err != nil {
		return ref.InstalledRef{}, err
	}

	remoteName := bundleOriginRemoteName(manifest.Ref)
	if err := inst.repo.RemoteModify(remoteName, manifest.OriginURL); err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindIOPermanent, "engine.installBundle", err)
	}

	reinstall := flags&FlagReinstall != 0
	if _, ok, err := inst.store.ActiveCommit(manifest.Ref); err != nil {
		return ref.InstalledRef{}, err
	} else if ok && !reinstall {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindAlreadyInstalled, "engine.installBundle", fmt.Errorf("%s is already installed", manifest.Ref.Format()))
	}

	repoLock, err := inst.acquireRepoLock(ctx, lock.Shared)
	if err != nil {
		return ref.InstalledRef{}, err
	}
	defer repoLock.Release()

	if err := inst.repo.PullFromBundle(ctx, bundlePath, remoteName, manifest.Ref); err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindIOPermanent, "engine.installBundle", fmt.Errorf("pull from bundle: %w", err))
	}

	remoteRefs, err := inst.repo.ListRemoteRefs(remoteName)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindIOPermanent, "engine.installBundle", err)
	}
	commit, ok := remoteRefs[manifest.Ref.Format()]
	if !ok {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindCorrupt, "engine.installBundle", fmt.Errorf("bundle did not publish %s", manifest.Ref.Format()))
	}

	refLock, err := inst.acquireRefLock(ctx, lock.Exclusive)
	if err != nil {
		return ref.InstalledRef{}, err
	}
	defer refLock.Release()

	dep, err := inst.store.Deploy(ctx, manifest.Ref, commit, remoteName, nil, reinstall)
	if err != nil {
		return ref.InstalledRef{}, err
	}

	isCurrent := false
	if manifest.Ref.Kind == ref.KindApp {
		if err := inst.store.MakeCurrent(manifest.Ref); err != nil {
			return ref.InstalledRef{}, err
		}
		if err := inst.store.UpdateExports(manifest.Ref.Name); err != nil {
			return ref.InstalledRef{}, err
		}
		isCurrent = true
	}

	if err := inst.touchChanged(); err != nil {
		return ref.InstalledRef{}, err
	}

	inst.log.Event("engine.installBundle", map[string]string{"ref": manifest.Ref.Format(), "commit": commit})

	return ref.InstalledRef{
		Ref:               manifest.Ref,
		Origin:            remoteName,
		LatestKnownCommit: commit,
		DeployPath:        dep.Path,
		IsCurrent:         isCurrent,
	}, nil
}

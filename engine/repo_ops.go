package engine

import (
	"context"
	"fmt"
	"os"

	"apphub/m/v2/apperr"
	"apphub/m/v2/ref"
	"apphub/m/v2/summary"
)

// PruneLocalRepo implements the privileged surface's "PruneLocalRepo"
// method (spec §6.3): reclaim every object unreachable from a currently
// deployed commit.
func (inst *Installation) PruneLocalRepo(ctx context.Context) error {
	reachable, err := inst.reachableCommits()
	if err != nil {
		return err
	}
	if err := inst.repo.Prune(ctx, reachable); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "engine.pruneLocalRepo", err)
	}
	return inst.touchChanged()
}

// EnsureRepo implements "EnsureRepo": create the object store if it does
// not already exist. Idempotent, per objrepo.Repository.Ensure's contract.
func (inst *Installation) EnsureRepo() error {
	if err := inst.repo.Ensure(); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "engine.ensureRepo", err)
	}
	return nil
}

// RunTriggers implements "RunTriggers". This module has no separate
// trigger-script registry (mime/desktop/icon cache rebuilders are out of
// scope, spec §1); the closest in-scope analog is rebuilding every
// installed app's exports/ mirror, which is exactly what those triggers
// exist to keep in sync downstream.
func (inst *Installation) RunTriggers() error {
	installed, err := inst.listInstalledRefs()
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, ir := range installed {
		if ir.Ref.Kind != ref.KindApp || seen[ir.Ref.Name] {
			continue
		}
		seen[ir.Ref.Name] = true
		if err := inst.store.UpdateExports(ir.Ref.Name); err != nil {
			return err
		}
	}
	return inst.touchChanged()
}

// MergeAppstream implements "DeployAppstream"/"UpdateSummary": merge one
// remote's fetched appstream XML collection into the published
// appstream/<remote>/<arch> tree (spec §4.4).
func (inst *Installation) MergeAppstream(remoteName, arch, sourceDir string, filter summary.Filter) (summary.Result, error) {
	return summary.MergeAppstream(inst.layout, remoteName, arch, sourceDir, filter)
}

// AdoptRemoteSummary implements "UpdateRemote": verify a fetched summary
// (and optional detached signature) against the remote's trusted keys.
// objrepo.Repository has no call that persists the parsed ref map into its
// own remote-refs cache (FSRepository populates that cache only from
// Pull/PublishRef); this method therefore only verifies and returns the
// parsed refs for the caller to act on, and does not claim to update the
// adapter's cache itself (see DESIGN.md).
func (inst *Installation) AdoptRemoteSummary(summaryPath, summarySigPath string) (map[string]string, error) {
	data, err := os.ReadFile(summaryPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.adoptRemoteSummary", err)
	}
	var sig []byte
	if summarySigPath != "" {
		sig, err = os.ReadFile(summarySigPath)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.adoptRemoteSummary", err)
		}
	}
	refs, _, err := inst.repo.LoadSummary(data, sig, nil, false)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSignatureInvalid, "engine.adoptRemoteSummary", err)
	}
	return refs, nil
}

// RemoveLocalRef implements "RemoveLocalRef": forget a remote's
// advertisement of ref without touching any deployment. objrepo.Repository
// (spec §6.5) exposes no call to drop one cached ref entry — only whole
// remotes can be removed — so this is Unsupported by the adapter surface
// this module programs against rather than a silently-ignored no-op.
func (inst *Installation) RemoveLocalRef(remoteName string, r ref.Ref) error {
	return apperr.Wrap(apperr.KindUnsupported, "engine.removeLocalRef",
		fmt.Errorf("objrepo.Repository exposes no per-ref removal for remote %q", remoteName))
}

package engine

import (
	"context"
	"fmt"
	"os"

	"apphub/m/v2/apperr"
	"apphub/m/v2/ref"
	"apphub/m/v2/related"
)

// resolveRelated loads commit's metadata blob and derives the related refs
// it declares (spec §4.7), against the currently configured language list
// (spec §6.4). A missing or unreadable metadata blob is not fatal to the
// caller: it just means parent has no related refs to consider.
func (inst *Installation) resolveRelated(parent ref.Ref, commit string) ([]ref.RelatedRef, error) {
	metadata, err := inst.repo.ReadCommitMetadata(commit)
	if err != nil {
		return nil, nil
	}
	return related.Resolve(parent, metadata, inst.languages)
}

// deployRelated co-installs/co-updates every related ref parent declares
// with should_download = true (spec §3 "Related-refs coupling"). Each
// related ref is pulled and deployed independently; a failure on one is
// logged and does not fail the principal install/update, the same
// best-effort-per-item treatment ListInstalledRefsForUpdate already gives
// per-remote summary fetches.
func (inst *Installation) deployRelated(ctx context.Context, remoteName string, parent ref.Ref, commit string, flags Flags) {
	relatives, err := inst.resolveRelated(parent, commit)
	if err != nil {
		inst.log.Error("engine.deployRelated resolve", err)
		return
	}

	for _, rel := range relatives {
		if !rel.ShouldDownload {
			continue
		}
		if err := ctx.Err(); err != nil {
			return
		}
		if err := inst.deployOneRelated(ctx, remoteName, rel, flags); err != nil {
			inst.log.Error("engine.deployRelated ref="+rel.Ref.Format(), err)
		}
	}
}

func (inst *Installation) deployOneRelated(ctx context.Context, remoteName string, rel ref.RelatedRef, flags Flags) error {
	if err := inst.repo.Pull(ctx, remoteName, []ref.Ref{rel.Ref}, rel.Subpaths, nil); err != nil {
		return err
	}
	remoteRefs, err := inst.repo.ListRemoteRefs(remoteName)
	if err != nil {
		return err
	}
	commit, ok := remoteRefs[rel.Ref.Format()]
	if !ok {
		return apperr.Wrap(apperr.KindInvalidRef, "engine.deployOneRelated",
			fmt.Errorf("%s: remote %s does not advertise this related ref", rel.Ref.Format(), remoteName))
	}

	if _, err := inst.store.Deploy(ctx, rel.Ref, commit, remoteName, rel.Subpaths, true); err != nil {
		return err
	}
	if rel.Ref.Kind == ref.KindApp {
		if err := inst.store.MakeCurrent(rel.Ref); err != nil {
			return err
		}
		if err := inst.store.UpdateExports(rel.Ref.Name); err != nil {
			return err
		}
	}
	return nil
}

// uninstallRelated undeploys every related ref parent declares with
// should_autoprune = true, resolved from commit's metadata before parent
// itself is torn down (spec §3: "If a related ref has should_autoprune =
// true, uninstalling its principal ref uninstalls it; otherwise it
// persists"). Refs without should_autoprune are left installed.
func (inst *Installation) uninstallRelated(ctx context.Context, parent ref.Ref, commit string) {
	relatives, err := inst.resolveRelated(parent, commit)
	if err != nil {
		inst.log.Error("engine.uninstallRelated resolve", err)
		return
	}

	for _, rel := range relatives {
		if !rel.ShouldAutoprune {
			continue
		}
		if err := ctx.Err(); err != nil {
			return
		}
		if err := inst.uninstallOneRelated(ctx, rel.Ref); err != nil {
			inst.log.Error("engine.uninstallRelated ref="+rel.Ref.Format(), err)
		}
	}
}

func (inst *Installation) uninstallOneRelated(ctx context.Context, r ref.Ref) error {
	entries, err := os.ReadDir(inst.layout.DeployBase(r))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindIOPermanent, "engine.uninstallOneRelated", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := inst.store.Undeploy(ctx, r, e.Name(), true, nil); err != nil && !apperr.Is(err, apperr.KindNotInstalled) {
			return err
		}
	}
	if r.Kind == ref.KindApp {
		if err := inst.store.UpdateExports(r.Name); err != nil {
			return err
		}
	}
	return nil
}

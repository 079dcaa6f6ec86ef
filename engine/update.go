package engine

import (
	"context"
	"fmt"
	"time"

	"apphub/m/v2/apperr"
	"apphub/m/v2/lock"
	"apphub/m/v2/progress"
	"apphub/m/v2/ref"
)

// Update implements spec §4.6 update(): like Install but requires an
// existing deployment, honors NoPull/NoDeploy, is idempotent when the
// remote's commit matches the active one, and prunes on success.
// NoStaticDeltas is accepted by CheckFlags and has no effect: the pull path
// has no static-delta handling to turn off.
func (inst *Installation) Update(ctx context.Context, remoteName string, kind ref.Kind, name, arch, branch string, subpaths []string, flags Flags, sink progress.Sink) (ref.InstalledRef, error) {
	if err := CheckFlags(flags); err != nil {
		return ref.InstalledRef{}, err
	}

	r, err := ref.Compose(kind, name, arch, branch)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindInvalidRef, "engine.update", err)
	}

	activeCommit, ok, err := inst.store.ActiveCommit(r)
	if err != nil {
		return ref.InstalledRef{}, err
	}
	if !ok {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindNotInstalled, "engine.update", fmt.Errorf("%s is not installed", r.Format()))
	}
	rec, err := inst.store.ReadRecord(r, activeCommit)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindCorrupt, "engine.update", err)
	}
	if subpaths == nil {
		// Preserve the existing subpath set unless the caller explicitly
		// passes a new one (see DESIGN.md's Open Question decision).
		subpaths = rec.Subpaths
	}

	if flags&FlagNoPull == 0 {
		if err := inst.checkRemoteUsable(remoteName); err != nil {
			return ref.InstalledRef{}, err
		}
	}

	repoLock, err := inst.acquireRepoLock(ctx, lock.Shared)
	if err != nil {
		return ref.InstalledRef{}, err
	}
	defer repoLock.Release()

	var broker *progress.Broker
	if sink != nil {
		broker = progress.NewBroker(sink)
	}

	if flags&FlagNoPull == 0 {
		if err := inst.repo.Pull(ctx, remoteName, []ref.Ref{r}, subpaths, broker); err != nil {
			return ref.InstalledRef{}, apperr.Wrap(apperr.KindIOPermanent, "engine.update", fmt.Errorf("pull: %w", err))
		}
	}

	remoteRefs, err := inst.repo.ListRemoteRefs(remoteName)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindIOPermanent, "engine.update", err)
	}
	latestCommit, ok := remoteRefs[r.Format()]
	if !ok {
		latestCommit = activeCommit
	}

	if latestCommit == activeCommit {
		if broker != nil {
			broker.Finish("complete")
		}
		return ref.InstalledRef{
			Ref:               r,
			Origin:            rec.Origin,
			LatestKnownCommit: activeCommit,
			DeployPath:        inst.layout.DeployPath(r, activeCommit),
			Subpaths:          subpaths,
			IsCurrent:         r.Kind == ref.KindApp,
		}, nil
	}

	if flags&FlagNoDeploy != 0 {
		if broker != nil {
			broker.Finish("complete")
		}
		return ref.InstalledRef{
			Ref:               r,
			Origin:            rec.Origin,
			LatestKnownCommit: latestCommit,
			DeployPath:        inst.layout.DeployPath(r, activeCommit),
			Subpaths:          subpaths,
			IsCurrent:         r.Kind == ref.KindApp,
		}, nil
	}

	refLock, err := inst.acquireRefLock(ctx, lock.Exclusive)
	if err != nil {
		return ref.InstalledRef{}, err
	}
	defer refLock.Release()

	dep, err := inst.store.Deploy(ctx, r, latestCommit, rec.Origin, subpaths, false)
	if err != nil {
		return ref.InstalledRef{}, err
	}

	isCurrent := false
	if r.Kind == ref.KindApp {
		if err := inst.store.MakeCurrent(r); err != nil {
			inst.rollbackDeploy(ctx, r, latestCommit)
			return ref.InstalledRef{}, err
		}
		if err := inst.store.UpdateExports(r.Name); err != nil {
			inst.rollbackDeploy(ctx, r, latestCommit)
			return ref.InstalledRef{}, err
		}
		isCurrent = true
	}

	if err := inst.store.Undeploy(ctx, r, activeCommit, true, nil); err != nil {
		inst.log.Error("engine.update.retireOldCommit", err)
	}

	if flags&FlagNoPull == 0 {
		inst.deployRelated(ctx, remoteName, r, latestCommit, flags)
	}

	if flags&FlagNoPrune == 0 {
		reachable, err := inst.reachableCommits()
		if err == nil {
			if err := inst.repo.Prune(ctx, reachable); err != nil {
				inst.log.Error("engine.update.prune", err)
			}
		}
	}

	if broker != nil {
		broker.Finish("complete")
	}
	if err := inst.touchChanged(); err != nil {
		return ref.InstalledRef{}, err
	}
	_ = inst.store.CleanupRemoved(time.Now().Add(-inst.removedRetention))

	inst.log.Event("engine.update", map[string]string{"ref": r.Format(), "from": activeCommit, "to": latestCommit})

	return ref.InstalledRef{
		Ref:               r,
		Origin:            rec.Origin,
		LatestKnownCommit: latestCommit,
		DeployPath:        dep.Path,
		Subpaths:          subpaths,
		IsCurrent:         isCurrent,
	}, nil
}

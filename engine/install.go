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

// Install implements spec §4.6 install(): validate, pull under repo-shared,
// deploy under ref-exclusive, make current and export when appropriate.
func (inst *Installation) Install(ctx context.Context, remoteName string, kind ref.Kind, name, arch, branch string, subpaths []string, flags Flags, sink progress.Sink) (ref.InstalledRef, error) {
	if err := CheckFlags(flags); err != nil {
		return ref.InstalledRef{}, err
	}

	r, err := ref.Compose(kind, name, arch, branch)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindInvalidRef, "engine.install", err)
	}

	reinstall := flags&FlagReinstall != 0
	if _, ok, err := inst.store.ActiveCommit(r); err != nil {
		return ref.InstalledRef{}, err
	} else if ok && !reinstall {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindAlreadyInstalled, "engine.install", fmt.Errorf("%s is already installed", r.Format()))
	}

	if err := inst.checkRemoteUsable(remoteName); err != nil {
		return ref.InstalledRef{}, err
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
	if err := inst.repo.Pull(ctx, remoteName, []ref.Ref{r}, subpaths, broker); err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindIOPermanent, "engine.install", fmt.Errorf("pull: %w", err))
	}

	remoteRefs, err := inst.repo.ListRemoteRefs(remoteName)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindIOPermanent, "engine.install", err)
	}
	commit, ok := remoteRefs[r.Format()]
	if !ok {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindInvalidRef, "engine.install", fmt.Errorf("%s: remote %s does not advertise this ref", r.Format(), remoteName))
	}

	refLock, err := inst.acquireRefLock(ctx, lock.Exclusive)
	if err != nil {
		return ref.InstalledRef{}, err
	}
	defer refLock.Release()

	dep, err := inst.store.Deploy(ctx, r, commit, remoteName, subpaths, reinstall)
	if err != nil {
		return ref.InstalledRef{}, err
	}

	isCurrent := false
	if r.Kind == ref.KindApp {
		if err := inst.store.MakeCurrent(r); err != nil {
			inst.rollbackDeploy(ctx, r, commit)
			return ref.InstalledRef{}, err
		}
		if err := inst.store.UpdateExports(r.Name); err != nil {
			inst.rollbackDeploy(ctx, r, commit)
			return ref.InstalledRef{}, err
		}
		isCurrent = true
	}

	if flags&FlagNoPull == 0 && flags&FlagNoDeploy == 0 {
		inst.deployRelated(ctx, remoteName, r, commit, flags)
	}

	if broker != nil {
		broker.Finish("complete")
	}
	if err := inst.touchChanged(); err != nil {
		return ref.InstalledRef{}, err
	}
	_ = inst.store.CleanupRemoved(time.Now().Add(-inst.removedRetention))

	inst.log.Event("engine.install", map[string]string{"ref": r.Format(), "commit": commit, "remote": remoteName})

	return ref.InstalledRef{
		Ref:               r,
		Origin:            remoteName,
		LatestKnownCommit: commit,
		DeployPath:        dep.Path,
		Subpaths:          subpaths,
		IsCurrent:         isCurrent,
	}, nil
}

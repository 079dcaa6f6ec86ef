package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"apphub/m/v2/apperr"
	"apphub/m/v2/lock"
	"apphub/m/v2/ref"
)

// Uninstall implements spec §4.6 uninstall(): drops current if this was the
// current app branch, undeploys every commit deployed for ref, prunes
// unreachable objects, updates exports, and cleans the removed/ graveyard.
func (inst *Installation) Uninstall(ctx context.Context, kind ref.Kind, name, arch, branch string, flags Flags) error {
	if err := CheckFlags(flags); err != nil {
		return err
	}

	r, err := ref.Compose(kind, name, arch, branch)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidRef, "engine.uninstall", err)
	}

	repoLock, err := inst.acquireRepoLock(ctx, lock.Shared)
	if err != nil {
		return err
	}
	defer repoLock.Release()

	refLock, err := inst.acquireRefLock(ctx, lock.Exclusive)
	if err != nil {
		return err
	}
	defer refLock.Release()

	activeCommit, ok, err := inst.store.ActiveCommit(r)
	if err != nil {
		return err
	} else if !ok {
		return apperr.Wrap(apperr.KindNotInstalled, "engine.uninstall", fmt.Errorf("%s is not installed", r.Format()))
	}

	inst.uninstallRelated(ctx, r, activeCommit)

	entries, err := os.ReadDir(inst.layout.DeployBase(r))
	if err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "engine.uninstall", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.KindCancelled, "engine.uninstall", err)
		}
		if err := inst.store.Undeploy(ctx, r, e.Name(), true, nil); err != nil && !apperr.Is(err, apperr.KindNotInstalled) {
			return err
		}
	}

	// Removing the ref's remote-scoped pointer entries from the Repository
	// Adapter has no dedicated method on objrepo.Repository (spec §6.5's
	// listed surface has no "forget ref" call); Prune below reclaims any
	// objects the removed deployments were the last reference to.
	if flags&FlagNoPrune == 0 {
		reachable, err := inst.reachableCommits()
		if err == nil {
			if err := inst.repo.Prune(ctx, reachable); err != nil {
				inst.log.Error("engine.uninstall.prune", err)
			}
		}
	}

	if r.Kind == ref.KindApp {
		if err := inst.store.UpdateExports(r.Name); err != nil {
			return err
		}
	}

	if err := inst.touchChanged(); err != nil {
		return err
	}
	_ = inst.store.CleanupRemoved(time.Now().Add(-inst.removedRetention))

	inst.log.Event("engine.uninstall", map[string]string{"ref": r.Format()})
	return nil
}

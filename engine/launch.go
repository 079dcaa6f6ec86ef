package engine

import (
	"context"
	"fmt"

	"apphub/m/v2/apperr"
	"apphub/m/v2/lock"
	"apphub/m/v2/ref"
)

// Launch implements spec §4.6 launch(): loads the deployed record and
// invokes the caller-supplied Launcher (the opaque run_app contract, spec
// §6.6). commit may be empty to mean "the branch's active commit".
func (inst *Installation) Launch(ctx context.Context, name, arch, branch, commit string, flags Flags) error {
	if inst.launcher == nil {
		return apperr.Wrap(apperr.KindUnsupported, "engine.launch", fmt.Errorf("no launcher configured for this installation"))
	}

	r, err := ref.Compose(ref.KindApp, name, arch, branch)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidRef, "engine.launch", err)
	}

	repoLock, err := inst.acquireRepoLock(ctx, lock.Shared)
	if err != nil {
		return err
	}
	defer repoLock.Release()

	if commit == "" {
		active, ok, err := inst.store.ActiveCommit(r)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Wrap(apperr.KindNotInstalled, "engine.launch", fmt.Errorf("%s is not installed", r.Format()))
		}
		commit = active
	}

	rec, err := inst.store.ReadRecord(r, commit)
	if err != nil {
		return apperr.Wrap(apperr.KindNotInstalled, "engine.launch", err)
	}

	return inst.launcher(ctx, r, rec, flags)
}

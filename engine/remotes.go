package engine

import (
	"fmt"

	"apphub/m/v2/apperr"
	"apphub/m/v2/remote"
)

// ConfigureRemote implements the privileged surface's "ConfigureRemote"
// method (spec §6.3): persists rem to the Remote Registry (the source of
// truth for remote configuration, spec §4.3) and mirrors its URL into the
// Repository Adapter so Pull/ListRemoteRefs can resolve it.
func (inst *Installation) ConfigureRemote(rem remote.Remote, gpgKeys [][]byte) error {
	if err := inst.remotes.Modify(rem, gpgKeys); err != nil {
		return err
	}
	if err := inst.repo.RemoteModify(rem.Name, rem.URL); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "engine.configureRemote", err)
	}
	return nil
}

// RemoveRemote implements "RemoveLocalRef"'s companion remote-removal path:
// refuses to drop a remote that still owns deployments unless force is set.
func (inst *Installation) RemoveRemote(name string, force bool) error {
	hasDeployments := func(remoteName string) (bool, error) {
		installed, err := inst.listInstalledRefs()
		if err != nil {
			return false, err
		}
		for _, ir := range installed {
			if ir.Origin == remoteName {
				return true, nil
			}
		}
		return false, nil
	}
	if err := inst.remotes.Remove(name, force, hasDeployments); err != nil {
		return err
	}
	if err := inst.repo.RemoteRemove(name); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "engine.removeRemote", err)
	}
	return nil
}

// ListRemotes returns every configured remote (spec §4.3 list()).
func (inst *Installation) ListRemotes() []remote.Remote { return inst.remotes.List() }

// GetRemote returns one configured remote by name.
func (inst *Installation) GetRemote(name string) (remote.Remote, error) {
	return inst.remotes.Get(name)
}

// checkRemoteUsable rejects a disabled remote before any pull is attempted.
func (inst *Installation) checkRemoteUsable(name string) error {
	rem, err := inst.remotes.Get(name)
	if err != nil {
		return err
	}
	if rem.Disabled {
		return apperr.Wrap(apperr.KindRemoteDisabled, "engine.checkRemoteUsable", fmt.Errorf("remote %q is disabled", name))
	}
	return nil
}

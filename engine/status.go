package engine

import (
	"fmt"
	"path/filepath"

	"apphub/m/v2/apperr"
	"apphub/m/v2/ref"
)

// Status is a supplemented read operation (not in spec.md, added per
// SPEC_FULL.md §12 on the rpm-ostree "status --json" precedent): report the
// currently installed state of one ref without mutating anything.
func (inst *Installation) Status(kind ref.Kind, name, arch, branch string) (ref.InstalledRef, error) {
	r, err := ref.Compose(kind, name, arch, branch)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindInvalidRef, "engine.status", err)
	}

	commit, ok, err := inst.store.ActiveCommit(r)
	if err != nil {
		return ref.InstalledRef{}, err
	}
	if !ok {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindNotInstalled, "engine.status", fmt.Errorf("%s is not installed", r.Format()))
	}

	rec, err := inst.store.ReadRecord(r, commit)
	if err != nil {
		return ref.InstalledRef{}, apperr.Wrap(apperr.KindCorrupt, "engine.status", err)
	}

	isCurrent := false
	if r.Kind == ref.KindApp {
		archBranch, hasCurrent, err := inst.store.CurrentBranch(r.Name)
		if err != nil {
			return ref.InstalledRef{}, err
		}
		isCurrent = hasCurrent && archBranch == filepath.Join(r.Arch, r.Branch)
	}

	return ref.InstalledRef{
		Ref:               r,
		Origin:            rec.Origin,
		LatestKnownCommit: commit,
		DeployPath:        inst.layout.DeployPath(r, commit),
		Subpaths:          rec.Subpaths,
		IsCurrent:         isCurrent,
	}, nil
}

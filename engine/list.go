package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"apphub/m/v2/apperr"
	"apphub/m/v2/ref"
)

// maxConcurrentSummaryFetches bounds how many remotes' summaries are
// consulted at once (spec §5 "Long-running pull/deploy work MAY spawn
// worker threads internally").
const maxConcurrentSummaryFetches = 4

// ListInstalledRefsForUpdate implements spec §4.6: for every configured
// remote, best-effort fetch its advertised refs (per-remote failures are
// logged and skipped, never propagated — spec §4.6 "Error semantics"),
// then return every installed ref whose origin's remote-commit differs
// from the locally recorded latest-known commit.
func (inst *Installation) ListInstalledRefsForUpdate(ctx context.Context) ([]ref.InstalledRef, error) {
	remoteNames, err := inst.repo.RemoteList()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.listInstalledRefsForUpdate", err)
	}

	remoteCommit := make(map[string]string, len(remoteNames)) // "remote:ref" -> commit
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSummaryFetches)
	for _, name := range remoteNames {
		name := name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			refs, err := inst.repo.ListRemoteRefs(name)
			if err != nil {
				inst.log.Error("engine.listInstalledRefsForUpdate remote="+name, err)
				return nil
			}
			mu.Lock()
			for refStr, commit := range refs {
				remoteCommit[name+":"+refStr] = commit
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Wrap(apperr.KindCancelled, "engine.listInstalledRefsForUpdate", err)
	}

	installed, err := inst.listInstalledRefs()
	if err != nil {
		return nil, err
	}

	var stale []ref.InstalledRef
	for _, ir := range installed {
		latest, ok := remoteCommit[ir.Origin+":"+ir.Ref.Format()]
		if ok && latest != ir.LatestKnownCommit {
			stale = append(stale, ir)
		}
	}
	return stale, nil
}

// listInstalledRefs walks app/ and runtime/ for every <name>/<arch>/<branch>
// carrying an active commit, and reads back its deploy record.
func (inst *Installation) listInstalledRefs() ([]ref.InstalledRef, error) {
	var out []ref.InstalledRef
	for _, kind := range []ref.Kind{ref.KindApp, ref.KindRuntime} {
		base := inst.layout.AppDir()
		if kind == ref.KindRuntime {
			base = inst.layout.RuntimeDir()
		}

		names, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.listInstalledRefs", err)
		}
		for _, nameEntry := range names {
			if !nameEntry.IsDir() {
				continue
			}
			name := nameEntry.Name()
			arches, err := os.ReadDir(filepath.Join(base, name))
			if err != nil {
				continue
			}
			for _, archEntry := range arches {
				if !archEntry.IsDir() {
					continue
				}
				arch := archEntry.Name()
				branches, err := os.ReadDir(filepath.Join(base, name, arch))
				if err != nil {
					continue
				}
				for _, branchEntry := range branches {
					if !branchEntry.IsDir() {
						continue
					}
					ir, err := inst.Status(kind, name, arch, branchEntry.Name())
					if err != nil {
						continue
					}
					out = append(out, ir)
				}
			}
		}
	}
	return out, nil
}

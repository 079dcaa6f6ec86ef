// Package engine is the Installation Engine (spec §4.6): the orchestrating
// layer that composes lock, objrepo, deploystore, remote, related and
// summary into the public install/update/uninstall/launch surface. It
// replaces the teacher's module-level globals and CLI flow with an explicit
// *Installation handle, following spec §9's "no module-level mutable state"
// design note.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"apphub/m/v2/apperr"
	"apphub/m/v2/deploystore"
	"apphub/m/v2/internal/obslog"
	"apphub/m/v2/lock"
	"apphub/m/v2/objrepo"
	"apphub/m/v2/ref"
	"apphub/m/v2/remote"
)

// Flags is the caller-supplied bit word every public operation accepts,
// mirroring the privileged request surface's flags word (spec §6.3).
type Flags uint32

const (
	FlagReinstall Flags = 1 << iota
	FlagAppHint
	FlagInstallHint
	FlagNoPull
	FlagNoDeploy
	FlagNoStaticDeltas
	FlagNoPrune
	FlagNoTriggers
	FlagNoInteraction
	FlagBackground

	flagMask = FlagReinstall | FlagAppHint | FlagInstallHint | FlagNoPull |
		FlagNoDeploy | FlagNoStaticDeltas | FlagNoPrune | FlagNoTriggers |
		FlagNoInteraction | FlagBackground
)

// CheckFlags range-checks word against the published mask (spec §4.8 step
// 1: "unknown bits -> InvalidArgs").
func CheckFlags(word Flags) error {
	if word&^flagMask != 0 {
		return apperr.Wrap(apperr.KindInvalidArgs, "engine.checkFlags", fmt.Errorf("unrecognized flag bits 0x%x", uint32(word&^flagMask)))
	}
	return nil
}

// Launcher is the opaque app-runner contract (spec §6.6): given the
// deployed ref and its record, run it and report the outcome. The engine
// never implements process execution itself.
type Launcher func(ctx context.Context, r ref.Ref, rec deploystore.Record, flags Flags) error

// Installation is one filesystem-root installation handle (spec §9: no
// module-level globals, explicit handles only).
type Installation struct {
	layout    lock.Layout
	repo      objrepo.Repository
	store     *deploystore.Store
	remotes   *remote.Registry
	log       *obslog.Logger
	languages []string
	launcher  Launcher

	summaryConnectTimeout time.Duration
	summaryBodyTimeout    time.Duration
	removedRetention       time.Duration
}

// Option configures an Installation at construction time, the teacher's
// flat Config struct reworked as functional options over an explicit handle
// (spec §9).
type Option func(*Installation)

func WithLogger(l *obslog.Logger) Option { return func(i *Installation) { i.log = l } }

func WithRepository(repo objrepo.Repository) Option { return func(i *Installation) { i.repo = repo } }

func WithLauncher(l Launcher) Option { return func(i *Installation) { i.launcher = l } }

func WithLanguages(langs []string) Option {
	return func(i *Installation) { i.languages = append([]string(nil), langs...) }
}

// WithSummaryTimeouts overrides the stored 30s connect / 60s body summary
// timeout values. No code path in this module reads them; the repository
// adapters apply no fetch timeout of their own.
func WithSummaryTimeouts(connect, body time.Duration) Option {
	return func(i *Installation) { i.summaryConnectTimeout, i.summaryBodyTimeout = connect, body }
}

// WithRemovedRetention overrides how long a removed/ entry survives before
// Cleanup_removed deletes it. Spec §4.5 ties this to "the oldest active
// lock holder's start time"; since nothing in this module tracks concurrent
// holders' start times across processes, a conservative fixed retention
// window is the default and the honest approximation (see DESIGN.md).
func WithRemovedRetention(d time.Duration) Option {
	return func(i *Installation) { i.removedRetention = d }
}

const defaultRemovedRetention = 10 * time.Minute

// New opens (creating if necessary) the installation rooted at root.
func New(root string, opts ...Option) (*Installation, error) {
	layout := lock.New(root)
	if err := layout.EnsureTree(); err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.new", err)
	}

	inst := &Installation{
		layout:                layout,
		log:                   obslog.New(nil, obslog.LevelStandard, false),
		summaryConnectTimeout: 30 * time.Second,
		summaryBodyTimeout:    60 * time.Second,
		removedRetention:      defaultRemovedRetention,
	}
	for _, opt := range opts {
		opt(inst)
	}
	inst.log = inst.log.With("engine")

	if inst.repo == nil {
		inst.repo = objrepo.NewFS(layout.RepoDir())
	}
	if err := inst.repo.Ensure(); err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.new", err)
	}

	inst.store = deploystore.New(layout, inst.repo, inst.log)

	reg, err := remote.Open(layout.RemotesConf(), inst.log)
	if err != nil {
		return nil, err
	}
	inst.remotes = reg

	if inst.languages == nil {
		langs, err := readLanguages(layout.RepoConfig())
		if err != nil {
			return nil, err
		}
		inst.languages = langs
	}

	return inst, nil
}

// Configure implements the privileged surface's "Configure" method (spec
// §6.3): only key="languages" is accepted.
func (inst *Installation) Configure(key, value string) error {
	if key != "languages" {
		return apperr.Wrap(apperr.KindInvalidArgs, "engine.configure", fmt.Errorf("unsupported configuration key %q", key))
	}
	langs := splitCSV(value)
	if err := writeLanguages(inst.layout.RepoConfig(), langs); err != nil {
		return err
	}
	inst.languages = langs
	return nil
}

// Languages returns the currently configured language list (spec §6.4,
// consulted by the Related-Refs Resolver).
func (inst *Installation) Languages() []string { return append([]string(nil), inst.languages...) }

func (inst *Installation) touchChanged() error {
	return lock.TouchChanged(inst.layout.Root)
}

// acquire wraps lock.Acquire against this installation's root-relative lock
// files, so operation code reads as "acquire repo shared" / "acquire ref
// exclusive" per the lock-intent table (spec §4.1/§4.6).
func (inst *Installation) acquireRepoLock(ctx context.Context, mode lock.Mode) (*lock.Handle, error) {
	return lock.Acquire(ctx, lock.RepoLockPath(inst.layout.Root), mode)
}

func (inst *Installation) acquireRefLock(ctx context.Context, mode lock.Mode) (*lock.Handle, error) {
	return lock.Acquire(ctx, lock.RefLockPath(inst.layout.Root), mode)
}

// reachableCommits scans deploy/{app,runtime}/... for every commit
// directory still present, the input Prune needs to reclaim objects no
// deployment references any longer (spec §4.5/§4.6; the adapter does not
// know the deploy tree, per objrepo.Repository's Prune doc comment).
func (inst *Installation) reachableCommits() (map[string]bool, error) {
	reachable := map[string]bool{}
	for _, kindDir := range []string{"app", "runtime"} {
		base := filepath.Join(inst.layout.DeployDir(), kindDir)
		err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !info.IsDir() {
				return nil
			}
			if _, statErr := os.Stat(filepath.Join(path, "deploy")); statErr == nil {
				reachable[filepath.Base(path)] = true
			}
			return nil
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIOPermanent, "engine.reachableCommits", err)
		}
	}
	return reachable, nil
}

// rollbackDeploy best-effort undeploys commit after a failure past spec
// §4.6 step 6 (the deploy base has already been created), so a failed
// MakeCurrent/UpdateExports doesn't leave an orphaned deployed-but-never-
// curated directory behind (spec §4.6 step 8: "On any failure after step 6
// begins, roll back the created deploy base").
func (inst *Installation) rollbackDeploy(ctx context.Context, r ref.Ref, commit string) {
	if err := inst.store.Undeploy(ctx, r, commit, true, nil); err != nil {
		inst.log.Error("engine.rollbackDeploy ref="+r.Format(), err)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

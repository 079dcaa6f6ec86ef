// Package objrepo is the Repository Adapter (spec §6.5): a thin, typed
// facade over an external content-addressed object store. All network I/O
// and signature verification live here; everything above this package
// treats commits and refs as opaque content-addressed values.
package objrepo

import (
	"context"

	"apphub/m/v2/progress"
	"apphub/m/v2/ref"
)

// Repository is the full adapter surface consumed by the engine (spec
// §6.5). The corpus treats the underlying object store and network fetcher
// as an external collaborator (spec §1 "Out of scope"); this interface is
// the contract the engine programs against, and FSRepository below is a
// reference implementation used by this module's own tests and suitable as
// a starting adapter over a plain filesystem-mirrored remote.
type Repository interface {
	Ensure() error

	RemoteAdd(name, url string) error
	RemoteModify(name, url string) error
	RemoteRemove(name string) error
	RemoteList() ([]string, error)
	RemoteGetURL(name string) (string, error)
	RemoteGetGPGVerify(name string) (bool, error)

	// Pull fetches refs (optionally restricted to subpaths) from remoteName
	// into the local object store, advancing the remote's recorded refs.
	Pull(ctx context.Context, remoteName string, refs []ref.Ref, subpaths []string, b *progress.Broker) error
	PullFromBundle(ctx context.Context, bundleFile string, remoteName string, r ref.Ref) error
	PullUntrustedLocal(ctx context.Context, srcPath string, remoteName string, r ref.Ref, subpaths []string) error

	// Checkout materializes commit's tree into dst, restricted to subpaths
	// when non-empty.
	Checkout(ctx context.Context, commit string, dst string, subpaths []string) error

	ListRefs(prefix string) ([]ref.Ref, error)
	ListRemoteRefs(remoteName string) (map[string]string, error) // full ref string -> commit

	ReadCommitMetadata(commit string) ([]byte, error)

	// Prune deletes every object not reachable from reachable (the set of
	// commits the caller still needs, typically every active/partially
	// retained deployment). The caller — the Installation Engine — owns
	// computing reachability from its own deploy tree; the adapter only
	// knows about objects (spec §4.5 "Destroy", §4.6 uninstall/update).
	Prune(ctx context.Context, reachable map[string]bool) error

	// LoadSummary parses a downloaded summary (and optional detached
	// signature) into its ref->commit map and opaque metadata variants.
	LoadSummary(data []byte, sig []byte, trustedKeys [][]byte, requireSig bool) (refs map[string]string, metadata map[string]string, err error)
}

// Package remote implements the Remote Registry (spec §4.3): persisted
// remote configuration in remotes.conf, with commit-on-modify semantics.
package remote

import (
	"fmt"
	"os"
	"sort"

	"apphub/m/v2/apperr"
	"apphub/m/v2/internal/obslog"
)

// Type distinguishes where a remote's content comes from. Only Static is
// ever persisted to remotes.conf (spec §3 Remote); Lan and Usb describe
// remotes discovered at runtime by mechanisms outside this module's scope.
type Type int

const (
	TypeStatic Type = iota
	TypeLAN
	TypeUSB
)

// Remote is the persisted configuration for one source of refs and commits
// (spec §3).
type Remote struct {
	Name               string
	URL                string
	CollectionID       string
	Title              string
	DefaultBranch      string
	GPGVerify          bool
	GPGVerifySummary   bool
	NoEnumerate        bool
	NoDeps             bool
	Disabled           bool
	Priority           int
	Type               Type
	GPGKeys            [][]byte // trusted keys, in-memory only; not in remotes.conf
}

// Registry owns remotes.conf for one installation root.
type Registry struct {
	path string
	log  *obslog.Logger

	remotes map[string]Remote
	order   []string // insertion order, for stable tie-breaking on equal priority
}

// Open loads remotes.conf, creating an empty registry in memory if the file
// does not yet exist (a fresh install has none).
func Open(path string, log *obslog.Logger) (*Registry, error) {
	if log == nil {
		log = obslog.New(nil, obslog.LevelNone, false)
	}
	r := &Registry{path: path, log: log.With("remote"), remotes: map[string]Remote{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, apperr.Wrap(apperr.KindIOPermanent, "remote.open", err)
	}

	groups, order, err := parseINI(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCorrupt, "remote.open", err)
	}
	for _, name := range order {
		rem, err := groupToRemote(name, groups[name])
		if err != nil {
			return nil, apperr.Wrap(apperr.KindCorrupt, "remote.open", fmt.Errorf("remote %q: %w", name, err))
		}
		r.remotes[name] = rem
		r.order = append(r.order, name)
	}
	return r, nil
}

// List returns all remotes sorted by descending priority, ties broken by
// insertion order (spec §4.3).
func (r *Registry) List() []Remote {
	out := make([]Remote, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.remotes[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// Get returns the remote by name.
func (r *Registry) Get(name string) (Remote, error) {
	rem, ok := r.remotes[name]
	if !ok {
		return Remote{}, apperr.Wrap(apperr.KindInvalidRemote, "remote.get", fmt.Errorf("no such remote %q", name))
	}
	return rem, nil
}

// Modify creates or updates a remote and commits the registry to disk
// atomically. Only TypeStatic remotes may be persisted; a non-empty URL is
// required (spec §4.3). gpgKeys, when non-nil, replaces the trusted key set.
func (r *Registry) Modify(rem Remote, gpgKeys [][]byte) error {
	if rem.Type != TypeStatic {
		return apperr.Wrap(apperr.KindUnsupported, "remote.modify", fmt.Errorf("only static remotes are persisted, got type %d", rem.Type))
	}
	if rem.URL == "" {
		return apperr.Wrap(apperr.KindInvalidRemote, "remote.modify", fmt.Errorf("url must not be empty"))
	}
	if rem.Name == "" {
		return apperr.Wrap(apperr.KindInvalidRemote, "remote.modify", fmt.Errorf("name must not be empty"))
	}
	if rem.Priority == 0 {
		rem.Priority = 1
	}
	if gpgKeys != nil {
		rem.GPGKeys = gpgKeys
	} else if existing, ok := r.remotes[rem.Name]; ok {
		rem.GPGKeys = existing.GPGKeys
	}

	_, existed := r.remotes[rem.Name]
	r.remotes[rem.Name] = rem
	if !existed {
		r.order = append(r.order, rem.Name)
	}

	if err := r.commit(); err != nil {
		return err
	}
	r.log.Event("remote.modify", map[string]string{"name": rem.Name})
	return nil
}

// Remove deletes a remote. It refuses to remove a remote that is the origin
// of any deployed ref unless force is set — that check is the caller's
// (engine's) responsibility since it requires deployment-store state this
// package does not have; hasDeployments lets callers plug that check in.
func (r *Registry) Remove(name string, force bool, hasDeployments func(remoteName string) (bool, error)) error {
	if _, ok := r.remotes[name]; !ok {
		return apperr.Wrap(apperr.KindInvalidRemote, "remote.remove", fmt.Errorf("no such remote %q", name))
	}
	if !force && hasDeployments != nil {
		inUse, err := hasDeployments(name)
		if err != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "remote.remove", err)
		}
		if inUse {
			return apperr.Wrap(apperr.KindInUse, "remote.remove", fmt.Errorf("remote %q has deployed refs; use force", name))
		}
	}

	delete(r.remotes, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if err := r.commit(); err != nil {
		return err
	}
	r.log.Event("remote.remove", map[string]string{"name": name})
	return nil
}

// commit builds a new remotes.conf image in memory, fsyncs it to a temp
// file, and renames over the live file (spec §4.3 "Commit is transactional").
func (r *Registry) commit() error {
	data := serializeINI(r.remotes, r.order)
	return atomicWriteFile(r.path, data)
}

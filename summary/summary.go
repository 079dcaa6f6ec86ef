// Package summary implements the appstream half of spec §4.4: merging
// per-app appstream XML documents mirrored locally from a remote into one
// filtered, rewritten index, and atomically publishing it under
// appstream/<remote>/<arch>/. Summary fetch/parse/signature-verification
// itself lives in objrepo (spec §6.5 places that on the Repository Adapter);
// this package starts from the already-fetched, already-mirrored XML files.
package summary

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"apphub/m/v2/apperr"
	"apphub/m/v2/lock"
)

// Filter controls which source components survive the merge and how their
// <id> is rewritten to match an installed ref.
type Filter struct {
	Allow *regexp.Regexp // nil means allow everything
	Deny  *regexp.Regexp // nil means deny nothing
}

func (f Filter) accepts(componentID string) bool {
	if f.Deny != nil && f.Deny.MatchString(componentID) {
		return false
	}
	if f.Allow != nil && !f.Allow.MatchString(componentID) {
		return false
	}
	return true
}

// Result reports what MergeAppstream did.
type Result struct {
	Changed   bool
	Timestamp string
	Dir       string
}

// MergeAppstream reads every *.xml file in sourceDir (a local mirror of the
// remote's appstream/<arch>/ tree), filters and rewrites component ids
// (appending ".desktop" to every id that does not already end in it, as
// spec §4.4 requires), and splices the survivors into one <components>
// document. It writes both an uncompressed and a gzip-compressed copy under
// appstream/<remote>/<arch>/<timestamp>/, and only swings active forward
// (and touches .timestamp) when the merged content's hash differs from the
// currently active one — a hash match leaves both files and the pointer
// untouched and reports Changed=false (spec §4.4).
func MergeAppstream(layout lock.Layout, remoteName, arch, sourceDir string, filter Filter) (Result, error) {
	doc, err := mergeDocuments(sourceDir, filter)
	if err != nil {
		return Result{}, err
	}

	plain, err := doc.WriteToBytes()
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindCorrupt, "summary.mergeAppstream", err)
	}
	hash := contentHash(plain)

	base := filepath.Join(layout.AppstreamDir(), remoteName, arch)
	hashFile := filepath.Join(base, ".hash")

	if existing, err := os.ReadFile(hashFile); err == nil && strings.TrimSpace(string(existing)) == hash {
		return Result{Changed: false}, nil
	}

	timestamp := uuid.NewString()
	dir := filepath.Join(base, timestamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, apperr.Wrap(apperr.KindIOPermanent, "summary.mergeAppstream", err)
	}

	gz, err := gzipBytes(plain)
	if err != nil {
		return Result{}, err
	}

	if err := os.WriteFile(filepath.Join(dir, "appstream.xml"), plain, 0o644); err != nil {
		return Result{}, apperr.Wrap(apperr.KindIOPermanent, "summary.mergeAppstream", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "appstream.xml.gz"), gz, 0o644); err != nil {
		return Result{}, apperr.Wrap(apperr.KindIOPermanent, "summary.mergeAppstream", err)
	}

	if err := swingActive(base, timestamp); err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(hashFile, []byte(hash), 0o644); err != nil {
		return Result{}, apperr.Wrap(apperr.KindIOPermanent, "summary.mergeAppstream", err)
	}
	if err := touchTimestamp(base); err != nil {
		return Result{}, err
	}

	return Result{Changed: true, Timestamp: timestamp, Dir: dir}, nil
}

// mergeDocuments reads every *.xml file in sourceDir, keeps only the
// <component> elements whose id filter.accepts, rewrites their <id> to end
// in ".desktop", and splices them into one <components> root in a
// deterministic (sorted by source filename) order.
func mergeDocuments(sourceDir string, filter Filter) (*etree.Document, error) {
	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "summary.mergeDocuments", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".xml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := etree.NewDocument()
	root := out.CreateElement("components")

	for _, name := range names {
		src := etree.NewDocument()
		if err := src.ReadFromFile(filepath.Join(sourceDir, name)); err != nil {
			return nil, apperr.Wrap(apperr.KindCorrupt, "summary.mergeDocuments", fmt.Errorf("%s: %w", name, err))
		}
		for _, comp := range src.FindElements("//component") {
			idElem := comp.SelectElement("id")
			if idElem == nil {
				continue
			}
			id := strings.TrimSpace(idElem.Text())
			if id == "" || !filter.accepts(id) {
				continue
			}
			idElem.SetText(rewriteComponentID(id))
			root.AddChild(comp.Copy())
		}
	}
	out.Indent(2)
	return out, nil
}

// rewriteComponentID appends ".desktop" when id does not already end in
// ".desktop", matching installed app ref ids
// (spec §4.4 "rewrite per-component <id> to match the installed ref id").
func rewriteComponentID(id string) string {
	if strings.HasSuffix(id, ".desktop") {
		return id
	}
	return id + ".desktop"
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "summary.gzipBytes", err)
	}
	if err := w.Close(); err != nil {
		return nil, apperr.Wrap(apperr.KindIOPermanent, "summary.gzipBytes", err)
	}
	return buf.Bytes(), nil
}

// swingActive atomically repoints base/active at timestamp via
// rename-over-temp-symlink, the same pattern deploystore's symlinkAtomic uses.
func swingActive(base, timestamp string) error {
	link := filepath.Join(base, "active")
	tmp := link + ".tmp-" + uuid.NewString()
	if err := os.Symlink(timestamp, tmp); err != nil {
		return apperr.Wrap(apperr.KindIOPermanent, "summary.swingActive", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return apperr.Wrap(apperr.KindIOPermanent, "summary.swingActive", err)
	}
	return nil
}

// touchTimestamp updates base/.timestamp's mtime (creating it if absent),
// the same Chtimes-or-create idiom lock.TouchChanged uses for its own
// sentinel file.
func touchTimestamp(base string) error {
	path := filepath.Join(base, ".timestamp")
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if !os.IsNotExist(err) {
			return apperr.Wrap(apperr.KindIOPermanent, "summary.touchTimestamp", err)
		}
		f, createErr := os.Create(path)
		if createErr != nil {
			return apperr.Wrap(apperr.KindIOPermanent, "summary.touchTimestamp", createErr)
		}
		f.Close()
	}
	return nil
}

// Package related implements the Related-Refs Resolver (spec §4.7): given a
// ref's metadata blob, it derives the extension refs that must travel with
// it — locale splits, optional/no-autodownload extensions, and ones marked
// for automatic removal. Resolution is pure: no network fetch, no locking,
// just parsing plus a pass over the configured language list.
package related

import (
	"bufio"
	"strings"

	"apphub/m/v2/apperr"
	"apphub/m/v2/ref"
)

// Extension is one declared `[Extension "<id>"]` section of a metadata file.
type Extension struct {
	ID             string
	Version        string
	Subdirectories bool
	NoAutodownload bool
	Autodelete     bool
	LocaleSubset   bool
}

// ParseExtensions scans a metadata blob for `[Extension "<id>"]` groups,
// using the same line-oriented group/key=value grammar as remote/ini.go
// (flatpak metadata and the remotes.conf registry share the same INI-ish
// shape; this module reuses the idiom rather than the code, since the two
// parsers key on different group syntax: `[remote "x"]` vs `[Extension "x"]`
// with no shared schema).
func ParseExtensions(metadata []byte) ([]Extension, error) {
	var extensions []Extension
	var current *Extension

	flush := func() {
		if current != nil {
			extensions = append(extensions, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(metadata)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			if id, ok := extensionID(line); ok {
				current = &Extension{ID: id}
			}
			continue
		}
		if current == nil {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		switch k {
		case "version":
			current.Version = v
		case "subdirectories":
			current.Subdirectories = isTrue(v)
		case "no-autodownload":
			current.NoAutodownload = isTrue(v)
		case "autodelete":
			current.Autodelete = isTrue(v)
		case "locale-subset":
			current.LocaleSubset = isTrue(v)
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindCorrupt, "related.parseExtensions", err)
	}
	return extensions, nil
}

// extensionID extracts id from a `[Extension "id"]` header line.
func extensionID(header string) (string, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(header, "["), "]")
	kind, rest, ok := strings.Cut(inner, " ")
	if !ok || !strings.EqualFold(kind, "Extension") {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// Resolve derives the RelatedRefs of parent from its metadata blob. Plain
// extensions produce one RelatedRef sharing parent's arch and branch;
// locale-subset extensions instead produce one RelatedRef per language in
// languages, each restricted to that language's subpath and branched on the
// language code (spec §4.7: "materializing one RelatedRef per matching
// locale branch").
func Resolve(parent ref.Ref, metadata []byte, languages []string) ([]ref.RelatedRef, error) {
	extensions, err := ParseExtensions(metadata)
	if err != nil {
		return nil, err
	}

	var out []ref.RelatedRef
	for _, ext := range extensions {
		if ext.LocaleSubset {
			for _, lang := range languages {
				lang = strings.TrimSpace(lang)
				if lang == "" {
					continue
				}
				out = append(out, ref.RelatedRef{
					Ref: ref.Ref{
						Kind:   parent.Kind,
						Name:   ext.ID,
						Arch:   parent.Arch,
						Branch: lang,
					},
					Subpaths:        []string{lang},
					ShouldDownload:  !ext.NoAutodownload,
					ShouldDelete:    ext.Autodelete,
					ShouldAutoprune: ext.Autodelete,
				})
			}
			continue
		}

		var subpaths []string
		if ext.Subdirectories {
			subpaths = nil // full tree; subdirectories=true describes the extension's own layout, not a checkout restriction
		}
		out = append(out, ref.RelatedRef{
			Ref: ref.Ref{
				Kind:   parent.Kind,
				Name:   ext.ID,
				Arch:   parent.Arch,
				Branch: parent.Branch,
			},
			Subpaths:        subpaths,
			ShouldDownload:  !ext.NoAutodownload,
			ShouldDelete:    ext.Autodelete,
			ShouldAutoprune: ext.Autodelete,
		})
	}
	return out, nil
}

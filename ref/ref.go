// Package ref implements the Ref value model: parsing, formatting, and the
// tagged-variant extensions (InstalledRef, RemoteRef, BundleRef, RelatedRef)
// described in spec §3 and §4.2. It is pure data plus grammar — no I/O, no
// locking, no network.
package ref

import (
	"fmt"
	"runtime"
	"strings"

	"apphub/m/v2/apperr"
)

// Kind distinguishes the two distributable unit kinds the store manages.
type Kind string

const (
	KindApp     Kind = "app"
	KindRuntime Kind = "runtime"
)

const defaultBranch = "master"

// OstreeMetadataName is the one reserved ref name exempted from the
// reverse-DNS name grammar: a per-remote bookkeeping ref carrying appstream
// and icon data, never an actual app or runtime (spec §6.3: "All
// ref-metadata refs (a reserved ostree-metadata ref name) escalate to
// metadata-update").
const OstreeMetadataName = "ostree-metadata"

// Ref is the immutable four-part identifier <kind>/<name>/<arch>/<branch>.
// Commit, when set, pins it to a specific content-addressed tree.
type Ref struct {
	Kind   Kind
	Name   string
	Arch   string
	Branch string
	Commit string // 64-hex, optional on query-side refs
}

// Format renders the canonical wire form. Total for any Ref that round-trips
// through Parse; Commit is not part of the wire form.
func (r Ref) Format() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.Kind, r.Name, r.Arch, r.Branch)
}

func (r Ref) String() string { return r.Format() }

// hostArch returns the machine tag used when Compose is not given an
// explicit arch. Mirrors the teacher's preference for an explicit,
// testable function over a package-level constant so tests can't be
// surprised by the build machine's GOARCH.
func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

// Compose builds a Ref from parts, applying the arch/branch defaults spec §3
// describes. Returns an InvalidRef-kind error if the assembled ref fails the
// grammar.
func Compose(kind Kind, name, arch, branch string) (Ref, error) {
	if arch == "" {
		arch = hostArch()
	}
	if branch == "" {
		branch = defaultBranch
	}
	r := Ref{Kind: kind, Name: name, Arch: arch, Branch: branch}
	if err := validate(r); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// Parse decodes a canonical "<kind>/<name>/<arch>/<branch>" wire form,
// enforcing the full grammar of spec §3. The offending element is named in
// the returned error when possible.
func Parse(full string) (Ref, error) {
	parts := strings.Split(full, "/")
	if len(parts) != 4 {
		return Ref{}, apperr.Wrap(apperr.KindInvalidRef, "ref.parse",
			fmt.Errorf("expected 4 slash-separated elements, got %d in %q", len(parts), full))
	}

	var kind Kind
	switch parts[0] {
	case "app":
		kind = KindApp
	case "runtime":
		kind = KindRuntime
	default:
		return Ref{}, apperr.Wrap(apperr.KindInvalidRef, "ref.parse",
			fmt.Errorf("element 1 (kind) must be %q or %q, got %q", KindApp, KindRuntime, parts[0]))
	}

	r := Ref{Kind: kind, Name: parts[1], Arch: parts[2], Branch: parts[3]}
	if err := validate(r); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// validate enforces the per-element grammar from spec §3. It never mutates
// r; arch/branch defaulting is Compose's job, not Parse's.
func validate(r Ref) error {
	if err := validateName(r.Name); err != nil {
		return apperr.Wrap(apperr.KindInvalidRef, "ref.validate", fmt.Errorf("name: %w", err))
	}
	if r.Arch == "" {
		return apperr.Wrap(apperr.KindInvalidRef, "ref.validate", fmt.Errorf("arch: must not be empty"))
	}
	if err := validateBranch(r.Branch); err != nil {
		return apperr.Wrap(apperr.KindInvalidRef, "ref.validate", fmt.Errorf("branch: %w", err))
	}
	if r.Commit != "" {
		if !isHex64(r.Commit) {
			return apperr.Wrap(apperr.KindInvalidRef, "ref.validate", fmt.Errorf("commit: must be 64 hex characters"))
		}
	}
	return nil
}

// validateName enforces the reverse-DNS grammar: >=3 dot-separated
// elements, each starting with [A-Za-z_] and continuing with
// [A-Za-z0-9_], total length <=255.
func validateName(name string) error {
	if name == OstreeMetadataName {
		return nil
	}
	if len(name) == 0 || len(name) > 255 {
		return fmt.Errorf("length must be 1..255, got %d", len(name))
	}
	elements := strings.Split(name, ".")
	if len(elements) < 3 {
		return fmt.Errorf("must have at least 3 dot-separated elements, got %d (%q)", len(elements), name)
	}
	for i, el := range elements {
		if el == "" {
			return fmt.Errorf("element %d is empty", i+1)
		}
		if !isNameStart(el[0]) {
			return fmt.Errorf("element %d (%q) must start with a letter or underscore", i+1, el)
		}
		for j := 1; j < len(el); j++ {
			if !isNameCont(el[j]) {
				return fmt.Errorf("element %d (%q) has invalid character %q at position %d", i+1, el, string(el[j]), j)
			}
		}
	}
	return nil
}

func isNameStart(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '_'
}

func isNameCont(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

// validateBranch enforces "[A-Za-z0-9_-] initial, [A-Za-z0-9_\-.] thereafter;
// non-empty".
func validateBranch(branch string) error {
	if branch == "" {
		return fmt.Errorf("must not be empty")
	}
	if !isBranchStart(branch[0]) {
		return fmt.Errorf("must start with a letter, digit, underscore or hyphen, got %q", string(branch[0]))
	}
	for i := 1; i < len(branch); i++ {
		if !isBranchCont(branch[i]) {
			return fmt.Errorf("invalid character %q at position %d", string(branch[i]), i)
		}
	}
	return nil
}

func isBranchStart(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

func isBranchCont(c byte) bool {
	return isBranchStart(c) || c == '.'
}

// isHex64 reports whether s is exactly 64 lowercase-or-uppercase hex
// characters. Grounded on the teacher's validation.go hasHex64Prefix /
// isHex40 byte-scanning style.
func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// HasNamePrefix reports whether s equals name or begins with name followed
// by '.' or a non-name character (spec §4.2).
func HasNamePrefix(s, name string) bool {
	if s == name {
		return true
	}
	if !strings.HasPrefix(s, name) {
		return false
	}
	rest := s[len(name):]
	if rest == "" {
		return true
	}
	if rest[0] == '.' {
		return true
	}
	return !isNameCont(rest[0])
}

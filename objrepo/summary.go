package objrepo

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"apphub/m/v2/apperr"
)

// LoadSummary parses a downloaded summary into (refs, metadata). The wire
// format here is a simple line-oriented container — "ref=commit" lines and
// "#meta key=value" comment-prefixed metadata lines — standing in for the
// versioned binary container spec §4.4 describes; the parsing/verification
// boundary is what this module actually specifies (spec §6.5 "Signatures
// and trust verification are fully the Adapter's responsibility").
//
// When requireSig is true, sig must verify against one of trustedKeys
// (ASCII-armored or binary OpenPGP public keys) or this returns a
// SignatureInvalid error and no refs/metadata — a verification failure is
// fatal for the fetch (spec §4.4).
func (r *FSRepository) LoadSummary(data []byte, sig []byte, trustedKeys [][]byte, requireSig bool) (refs map[string]string, metadata map[string]string, err error) {
	if requireSig {
		if err := verifyDetached(data, sig, trustedKeys); err != nil {
			return nil, nil, apperr.Wrap(apperr.KindSignatureInvalid, "objrepo.loadSummary", err)
		}
	}

	refs = map[string]string{}
	metadata = map[string]string{}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#meta ") {
			kv := strings.TrimPrefix(line, "#meta ")
			k, v, ok := strings.Cut(kv, "=")
			if ok {
				metadata[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		refStr, commit, ok := strings.Cut(line, "=")
		if !ok {
			return nil, nil, apperr.Wrap(apperr.KindCorrupt, "objrepo.loadSummary", fmt.Errorf("malformed summary line %q", line))
		}
		refs[strings.TrimSpace(refStr)] = strings.TrimSpace(commit)
	}
	return refs, metadata, nil
}

// verifyDetached checks sig as an OpenPGP detached signature of data against
// any key in trustedKeys. Grounded on ProtonMail/go-crypto/openpgp, already
// a transitive dependency of the teacher's go-git stack, used here directly
// instead of through go-git's porcelain.
func verifyDetached(data, sig []byte, trustedKeys [][]byte) error {
	if len(sig) == 0 {
		return fmt.Errorf("no signature provided")
	}
	var lastErr error
	for _, keyBytes := range trustedKeys {
		keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(keyBytes))
		if err != nil {
			keyring, err = openpgp.ReadKeyRing(bytes.NewReader(keyBytes))
			if err != nil {
				lastErr = err
				continue
			}
		}
		if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(sig), nil); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no trusted keys configured")
	}
	return fmt.Errorf("no trusted key validated signature: %w", lastErr)
}

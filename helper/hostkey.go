package helper

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateHostKey reads an ed25519 host key from path, generating and
// persisting a fresh one on first run. The key pins the channel's identity
// (spec §4.8: "host-key pinned to the helper's own key") so a client need
// only trust one fixed fingerprint rather than any system CA.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("helper: parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("helper: read host key %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("helper: generate host key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "apphub helper host key")
	if err != nil {
		return nil, fmt.Errorf("helper: marshal host key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("helper: persist host key %s: %w", path, err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("helper: signer from generated key: %w", err)
	}
	return signer, nil
}

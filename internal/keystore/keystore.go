// Package keystore persists the node's keypair under datadir, per spec.md
// §6 "Persisted state": a single file holding a 32-byte secret key followed
// by its 32-byte X25519 public key, generated on first run. Grounded on the
// teacher's config/setting.go init()-time file-read-with-fallback pattern,
// adapted from JSON config to binary keypair I/O.
package keystore

import (
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

const fileName = "node.key"

// KeyPair is the node's identity: SecretKey feeds the Chain witnesser's
// scalar multiply and PublicKey is reported to ABCI.GetKey/discovery HELLO.
type KeyPair struct {
	SecretKey [32]byte
	PublicKey [32]byte
}

// Load reads datadir's keypair file, generating and persisting a fresh one
// if absent. A missing datadir is created; any other I/O failure is fatal
// configuration per spec.md §7.
func Load(datadir string) (KeyPair, error) {
	path := filepath.Join(datadir, fileName)
	buf, err := ioutil.ReadFile(path)
	if err == nil {
		return decode(buf)
	}
	if !os.IsNotExist(err) {
		return KeyPair{}, fmt.Errorf("keystore: read %s: %w", path, err)
	}

	kp, err := generate()
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: generate: %w", err)
	}
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return KeyPair{}, fmt.Errorf("keystore: mkdir %s: %w", datadir, err)
	}
	if err := ioutil.WriteFile(path, encode(kp), 0600); err != nil {
		return KeyPair{}, fmt.Errorf("keystore: write %s: %w", path, err)
	}
	return kp, nil
}

func generate() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.SecretKey[:]); err != nil {
		return KeyPair{}, err
	}
	// clamp per X25519 (RFC 7748 §5).
	kp.SecretKey[0] &= 248
	kp.SecretKey[31] &= 127
	kp.SecretKey[31] |= 64
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.SecretKey)
	return kp, nil
}

func encode(kp KeyPair) []byte {
	out := make([]byte, 64)
	copy(out[:32], kp.SecretKey[:])
	copy(out[32:], kp.PublicKey[:])
	return out
}

func decode(buf []byte) (KeyPair, error) {
	if len(buf) != 64 {
		return KeyPair{}, fmt.Errorf("keystore: malformed keypair file (want 64 bytes, got %d)", len(buf))
	}
	var kp KeyPair
	copy(kp.SecretKey[:], buf[:32])
	copy(kp.PublicKey[:], buf[32:])
	return kp, nil
}

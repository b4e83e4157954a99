// Package keyfile persists long-term X25519 secret keys with owner-only
// permissions.
package keyfile

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/orinsid/sosistab/crypt"
)

// WriteSecret stores sk hex-encoded at path, mode 0600, via a temp file and
// rename so a crash never leaves a partial key on disk.
func WriteSecret(path string, sk crypt.SecKey) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		_ = f.Close()
		if !ok {
			_ = os.Remove(tmp)
		}
	}()

	if runtime.GOOS != "windows" {
		if err := f.Chmod(0o600); err != nil {
			return err
		}
	}
	if _, err := f.Write([]byte(hex.EncodeToString(sk[:]) + "\n")); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		// Rename does not overwrite an existing destination on Windows.
		_ = os.Remove(path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	return nil
}

// ReadSecret loads a key written by WriteSecret.
func ReadSecret(path string) (crypt.SecKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return crypt.SecKey{}, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(b)))
	if err != nil {
		return crypt.SecKey{}, fmt.Errorf("parse key file %s: %w", path, err)
	}
	if len(raw) != crypt.KeySize {
		return crypt.SecKey{}, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(raw), crypt.KeySize)
	}
	var sk crypt.SecKey
	copy(sk[:], raw)
	return sk, nil
}

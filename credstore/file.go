package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// fileAssociatedData binds sealed documents to this use.
var fileAssociatedData = []byte("tribeclient credentials v1")

// FileBackend stores credentials as a JSON document on disk. If AEAD is set,
// the document is sealed with it.
type FileBackend struct {
	// Path of the credentials file. Required.
	Path string
	// AEAD optionally encrypts the document at rest.
	AEAD tink.AEAD
}

var _ Backend = &FileBackend{}

func (f *FileBackend) Load() (*Credentials, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", f.Path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	if f.AEAD != nil {
		data, err = f.AEAD.Decrypt(data, fileAssociatedData)
		if err != nil {
			return nil, fmt.Errorf("decrypt failed: %w", err)
		}
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	if !c.Complete() {
		return nil, nil
	}
	return &c, nil
}

func (f *FileBackend) Save(c *Credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if f.AEAD != nil {
		data, err = f.AEAD.Encrypt(data, fileAssociatedData)
		if err != nil {
			return fmt.Errorf("encrypt failed: %w", err)
		}
	}

	return writeFileAtomic(f.Path, data)
}

func (f *FileBackend) Delete() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", f.Path, err)
	}
	return nil
}

// Available reports whether the directory holding Path exists or can be
// created.
func (f *FileBackend) Available() bool {
	if f.Path == "" {
		return false
	}
	return os.MkdirAll(filepath.Dir(f.Path), 0o700) == nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// NewAEAD returns an AES256-GCM AEAD whose keyset is kept in cleartext at
// keysetPath. A new keyset is generated and written if none exists yet. The
// keyset file should be protected at least as well as the credentials
// themselves would be.
func NewAEAD(keysetPath string) (tink.AEAD, error) {
	handle, err := readKeyset(keysetPath)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		handle, err = keyset.NewHandle(aead.AES256GCMKeyTemplate())
		if err != nil {
			return nil, fmt.Errorf("generating keyset: %w", err)
		}
		var buf bytes.Buffer
		if err := insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(&buf)); err != nil {
			return nil, fmt.Errorf("serializing keyset: %w", err)
		}
		if err := writeFileAtomic(keysetPath, buf.Bytes()); err != nil {
			return nil, err
		}
	}

	a, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	return a, nil
}

func readKeyset(path string) (*keyset.Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading keyset %s: %w", path, err)
	}
	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing keyset %s: %w", path, err)
	}
	return handle, nil
}

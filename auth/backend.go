package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
)

// Backend defines the requirements for durably storing a credential.
type Backend interface {
	// Load reads the stored credential, returning nil if none is stored.
	Load() (*Credential, error)
	// Save durably replaces the stored credential.
	Save(cred *Credential) error
}

// FileBackend stores the credential as a JSON document on disk. The file holds
// live secrets: it is written owner-only and must never be committed.
type FileBackend struct {
	path string
}

// Ensure the file backend implements the Backend interface.
var _ Backend = (*FileBackend)(nil)

// NewFileBackend initializes a new file backend.
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("credential file path cannot be an empty string")
	}

	return &FileBackend{path: path}, nil
}

// Load reads the stored credential.
func (b *FileBackend) Load() (*Credential, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading credential file '%s': %w", b.path, err)
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("credential file '%s' is not valid json", b.path)
	}

	doc := gjson.ParseBytes(data)

	var env Environment
	err = env.UnmarshalText([]byte(doc.Get("environment").String()))
	if err != nil {
		return nil, fmt.Errorf("parsing credential environment: %w", err)
	}

	cred := &Credential{
		AccessToken:  doc.Get("access_token").String(),
		RefreshToken: doc.Get("refresh_token").String(),
		TokenType:    doc.Get("token_type").String(),
		IssuedAt:     doc.Get("issued_at").Time(),
		ExpiresAt:    doc.Get("expires_at").Time(),
		Environment:  env,
	}

	return cred, nil
}

// Save atomically rewrites the credential file. The document is written to a
// temporary file in the same directory, synced and renamed over the target so a
// crash never leaves a partially written credential behind.
func (b *FileBackend) Save(cred *Credential) error {
	if cred == nil {
		return fmt.Errorf("credential cannot be nil")
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling credential: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary credential file: %w", err)
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = tmp.Chmod(0o600)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("restricting credential file permissions: %w", err)
	}

	_, err = tmp.Write(data)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}

	err = tmp.Sync()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("syncing credential file: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}

	err = os.Rename(tmpPath, b.path)
	if err != nil {
		return fmt.Errorf("replacing credential file '%s': %w", b.path, err)
	}

	return nil
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileCredentialDoc is the on-disk shape of data/credentials.json.
type fileCredentialDoc struct {
	Credentials []Credential `json:"credentials"`
}

// FileCredentialRepository persists credentials as a local JSON file when no
// DATABASE_URL is configured (spec §4.1 file fallback). Writes are
// serialized and rewrite the whole file; reads are served from an in-memory
// mirror kept consistent with disk.
type FileCredentialRepository struct {
	mu   sync.RWMutex
	path string
	byName  map[string]Credential
}

// NewFileCredentialRepository loads (or creates) the credentials file at
// path, creating its parent directory with mode 0700 if necessary.
func NewFileCredentialRepository(path string) (*FileCredentialRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("file credential repo: mkdir: %w", err)
	}
	r := &FileCredentialRepository{path: path, byName: make(map[string]Credential)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileCredentialRepository) load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("file credential repo: read: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc fileCredentialDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("file credential repo: decode: %w", err)
	}
	for _, c := range doc.Credentials {
		r.byName[c.AgentName] = c
	}
	return nil
}

// persist must be called with r.mu held (read or write — callers choose).
func (r *FileCredentialRepository) persist() error {
	doc := fileCredentialDoc{Credentials: make([]Credential, 0, len(r.byName))}
	for _, c := range r.byName {
		doc.Credentials = append(doc.Credentials, c)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file credential repo: encode: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("file credential repo: write: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("file credential repo: rename: %w", err)
	}
	return nil
}

func (r *FileCredentialRepository) Upsert(_ context.Context, cred Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[cred.AgentName] = cred
	return r.persist()
}

func (r *FileCredentialRepository) FindByName(_ context.Context, agentName string) (Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[agentName]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (r *FileCredentialRepository) FindByToken(_ context.Context, token string) (Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byName {
		if c.Token == token {
			return c, nil
		}
	}
	return Credential{}, ErrNotFound
}

func (r *FileCredentialRepository) FindByOwner(_ context.Context, ownerID int64) (Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byName {
		if c.OwnerID == ownerID {
			return c, nil
		}
	}
	return Credential{}, ErrNotFound
}

func (r *FileCredentialRepository) Delete(_ context.Context, agentName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, agentName)
	return r.persist()
}

func (r *FileCredentialRepository) LoadAll(_ context.Context) ([]Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Credential, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	return out, nil
}

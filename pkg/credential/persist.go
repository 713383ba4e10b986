package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danpaxton/simple-script-ide/pkg/models"
)

// Persister keeps one credential across process restarts.
type Persister interface {
	// Load returns the saved credential, or nil when none is saved.
	Load() (*models.Credential, error)
	Save(cred *models.Credential) error
	Delete() error
}

// tokenFile is the on-disk form of a saved credential.
type tokenFile struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Server    string    `json:"server,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// DefaultTokenPath returns ~/.config/sscript/token.json.
func DefaultTokenPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "sscript", "token.json")
}

// FilePersister saves the credential as a JSON file readable only by the owner.
type FilePersister struct {
	Path   string
	Server string
}

// NewFilePersister returns a persister for path, or the default token path
// when path is empty.
func NewFilePersister(path, server string) *FilePersister {
	if path == "" {
		path = DefaultTokenPath()
	}
	return &FilePersister{Path: path, Server: server}
}

func (p *FilePersister) Load() (*models.Credential, error) {
	data, err := os.ReadFile(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.Path, err)
	}
	// A token saved for another server is of no use here.
	if tf.Token == "" || (p.Server != "" && tf.Server != "" && tf.Server != p.Server) {
		return nil, nil
	}
	return &models.Credential{Token: tf.Token, Username: tf.Username}, nil
}

func (p *FilePersister) Save(cred *models.Credential) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0700); err != nil {
		return err
	}
	tf := tokenFile{Token: cred.Token, Username: cred.Username, Server: p.Server}
	if exp, ok := ExpiresAt(cred.Token); ok {
		tf.ExpiresAt = exp
	}
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p.Path, data, 0600)
}

func (p *FilePersister) Delete() error {
	err := os.Remove(p.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MemoryPersister keeps the credential in memory only.
type MemoryPersister struct {
	mu    sync.Mutex
	cred  *models.Credential
	saves int
}

func (p *MemoryPersister) Load() (*models.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cred.Clone(), nil
}

func (p *MemoryPersister) Save(cred *models.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cred = cred.Clone()
	p.saves++
	return nil
}

func (p *MemoryPersister) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cred = nil
	return nil
}

// Saves reports how many times Save was called.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

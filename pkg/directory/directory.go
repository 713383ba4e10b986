// Package directory keeps the local, ordered listing of the user's files and
// performs file operations through the gateway.
package directory

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/models"
)

// ErrSuperseded is returned by Refresh when a later refresh or a reset was
// issued while it was in flight. The snapshot is left untouched.
var ErrSuperseded = errors.New("directory refresh superseded")

// Gateway is the part of the gateway the directory needs.
type Gateway interface {
	ListFiles(ctx context.Context, cred *models.Credential) ([]models.FileRecord, string, error)
	CreateFile(ctx context.Context, cred *models.Credential, title, source string) (models.FileRecord, string, error)
	FetchFile(ctx context.Context, cred *models.Credential, id string) (models.FileRecord, string, error)
	UpdateFile(ctx context.Context, cred *models.Credential, id, source string) (string, error)
	DeleteFile(ctx context.Context, cred *models.Credential, id string) (string, string, error)
}

// TokenAbsorber receives tokens renewed by the backend.
type TokenAbsorber interface {
	AbsorbRefresh(token string)
}

// Directory is the ordered sequence of files, in server order.
type Directory struct {
	gw     Gateway
	tokens TokenAbsorber
	log    *zap.Logger

	mu     sync.Mutex
	files  []models.FileRecord
	issued uint64 // last refresh issued
	gen    uint64 // bumped by Reset
}

type discard struct{}

func (discard) AbsorbRefresh(string) {}

// New creates an empty directory. tokens may be nil.
func New(gw Gateway, tokens TokenAbsorber) *Directory {
	if tokens == nil {
		tokens = discard{}
	}
	return &Directory{gw: gw, tokens: tokens, log: logging.Named("directory")}
}

// Files returns a copy of the snapshot.
func (d *Directory) Files() []models.FileRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.FileRecord(nil), d.files...)
}

// Lookup returns the record with id.
func (d *Directory) Lookup(id string) (models.FileRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(id); i >= 0 {
		return d.files[i], true
	}
	return models.FileRecord{}, false
}

// Contains reports whether id is in the snapshot.
func (d *Directory) Contains(id string) bool {
	_, ok := d.Lookup(id)
	return ok
}

// Reset empties the snapshot and invalidates refreshes in flight.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.files = nil
	d.issued++
	d.gen++
	d.mu.Unlock()
}

// Refresh replaces the snapshot with the server's listing.
func (d *Directory) Refresh(ctx context.Context, cred *models.Credential) ([]models.FileRecord, error) {
	d.mu.Lock()
	d.issued++
	seq := d.issued
	d.mu.Unlock()

	files, refreshed, err := d.gw.ListFiles(ctx, cred)
	if err != nil {
		return nil, err
	}
	d.tokens.AbsorbRefresh(refreshed)

	d.mu.Lock()
	defer d.mu.Unlock()
	if seq != d.issued {
		d.log.Debug("discarding superseded refresh", zap.Uint64("seq", seq), zap.Uint64("latest", d.issued))
		return nil, ErrSuperseded
	}
	d.files = append([]models.FileRecord(nil), files...)
	return append([]models.FileRecord(nil), d.files...), nil
}

// Create validates title against the snapshot, then creates the file and
// appends the server's record.
func (d *Directory) Create(ctx context.Context, cred *models.Credential, title, source string) (models.FileRecord, error) {
	d.mu.Lock()
	err := ValidateTitle(title, d.files)
	gen := d.gen
	d.mu.Unlock()
	if err != nil {
		return models.FileRecord{}, err
	}

	rec, refreshed, err := d.gw.CreateFile(ctx, cred, title, source)
	if err != nil {
		return models.FileRecord{}, err
	}
	d.tokens.AbsorbRefresh(refreshed)

	d.mu.Lock()
	if gen == d.gen && d.index(rec.ID) < 0 {
		d.files = append(d.files, rec)
	}
	d.mu.Unlock()
	d.log.Debug("file created", zap.String("id", rec.ID), zap.String("title", rec.Title))
	return rec, nil
}

// FetchOne loads one file and records its source in the snapshot.
func (d *Directory) FetchOne(ctx context.Context, cred *models.Credential, id string) (models.FileRecord, error) {
	rec, refreshed, err := d.gw.FetchFile(ctx, cred, id)
	if err != nil {
		d.pruneIfGone(id, err)
		return models.FileRecord{}, err
	}
	d.tokens.AbsorbRefresh(refreshed)
	d.mu.Lock()
	if i := d.index(id); i >= 0 {
		d.files[i] = rec
	}
	d.mu.Unlock()
	return rec, nil
}

// Update persists the source text of id. Title and ID never change.
func (d *Directory) Update(ctx context.Context, cred *models.Credential, id, source string) error {
	refreshed, err := d.gw.UpdateFile(ctx, cred, id, source)
	if err != nil {
		d.pruneIfGone(id, err)
		return err
	}
	d.tokens.AbsorbRefresh(refreshed)
	d.mu.Lock()
	if i := d.index(id); i >= 0 {
		d.files[i].SourceCode = source
	}
	d.mu.Unlock()
	return nil
}

// Remove deletes id and returns the successor the server nominates, or ""
// when none is left.
func (d *Directory) Remove(ctx context.Context, cred *models.Credential, id string) (string, error) {
	next, refreshed, err := d.gw.DeleteFile(ctx, cred, id)
	if err != nil {
		d.pruneIfGone(id, err)
		return "", err
	}
	d.tokens.AbsorbRefresh(refreshed)
	d.prune(id)
	d.log.Debug("file deleted", zap.String("id", id), zap.String("next", next))
	return next, nil
}

func (d *Directory) pruneIfGone(id string, err error) {
	if errors.Is(err, gateway.ErrNotFound) {
		d.log.Info("pruning stale file", zap.String("id", id))
		d.prune(id)
	}
}

func (d *Directory) prune(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(id); i >= 0 {
		d.files = append(d.files[:i:i], d.files[i+1:]...)
	}
}

// index must be called with mu held.
func (d *Directory) index(id string) int {
	for i, f := range d.files {
		if f.ID == id {
			return i
		}
	}
	return -1
}

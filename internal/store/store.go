// Package store persists users and their script files.
package store

import (
	"context"
	"errors"

	"github.com/danpaxton/simple-script-ide/pkg/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
)

// User is a registered account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
}

// Store is the persistence boundary of the server. Files are always scoped
// to their owner; a file that exists but belongs to someone else is
// reported as ErrNotFound.
type Store interface {
	// CreateUser fails with ErrUserExists when the name is taken, ignoring case.
	CreateUser(ctx context.Context, username, passwordHash string) (User, error)
	GetUser(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, id int64) (User, error)

	// ListFiles returns the owner's files in id order.
	ListFiles(ctx context.Context, ownerID int64) ([]models.FileRecord, error)
	CreateFile(ctx context.Context, ownerID int64, title, source string) (models.FileRecord, error)
	GetFile(ctx context.Context, ownerID int64, id string) (models.FileRecord, error)
	UpdateFile(ctx context.Context, ownerID int64, id, source string) error
	// DeleteFile removes the file and returns the successor to open: the
	// previous file in id order, else the next one, else "".
	DeleteFile(ctx context.Context, ownerID int64, id string) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

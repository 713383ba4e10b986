// Package backend opens the configured store implementation.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/internal/store"
	"github.com/danpaxton/simple-script-ide/internal/store/postgres"
	"github.com/danpaxton/simple-script-ide/internal/store/sqlite"
	"github.com/danpaxton/simple-script-ide/pkg/retry"
)

// Open picks the backend from the URL scheme. postgres:// and
// postgresql:// URLs go to PostgreSQL, sqlite:// to SQLite. Connecting is
// retried with backoff so the server can start before its database.
func Open(ctx context.Context, url string, rc retry.Config) (store.Store, error) {
	var open func(ctx context.Context) (*store.SQL, error)

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		open = func(ctx context.Context) (*store.SQL, error) { return postgres.Open(ctx, url) }
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite URL has no path: %q", url)
		}
		open = func(ctx context.Context) (*store.SQL, error) { return sqlite.Open(ctx, path) }
	default:
		return nil, fmt.Errorf("unsupported database URL scheme: %q", url)
	}

	if rc.OnRetry == nil {
		rc.OnRetry = func(attempt int, wait time.Duration, err error) {
			logging.Warn("database not ready, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
	}

	var s *store.SQL
	err := retry.Do(ctx, rc, func(ctx context.Context) error {
		var err error
		s, err = open(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

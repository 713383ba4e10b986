package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danpaxton/simple-script-ide/pkg/retry"
)

func TestOpenSQLiteMemory(t *testing.T) {
	s, err := Open(context.Background(), "sqlite://:memory:", retry.Config{MaxAttempts: 1})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/db", retry.DefaultConfig())
	assert.ErrorContains(t, err, "unsupported database URL scheme")
}

func TestOpenRejectsEmptySQLitePath(t *testing.T) {
	_, err := Open(context.Background(), "sqlite://", retry.DefaultConfig())
	assert.Error(t, err)
}

func TestOpenGivesUpAfterAttempts(t *testing.T) {
	var retries int
	rc := retry.Config{
		MaxAttempts: 2,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		Multiplier:  1,
		OnRetry:     func(int, time.Duration, error) { retries++ },
	}
	_, err := Open(context.Background(), "sqlite:///nonexistent-dir/for/sure/db.sqlite", rc)
	assert.Error(t, err)
	assert.Equal(t, 1, retries)
}

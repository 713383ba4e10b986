// Package credential holds the access credential of the current user,
// persists it across restarts and absorbs tokens renewed by the backend.
package credential

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/pkg/models"
)

// Listener is notified after the credential becomes available (cred != nil)
// or unavailable (cred == nil). It runs on the caller's goroutine with no
// store lock held.
type Listener func(ctx context.Context, cred *models.Credential)

// Store holds at most one live credential.
type Store struct {
	persist Persister
	log     *zap.Logger

	mu        sync.Mutex
	cred      *models.Credential
	listeners []Listener
}

// NewStore creates an empty store backed by p. A nil p keeps the credential
// in memory only.
func NewStore(p Persister) *Store {
	if p == nil {
		p = &MemoryPersister{}
	}
	return &Store{persist: p, log: logging.Named("credential")}
}

// OnChange registers a listener.
func (s *Store) OnChange(fn Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Current returns a copy of the held credential, or nil.
func (s *Store) Current() *models.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred.Clone()
}

// Authenticated reports whether a credential is held.
func (s *Store) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred != nil
}

// Set replaces the held credential, persists it and notifies listeners.
// A persistence failure is logged; the credential stays usable for this run.
func (s *Store) Set(ctx context.Context, cred *models.Credential) {
	cred = cred.Clone()
	s.mu.Lock()
	s.cred = cred
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if err := s.persist.Save(cred); err != nil {
		s.log.Warn("failed to persist credential", zap.Error(err))
	}
	s.log.Debug("credential set", zap.String("username", cred.Username))
	for _, fn := range listeners {
		fn(ctx, cred.Clone())
	}
}

// Clear drops the held and persisted credential and notifies listeners.
// It reports whether a credential was held, so that several concurrent
// failures lead to a single forced logout.
func (s *Store) Clear(ctx context.Context) bool {
	s.mu.Lock()
	had := s.cred != nil
	s.cred = nil
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if err := s.persist.Delete(); err != nil {
		s.log.Warn("failed to delete persisted credential", zap.Error(err))
	}
	if !had {
		return false
	}
	for _, fn := range listeners {
		fn(ctx, nil)
	}
	return true
}

// AbsorbRefresh replaces only the token of the held credential. An empty
// token, an absent credential, or a token issued to another identity is
// ignored. Listeners are not notified.
func (s *Store) AbsorbRefresh(token string) {
	if token == "" {
		return
	}
	subject, _ := Subject(token)

	s.mu.Lock()
	if s.cred == nil || s.cred.Token == token {
		s.mu.Unlock()
		return
	}
	if subject != "" && subject != s.cred.Username {
		s.mu.Unlock()
		s.log.Debug("ignoring refreshed token for another identity", zap.String("subject", subject))
		return
	}
	s.cred.Token = token
	cred := s.cred.Clone()
	s.mu.Unlock()

	if err := s.persist.Save(cred); err != nil {
		s.log.Warn("failed to persist refreshed credential", zap.Error(err))
	}
	fields := []zap.Field{zap.String("username", cred.Username)}
	if exp, ok := ExpiresAt(token); ok {
		fields = append(fields, zap.Time("expires_at", exp))
	}
	s.log.Debug("absorbed refreshed token", fields...)
}

// Restore loads a persisted credential and, when one exists, behaves as Set.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	cred, err := s.persist.Load()
	if err != nil {
		return false, err
	}
	if cred == nil {
		return false, nil
	}
	if exp, ok := ExpiresAt(cred.Token); ok && time.Now().After(exp) {
		s.log.Info("persisted credential has expired", zap.Time("expired_at", exp))
		_ = s.persist.Delete()
		return false, nil
	}
	s.Set(ctx, cred)
	return true, nil
}

// ExpiresAt reads the exp claim of a JWT without verifying it.
func ExpiresAt(token string) (time.Time, bool) {
	claims, ok := peek(token)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Subject reads the sub claim of a JWT without verifying it.
func Subject(token string) (string, bool) {
	claims, ok := peek(token)
	if !ok {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

func peek(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

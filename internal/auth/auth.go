// Package auth provides password login and JWT bearer authentication with
// sliding token refresh.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/internal/metrics"
	"github.com/danpaxton/simple-script-ide/internal/store"
	"github.com/danpaxton/simple-script-ide/pkg/protocol"
)

const issuer = "sscript"

var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrUserExists         = errors.New("user already exists")
)

type contextKey string

const (
	userContextKey contextKey = "user"
)

// Claims holds JWT token claims. The subject is the username.
type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Username returns the identity the token was issued to.
func (c *Claims) Username() string { return c.Subject }

// Auth issues and validates access tokens.
type Auth struct {
	store  store.Store
	secret []byte
	ttl    time.Duration
	window time.Duration
	now    func() time.Time
}

// New creates a new Auth handler. Tokens live for ttl and are reissued once
// fewer than window remain.
func New(st store.Store, jwtSecret string, ttl, window time.Duration) *Auth {
	return &Auth{
		store:  st,
		secret: []byte(jwtSecret),
		ttl:    ttl,
		window: window,
		now:    time.Now,
	}
}

// Login checks the password and returns a fresh token together with the
// stored spelling of the username.
func (a *Auth) Login(ctx context.Context, username, password string) (string, string, error) {
	user, err := a.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: unknown user", zap.String("username", username))
		return "", "", ErrInvalidCredentials
	}
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return "", "", fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: invalid password", zap.String("username", username))
		return "", "", ErrInvalidCredentials
	}

	token, err := a.IssueToken(user.ID, user.Username)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return "", "", err
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful", zap.String("username", user.Username))
	return token, user.Username, nil
}

// Register creates an account with a bcrypt-hashed password.
func (a *Auth) Register(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		metrics.RecordRegistration(false)
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := a.store.CreateUser(ctx, username, string(hash)); err != nil {
		metrics.RecordRegistration(false)
		if errors.Is(err, store.ErrUserExists) {
			return ErrUserExists
		}
		return err
	}
	metrics.RecordRegistration(true)
	logging.Info("user registered", zap.String("username", username))
	return nil
}

// IssueToken signs a token for the user.
func (a *Auth) IssueToken(userID int64, username string) (string, error) {
	now := a.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		logging.Error("failed to sign token", zap.Error(err))
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, nil
}

// Refreshed returns a replacement token when the one behind claims expires
// within the refresh window, and "" otherwise.
func (a *Auth) Refreshed(claims *Claims) string {
	if claims == nil || claims.ExpiresAt == nil {
		return ""
	}
	if claims.ExpiresAt.Time.Sub(a.now()) > a.window {
		return ""
	}
	token, err := a.IssueToken(claims.UserID, claims.Subject)
	if err != nil {
		return ""
	}
	metrics.RecordTokenRefresh()
	logging.Debug("token refreshed", zap.String("username", claims.Subject))
	return token
}

// Middleware returns HTTP middleware that requires a valid bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return a.middleware(next, false)
}

// OptionalMiddleware admits anonymous requests but still rejects a token
// that is present and invalid.
func (a *Auth) OptionalMiddleware(next http.Handler) http.Handler {
	return a.middleware(next, true)
}

func (a *Auth) middleware(next http.Handler, optional bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			if optional {
				next.ServeHTTP(w, r)
				return
			}
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			logging.WithContext(r.Context()).Debug("token rejected", zap.Error(err))
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" || claims.UserID == 0 {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

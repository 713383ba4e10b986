// Package api provides the HTTP server for accounts, script files and the
// interpreter.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/auth"
	"github.com/danpaxton/simple-script-ide/internal/interp"
	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/internal/metrics"
	"github.com/danpaxton/simple-script-ide/internal/store"
	"github.com/danpaxton/simple-script-ide/pkg/compile"
	"github.com/danpaxton/simple-script-ide/pkg/models"
	"github.com/danpaxton/simple-script-ide/pkg/protocol"
)

// Version is reported by /health.
var Version = "dev"

// maxTitleLength is the width of the title column.
const maxTitleLength = 43

// Config tunes the server.
type Config struct {
	BasePath      string
	MaxSourceSize int64
	StepLimit     int
	InterpTimeout time.Duration
}

// Server is the HTTP server.
type Server struct {
	store store.Store
	auth  *auth.Auth
	cfg   Config
}

// NewServer creates a new server.
func NewServer(st store.Store, authHandler *auth.Auth, cfg Config) *Server {
	cfg.BasePath = strings.TrimSuffix(cfg.BasePath, "/")
	if cfg.MaxSourceSize <= 0 {
		cfg.MaxSourceSize = 1 << 20
	}
	return &Server{store: st, auth: authHandler, cfg: cfg}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(method, path string) string { return method + " " + s.cfg.BasePath + path }
	protect := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }

	// Public endpoints
	mux.HandleFunc(route("GET", "/health"), s.handleHealth)
	mux.HandleFunc(route("POST", "/login"), s.handleLogin)
	mux.HandleFunc(route("POST", "/create-user"), s.handleCreateUser)
	mux.Handle(route("POST", "/interp"), s.auth.OptionalMiddleware(http.HandlerFunc(s.handleInterp)))

	// Protected endpoints
	mux.Handle(route("GET", "/fetch-files"), protect(s.handleListFiles))
	mux.Handle(route("POST", "/new-file"), protect(s.handleNewFile))
	mux.Handle(route("GET", "/fetch-file/{id}"), protect(s.handleFetchFile))
	mux.Handle(route("DELETE", "/fetch-file/{id}"), protect(s.handleDeleteFile))
	mux.Handle(route("PUT", "/update-file/{id}"), protect(s.handleUpdateFile))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		logging.WithContext(r.Context()).Warn("health check: store unreachable", zap.Error(err))
		s.sendJSON(w, http.StatusServiceUnavailable, protocol.HealthResponse{Status: "degraded", Version: Version})
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialsRequest
	if !s.decode(w, r, &req, 64<<10) {
		return
	}
	if req.Username == "" || req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "username and password required")
		return
	}

	token, username, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.sendError(w, http.StatusUnauthorized, "Invalid login credentials")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("login failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "login failed")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.LoginResponse{Username: username, AccessToken: token})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialsRequest
	if !s.decode(w, r, &req, 64<<10) {
		return
	}
	if msg := usernameProblem(req.Username); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "password required")
		return
	}

	err := s.auth.Register(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrUserExists) {
		s.sendError(w, http.StatusConflict, "User already exists")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("registration failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	s.sendJSON(w, http.StatusCreated, protocol.MessageResponse{Msg: "User created"})
}

func usernameProblem(username string) string {
	switch {
	case username == "":
		return "username required"
	case utf8.RuneCountInString(username) > models.MaxUsernameLength:
		return fmt.Sprintf("username must be at most %d characters", models.MaxUsernameLength)
	case strings.IndexFunc(username, unicode.IsSpace) >= 0:
		return "username must not contain spaces"
	}
	return ""
}

func (s *Server) handleInterp(w http.ResponseWriter, r *http.Request) {
	var prog compile.Program
	// The tree is several times the size of its source.
	if !s.decode(w, r, &prog, 8*s.cfg.MaxSourceSize) {
		return
	}
	resp := protocol.InterpResponse{AccessToken: s.auth.Refreshed(auth.GetClaims(r.Context()))}

	if !prog.OK() {
		metrics.RecordInterpRun("compile_error", 0)
		resp.Output = prog.Message
		s.sendJSON(w, http.StatusOK, resp)
		return
	}

	ctx := r.Context()
	if s.cfg.InterpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.InterpTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := interp.Run(ctx, prog, interp.Options{
		StepLimit: s.cfg.StepLimit,
		MaxOutput: int(s.cfg.MaxSourceSize),
		MaxValue:  int(s.cfg.MaxSourceSize),
	})
	switch {
	case r.Context().Err() != nil:
		// Client went away.
		metrics.RecordInterpRun("cancelled", time.Since(start))
		return
	case errors.Is(err, context.DeadlineExceeded):
		metrics.RecordInterpRun("error", time.Since(start))
		resp.Output = out + "execution timed out"
	case err != nil:
		metrics.RecordInterpRun("error", time.Since(start))
		resp.Output = out + err.Error()
	default:
		metrics.RecordInterpRun("ok", time.Since(start))
		resp.Output = out
		resp.OK = true
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	files, err := s.store.ListFiles(r.Context(), claims.UserID)
	metrics.RecordFileOperation("list", err == nil)
	if err != nil {
		s.sendStoreError(w, r, "list files", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.FileListResponse{
		Files:       files,
		AccessToken: s.auth.Refreshed(claims),
	})
}

func (s *Server) handleNewFile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	var req protocol.NewFileRequest
	if !s.decode(w, r, &req, s.cfg.MaxSourceSize+64<<10) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || utf8.RuneCountInString(req.Title) > maxTitleLength {
		metrics.RecordFileOperation("create", false)
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("title must be 1 to %d characters", maxTitleLength))
		return
	}
	if !s.checkSourceSize(w, req.SourceCode) {
		return
	}

	file, err := s.store.CreateFile(r.Context(), claims.UserID, req.Title, req.SourceCode)
	metrics.RecordFileOperation("create", err == nil)
	if err != nil {
		s.sendStoreError(w, r, "create file", err)
		return
	}
	logging.WithContext(r.Context()).Info("file created",
		zap.String("username", claims.Username()),
		zap.String("id", file.ID),
		zap.String("title", file.Title))
	s.sendJSON(w, http.StatusCreated, protocol.FileResponse{
		File:        file,
		AccessToken: s.auth.Refreshed(claims),
	})
}

func (s *Server) handleFetchFile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	file, err := s.store.GetFile(r.Context(), claims.UserID, r.PathValue("id"))
	metrics.RecordFileOperation("fetch", err == nil)
	if err != nil {
		s.sendStoreError(w, r, "fetch file", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.FileResponse{
		File:        file,
		AccessToken: s.auth.Refreshed(claims),
	})
}

func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	var req protocol.UpdateFileRequest
	if !s.decode(w, r, &req, s.cfg.MaxSourceSize+64<<10) {
		return
	}
	if !s.checkSourceSize(w, req.SourceCode) {
		return
	}

	err := s.store.UpdateFile(r.Context(), claims.UserID, r.PathValue("id"), req.SourceCode)
	metrics.RecordFileOperation("update", err == nil)
	if err != nil {
		s.sendStoreError(w, r, "update file", err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.MessageResponse{
		Msg:         "File updated",
		AccessToken: s.auth.Refreshed(claims),
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	id := r.PathValue("id")
	next, err := s.store.DeleteFile(r.Context(), claims.UserID, id)
	metrics.RecordFileOperation("delete", err == nil)
	if err != nil {
		s.sendStoreError(w, r, "delete file", err)
		return
	}
	logging.WithContext(r.Context()).Info("file deleted",
		zap.String("username", claims.Username()),
		zap.String("id", id),
		zap.String("next", next))

	resp := protocol.DeleteResponse{AccessToken: s.auth.Refreshed(claims)}
	if next != "" {
		resp.NextFile = &next
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) checkSourceSize(w http.ResponseWriter, source string) bool {
	if int64(len(source)) > s.cfg.MaxSourceSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("source exceeds %d bytes", s.cfg.MaxSourceSize))
		return false
	}
	return true
}

// decode reads a JSON body of at most limit bytes into v. On failure it
// writes the error response and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) sendStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "File not found")
		return
	}
	logging.WithContext(r.Context()).Error(op+" failed", zap.Error(err))
	s.sendError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{Error: message, Code: code})
}

// Package protocol defines the API request/response types.
package protocol

import "github.com/danpaxton/simple-script-ide/pkg/models"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// CredentialsRequest is the body for POST /login and POST /create-user.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /login.
type LoginResponse struct {
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
}

// MessageResponse carries a plain acknowledgement.
type MessageResponse struct {
	Msg         string `json:"msg"`
	AccessToken string `json:"access_token,omitempty"`
}

// NewFileRequest is the body for POST /new-file.
type NewFileRequest struct {
	Title      string `json:"title"`
	SourceCode string `json:"source_code"`
}

// UpdateFileRequest is the body for PUT /update-file/{id}.
type UpdateFileRequest struct {
	SourceCode string `json:"source_code"`
}

// FileResponse is returned by POST /new-file and GET /fetch-file/{id}.
type FileResponse struct {
	File        models.FileRecord `json:"file"`
	AccessToken string            `json:"access_token,omitempty"`
}

// FileListResponse is returned by GET /fetch-files.
type FileListResponse struct {
	Files       []models.FileRecord `json:"files"`
	AccessToken string              `json:"access_token,omitempty"`
}

// DeleteResponse is returned by DELETE /fetch-file/{id}.
// NextFile is null when the deleted file was the only one.
type DeleteResponse struct {
	NextFile    *string `json:"next_file"`
	AccessToken string  `json:"access_token,omitempty"`
}

// InterpResponse is returned by POST /interp.
type InterpResponse struct {
	Output      string `json:"output"`
	OK          bool   `json:"ok"`
	AccessToken string `json:"access_token,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

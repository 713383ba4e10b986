// Package models contains the data types shared by the client and the server.
package models

// Extension is the fixed file extension for script sources.
const Extension = "ss"

// MaxNameLength bounds the name segment of a file title.
const MaxNameLength = 40

// MaxUsernameLength bounds registered usernames.
const MaxUsernameLength = 50

// FileRecord is a named, server-persisted script source.
// ID is assigned by the server and never changes; Title is fixed at creation.
type FileRecord struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	SourceCode string `json:"source_code"`
}

// Credential is an access token together with the identity it belongs to.
type Credential struct {
	Token    string `json:"access_token"`
	Username string `json:"username"`
}

// Clone returns a copy of the credential, or nil.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

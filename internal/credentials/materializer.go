// Package credentials materializes per-session OAuth artifacts on disk
// for capability provider processes to consume.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCredentialWrite wraps any failure while writing credential artifacts.
var ErrCredentialWrite = errors.New("failed to write credential artifacts")

const (
	// KeysFileName is the OAuth client registration descriptor.
	KeysFileName = "gcp-oauth.keys.json"
	// TokensFileName is the per-session access token descriptor.
	TokensFileName = "tokens.json"

	authURI      = "https://accounts.google.com/o/oauth2/auth"
	tokenURI     = "https://oauth2.googleapis.com/token"
	certsURL     = "https://www.googleapis.com/oauth2/v1/certs"
	dirPermBits  = 0o700
	filePermBits = 0o600
)

// ClientRegistration identifies the OAuth client on whose behalf tokens
// were issued. Values come from configuration, not from the user.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	ProjectID    string
	RedirectURI  string
	Scopes       []string
}

// Materializer writes credential artifacts under a base directory, one
// subdirectory per session.
type Materializer struct {
	baseDir string
	reg     ClientRegistration
}

// NewMaterializer creates a materializer rooted at baseDir.
func NewMaterializer(baseDir string, reg ClientRegistration) *Materializer {
	return &Materializer{baseDir: baseDir, reg: reg}
}

// keysFile mirrors the "installed app" descriptor format Google tooling
// expects in gcp-oauth.keys.json.
type keysFile struct {
	Installed installedApp `json:"installed"`
}

type installedApp struct {
	ClientID     string   `json:"client_id"`
	ProjectID    string   `json:"project_id"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
	CertsURL     string   `json:"auth_provider_x509_cert_url"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
}

// tokensFile is the stored-token format the provider tooling reads. The
// refresh token and expiry are always null: sessions hold a single
// short-lived access token and are discarded rather than refreshed.
type tokensFile struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken *string  `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       *string  `json:"expiry"`
}

// Dir returns the credential directory for a session.
func (m *Materializer) Dir(sessionID string) string {
	return filepath.Join(m.baseDir, sessionID)
}

// KeysPath returns the path handed to providers via GOOGLE_OAUTH_CREDENTIALS.
func (m *Materializer) KeysPath(sessionID string) string {
	return filepath.Join(m.Dir(sessionID), KeysFileName)
}

// Materialize writes the two credential artifacts for a session and
// returns the credential directory. The directory is private to the
// server process owner.
func (m *Materializer) Materialize(sessionID, accessToken string) (string, error) {
	dir := m.Dir(sessionID)
	if err := os.MkdirAll(dir, dirPermBits); err != nil {
		return "", fmt.Errorf("%w: create %s: %w", ErrCredentialWrite, dir, err)
	}

	keys := keysFile{
		Installed: installedApp{
			ClientID:     m.reg.ClientID,
			ProjectID:    m.reg.ProjectID,
			AuthURI:      authURI,
			TokenURI:     tokenURI,
			CertsURL:     certsURL,
			ClientSecret: m.reg.ClientSecret,
			RedirectURIs: []string{m.reg.RedirectURI},
		},
	}
	if err := m.writeJSON(filepath.Join(dir, KeysFileName), keys); err != nil {
		return "", err
	}

	tokens := tokensFile{
		AccessToken:  accessToken,
		TokenURI:     tokenURI,
		ClientID:     m.reg.ClientID,
		ClientSecret: m.reg.ClientSecret,
		Scopes:       m.reg.Scopes,
	}
	if err := m.writeJSON(filepath.Join(dir, TokensFileName), tokens); err != nil {
		return "", err
	}

	return dir, nil
}

// Remove deletes a session's credential directory. Best effort and
// idempotent; a missing directory is not an error.
func (m *Materializer) Remove(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := os.RemoveAll(m.Dir(sessionID)); err != nil {
		return fmt.Errorf("failed to remove credential directory: %w", err)
	}
	return nil
}

// SessionDirs lists the session IDs that currently have credential
// directories on disk. Used by cleanup to find orphans.
func (m *Materializer) SessionDirs() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list credential directories: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (m *Materializer) writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", ErrCredentialWrite, filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, filePermBits); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrCredentialWrite, filepath.Base(path), err)
	}
	return nil
}

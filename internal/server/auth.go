package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/HyphaGroup/majordomo/internal/audit"
	"github.com/HyphaGroup/majordomo/internal/config"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/session"
	"github.com/HyphaGroup/majordomo/internal/validation"
)

const defaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// successPage closes the popup and hands the session ID back to the
// opening window.
const successPage = `<html>
	<head><title>Authentication Successful</title></head>
	<body>
		<h1>Authentication Successful</h1>
		<p>You can now close this window and return to the application.</p>
		<script>
			if (window.opener) {
				window.opener.postMessage({ type: "auth_success", sessionId: "%s" }, "*");
			}
			setTimeout(() => window.close(), 3000);
		</script>
	</body>
</html>`

// establisher builds the per-session stack after a code exchange.
type establisher interface {
	Establish(ctx context.Context, user session.UserIdentity, accessToken string) (*session.Session, error)
}

// AuthHandler serves the authorization callback and the session status
// and logout endpoints.
type AuthHandler struct {
	oauth       *oauth2.Config
	userinfoURL string
	est         establisher
	store       *session.Store
	audit       *audit.Store
}

// NewAuthHandler creates the auth surface from the Google client
// registration.
func NewAuthHandler(cfg config.GoogleConfig, est establisher, store *session.Store, auditStore *audit.Store) *AuthHandler {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = config.DefaultScopes
	}
	return &AuthHandler{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		userinfoURL: defaultUserinfoURL,
		est:         est,
		store:       store,
		audit:       auditStore,
	}
}

// Callback handles GET /auth/google/callback: exchanges the code,
// resolves the user identity, and establishes a session.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Authorization code not provided", http.StatusBadRequest)
		return
	}

	token, err := h.oauth.Exchange(ctx, code)
	if err != nil {
		logger.ErrorContext(ctx, "Token exchange failed", "error", err)
		h.auditExchange("", false, err)
		http.Error(w, "Token exchange failed", http.StatusBadRequest)
		return
	}

	user, err := h.fetchUserinfo(ctx, token)
	if err != nil {
		// The original keeps going with a placeholder identity when the
		// userinfo fetch fails; the token is already proven valid.
		logger.WarnContext(ctx, "Userinfo fetch failed, using placeholder identity", "error", err)
		user = session.UserIdentity{Email: "authenticated_user@gmail.com"}
	}
	h.auditExchange(user.Email, true, nil)

	sess, err := h.est.Establish(ctx, user, token.AccessToken)
	if err != nil {
		logger.ErrorContext(ctx, "Session establishment failed", "error", err, "user", user.Email)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	logger.InfoContext(ctx, "Authentication successful", "user", user.Email, "session_id", sess.ID)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, successPage, sess.ID)
}

// fetchUserinfo resolves the user's profile with the fresh token.
func (h *AuthHandler) fetchUserinfo(ctx context.Context, token *oauth2.Token) (session.UserIdentity, error) {
	client := h.oauth.Client(ctx, token)
	resp, err := client.Get(h.userinfoURL)
	if err != nil {
		return session.UserIdentity{}, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return session.UserIdentity{}, fmt.Errorf("userinfo request returned %d: %s", resp.StatusCode, body)
	}

	var user session.UserIdentity
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return session.UserIdentity{}, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if user.Email == "" {
		user.Email = fmt.Sprintf("user_%s@gmail.com", user.ProviderID)
	}
	return user, nil
}

// Status handles GET /auth/status?session_id=...
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id := r.URL.Query().Get("session_id")
	if validation.ValidateSessionID(id) != nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": false, "user": nil})
		return
	}

	sess, err := h.store.Get(id)
	if err != nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": false, "user": nil})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"authenticated": true, "user": sess.User})
}

// Logout handles POST /auth/logout?session_id=... Deleting an unknown
// session still reports success; logout is idempotent.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = r.FormValue("session_id")
	}
	if validation.ValidateSessionID(id) == nil {
		h.store.Delete(id)
		if h.audit != nil {
			h.audit.Log(&audit.Event{Operation: audit.OpSessionLogout, SessionID: id, Success: true})
		}
		logger.InfoContext(r.Context(), "User logged out", "session_id", id)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Logged out successfully"})
}

func (h *AuthHandler) auditExchange(email string, success bool, err error) {
	if h.audit == nil {
		return
	}
	event := &audit.Event{
		Operation: audit.OpAuthExchange,
		UserEmail: email,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	h.audit.Log(event)
}

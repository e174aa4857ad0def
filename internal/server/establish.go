package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/majordomo/internal/agent"
	"github.com/HyphaGroup/majordomo/internal/audit"
	"github.com/HyphaGroup/majordomo/internal/credentials"
	"github.com/HyphaGroup/majordomo/internal/llm"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/provider"
	"github.com/HyphaGroup/majordomo/internal/session"
)

// ProviderSet is one session's running capability providers. Satisfied
// by *provider.Set.
type ProviderSet interface {
	agent.Capabilities
	Stop()
}

// Supervisor launches a session's capability providers.
type Supervisor interface {
	Start(ctx context.Context, sessionID, keysPath, accessToken string) (ProviderSet, error)
}

// SupervisorAdapter lifts *provider.Supervisor to the Supervisor
// interface.
type SupervisorAdapter struct {
	*provider.Supervisor
}

func (a SupervisorAdapter) Start(ctx context.Context, sessionID, keysPath, accessToken string) (ProviderSet, error) {
	set, err := a.Supervisor.Start(ctx, sessionID, keysPath, accessToken)
	if err != nil {
		return nil, err
	}
	return set, nil
}

// EstablisherConfig assembles a SessionEstablisher.
type EstablisherConfig struct {
	Credentials *credentials.Materializer
	Supervisor  Supervisor
	Oracle      llm.Provider
	Audit       *audit.Store

	SystemPrompt   string
	MaxRounds      int
	RequestTimeout time.Duration
}

// SessionEstablisher builds the full per-session stack after a
// successful identity exchange: session record, credential artifacts,
// capability providers, agent. It also owns teardown, releasing all of
// that in reverse when a session ends.
type SessionEstablisher struct {
	cfg   EstablisherConfig
	store *session.Store

	mu   sync.Mutex
	sets map[string]ProviderSet
}

// NewEstablisher creates an establisher. AttachStore must be called
// before Establish.
func NewEstablisher(cfg EstablisherConfig) *SessionEstablisher {
	return &SessionEstablisher{
		cfg:  cfg,
		sets: make(map[string]ProviderSet),
	}
}

// AttachStore wires the session store. Split from the constructor
// because the store's teardown hook is this establisher's Teardown.
func (e *SessionEstablisher) AttachStore(store *session.Store) {
	e.store = store
}

// Establish creates a session and everything behind it. Any failure
// after session creation rolls back so no partial session remains.
func (e *SessionEstablisher) Establish(ctx context.Context, user session.UserIdentity, accessToken string) (*session.Session, error) {
	sess := e.store.Create(user, accessToken)

	dir, err := e.cfg.Credentials.Materialize(sess.ID, accessToken)
	if err != nil {
		e.store.Delete(sess.ID)
		e.auditCreate(sess, false, err)
		return nil, fmt.Errorf("credential materialization failed: %w", err)
	}
	e.auditEvent(&audit.Event{
		Operation: audit.OpCredentialSave,
		SessionID: sess.ID,
		UserEmail: user.Email,
		Success:   true,
		Details:   map[string]any{"dir": dir},
	})

	set, err := e.cfg.Supervisor.Start(ctx, sess.ID, e.cfg.Credentials.KeysPath(sess.ID), accessToken)
	if err != nil {
		e.store.Delete(sess.ID)
		_ = e.cfg.Credentials.Remove(sess.ID)
		e.auditCreate(sess, false, err)
		return nil, err
	}

	e.mu.Lock()
	e.sets[sess.ID] = set
	e.mu.Unlock()

	inst := agent.New(agent.Config{
		SessionID:      sess.ID,
		Oracle:         e.cfg.Oracle,
		Capabilities:   set,
		SystemPrompt:   e.cfg.SystemPrompt,
		MaxRounds:      e.cfg.MaxRounds,
		RequestTimeout: e.cfg.RequestTimeout,
	})
	if err := e.store.BindAgent(sess.ID, inst); err != nil {
		// Session vanished between Create and BindAgent; teardown
		// already ran via the store.
		e.auditCreate(sess, false, err)
		return nil, err
	}

	logger.InfoContext(ctx, "Session established",
		"session_id", sess.ID,
		"user", user.Email,
		"tools", len(set.Tools()))
	e.auditCreate(sess, true, nil)
	return sess, nil
}

// Teardown releases a session's providers and credential artifacts.
// Installed as the session store's teardown hook, so it runs exactly
// once per session regardless of how the session ends.
func (e *SessionEstablisher) Teardown(sess *session.Session) {
	e.mu.Lock()
	set := e.sets[sess.ID]
	delete(e.sets, sess.ID)
	e.mu.Unlock()

	if set != nil {
		set.Stop()
	}
	if err := e.cfg.Credentials.Remove(sess.ID); err != nil {
		logger.Slog().Warn("Failed to remove credential artifacts",
			"session_id", sess.ID,
			"error", err)
	}
	logger.Slog().Info("Session torn down", "session_id", sess.ID, "user", sess.User.Email)
}

func (e *SessionEstablisher) auditCreate(sess *session.Session, success bool, err error) {
	event := &audit.Event{
		Operation: audit.OpSessionCreate,
		SessionID: sess.ID,
		UserEmail: sess.User.Email,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}
	e.auditEvent(event)
}

func (e *SessionEstablisher) auditEvent(event *audit.Event) {
	if e.cfg.Audit != nil {
		e.cfg.Audit.Log(event)
	}
}

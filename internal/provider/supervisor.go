// Package provider supervises per-session capability provider processes.
//
// Each session gets its own set of subprocesses, spoken to over MCP on
// stdio. Provider startup is all-or-nothing: if any configured provider
// fails to launch, the whole set is torn down and the session cannot be
// established.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/majordomo/internal/config"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/metrics"
)

var (
	// ErrCapabilityUnavailable indicates the provider process backing a
	// capability is gone or the set has been stopped.
	ErrCapabilityUnavailable = errors.New("capability provider unavailable")

	// ErrUnknownCapability indicates a tool name no provider exposes.
	ErrUnknownCapability = errors.New("unknown capability")
)

// SpawnError reports which provider failed to launch.
type SpawnError struct {
	Provider string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn provider %s: %v", e.Provider, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Tool describes one capability exposed by a provider set.
type Tool struct {
	// Name is the exposed name, prefixed with the provider name when two
	// providers declare the same tool.
	Name        string
	Provider    string
	Description string
	InputSchema map[string]any
}

// Result is the outcome of one capability invocation. IsError carries
// tool-level failure; transport failure surfaces as an error instead.
type Result struct {
	Text    string
	IsError bool
}

// connection is the per-provider MCP session surface. Narrowed to an
// interface so tests can run without real subprocesses.
type connection interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*Result, error)
	Close() error
}

type dialFunc func(ctx context.Context, name string, cfg config.ProviderConfig, env []string) (connection, error)

// Supervisor launches provider sets from static configuration.
type Supervisor struct {
	providers map[string]config.ProviderConfig
	dial      dialFunc
}

// NewSupervisor creates a supervisor for the configured providers.
func NewSupervisor(providers map[string]config.ProviderConfig) *Supervisor {
	return &Supervisor{providers: providers, dial: dialMCP}
}

// Start launches every configured provider for one session. keysPath and
// accessToken are injected into each provider's environment. On any
// launch failure the already-started providers are stopped and a
// SpawnError is returned.
func (s *Supervisor) Start(ctx context.Context, sessionID, keysPath, accessToken string) (*Set, error) {
	set := &Set{
		sessionID: sessionID,
		conns:     make(map[string]connection),
		routes:    make(map[string]route),
	}

	for _, name := range s.providerNames() {
		cfg := s.providers[name]
		env := providerEnv(cfg, keysPath, accessToken)

		conn, err := s.dial(ctx, name, cfg, env)
		if err != nil {
			metrics.RecordProviderSpawn(name, "error")
			set.Stop()
			return nil, &SpawnError{Provider: name, Err: err}
		}

		tools, err := conn.ListTools(ctx)
		if err != nil {
			metrics.RecordProviderSpawn(name, "error")
			_ = conn.Close()
			set.Stop()
			return nil, &SpawnError{Provider: name, Err: fmt.Errorf("failed to list tools: %w", err)}
		}

		metrics.RecordProviderSpawn(name, "ok")
		set.conns[name] = conn
		set.register(name, tools)

		logger.InfoContext(ctx, "Capability provider started",
			"provider", name,
			"session_id", sessionID,
			"tools", len(tools))
	}

	return set, nil
}

// providerNames returns configured provider names in stable order, so
// tool name collisions resolve the same way on every start.
func (s *Supervisor) providerNames() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// providerEnv builds the subprocess environment: inherited, then static
// per-provider entries, then the session credential bindings last so
// they always win.
func providerEnv(cfg config.ProviderConfig, keysPath, accessToken string) []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"GOOGLE_OAUTH_CREDENTIALS="+keysPath,
		"GOOGLE_ACCESS_TOKEN="+accessToken,
	)
	return env
}

type route struct {
	provider string
	remote   string
}

// Set is one session's running providers and their merged tool catalog.
type Set struct {
	sessionID string

	mu     sync.Mutex
	closed bool
	conns  map[string]connection
	routes map[string]route
	tools  []Tool
}

// register merges one provider's tools into the catalog. The first
// provider to claim a bare name keeps it; later claimants get the
// provider-prefixed form.
func (p *Set) register(providerName string, tools []Tool) {
	for _, t := range tools {
		exposed := t.Name
		if _, taken := p.routes[exposed]; taken {
			exposed = providerName + "_" + t.Name
		}
		p.routes[exposed] = route{provider: providerName, remote: t.Name}
		p.tools = append(p.tools, Tool{
			Name:        exposed,
			Provider:    providerName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
}

// Tools returns the merged tool catalog.
func (p *Set) Tools() []Tool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Tool, len(p.tools))
	copy(out, p.tools)
	return out
}

// CallTool routes one capability invocation to its provider. A stopped
// set or a dead provider yields ErrCapabilityUnavailable; a name no
// provider exposes yields ErrUnknownCapability.
func (p *Set) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrCapabilityUnavailable
	}
	rt, ok := p.routes[name]
	conn := p.conns[rt.provider]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}

	result, err := conn.CallTool(ctx, rt.remote, args)
	if err != nil {
		metrics.RecordCapabilityCall(rt.provider, "error")
		return nil, fmt.Errorf("%w: %s: %v", ErrCapabilityUnavailable, rt.provider, err)
	}

	status := "ok"
	if result.IsError {
		status = "tool_error"
	}
	metrics.RecordCapabilityCall(rt.provider, status)
	return result, nil
}

// Stop closes every provider connection, terminating the subprocesses.
// Idempotent and best effort.
func (p *Set) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	for name, conn := range conns {
		if err := conn.Close(); err != nil {
			logger.Slog().Warn("Error stopping capability provider",
				"provider", name,
				"session_id", p.sessionID,
				"error", err)
		}
	}
}

// mcpConnection adapts an MCP client session to the connection interface.
type mcpConnection struct {
	session *mcp.ClientSession
}

// dialMCP spawns the provider command and completes the MCP handshake
// over its stdio.
func dialMCP(ctx context.Context, name string, cfg config.ProviderConfig, env []string) (connection, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = env
	cmd.Stderr = os.Stderr

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "majordomo",
		Version: "0.1.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &mcpConnection{session: session}, nil
}

func (c *mcpConnection) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, err
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		var schema map[string]any
		if t.InputSchema != nil {
			if s, ok := t.InputSchema.(map[string]any); ok {
				schema = s
			}
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

func (c *mcpConnection) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(tc.Text)
		}
	}
	return &Result{Text: text.String(), IsError: result.IsError}, nil
}

func (c *mcpConnection) Close() error {
	return c.session.Close()
}

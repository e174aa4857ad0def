// Package agent runs the per-session reasoning loop: oracle exchange,
// capability invocation, and the round budget that bounds a single run.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/HyphaGroup/majordomo/internal/llm"
	"github.com/HyphaGroup/majordomo/internal/logger"
	"github.com/HyphaGroup/majordomo/internal/metrics"
	"github.com/HyphaGroup/majordomo/internal/provider"
)

const (
	// DefaultMaxRounds bounds oracle exchanges per run.
	DefaultMaxRounds = 90
	// DefaultRequestTimeout bounds one whole run.
	DefaultRequestTimeout = 300 * time.Second

	// DefaultMaxHistory bounds how many conversation messages carry
	// across runs. Older turns are dropped so long-lived sessions do
	// not grow oracle payloads without bound.
	DefaultMaxHistory = 120

	// budgetExhaustedReply is returned as a normal answer when a run
	// uses up its round budget without reaching a final response.
	budgetExhaustedReply = "I wasn't able to complete that request within the allowed number of steps. Please try breaking it into smaller requests."
)

// AgentError wraps failures that abort a run without producing an answer.
type AgentError struct {
	SessionID string
	Err       error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent run failed for session %s: %v", e.SessionID, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// Capabilities is the provider surface the loop invokes. Satisfied by
// *provider.Set; narrowed so tests can script capability behavior.
type Capabilities interface {
	Tools() []provider.Tool
	CallTool(ctx context.Context, name string, args map[string]any) (*provider.Result, error)
}

// Config assembles one agent instance.
type Config struct {
	SessionID      string
	Oracle         llm.Provider
	Capabilities   Capabilities
	SystemPrompt   string
	MaxRounds      int
	MaxHistory     int
	RequestTimeout time.Duration
}

// Instance is one session's agent. Runs on the same instance are
// serialized; conversation history carries across runs for the life of
// the session.
type Instance struct {
	sessionID  string
	oracle     llm.Provider
	caps       Capabilities
	system     string
	maxRounds  int
	maxHistory int
	timeout    time.Duration

	tools   []llm.ToolDef
	schemas map[string]*jsonschema.Resolved

	mu      sync.Mutex
	history []llm.Message
}

// New creates an agent instance and compiles the capability schemas it
// will validate arguments against.
func New(cfg Config) *Instance {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}

	inst := &Instance{
		sessionID:  cfg.SessionID,
		oracle:     cfg.Oracle,
		caps:       cfg.Capabilities,
		system:     cfg.SystemPrompt,
		maxRounds:  cfg.MaxRounds,
		maxHistory: cfg.MaxHistory,
		timeout:    cfg.RequestTimeout,
		schemas:    make(map[string]*jsonschema.Resolved),
	}

	for _, t := range cfg.Capabilities.Tools() {
		inst.tools = append(inst.tools, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
		if resolved := compileSchema(t.InputSchema); resolved != nil {
			inst.schemas[t.Name] = resolved
		}
	}

	return inst
}

// compileSchema turns a raw schema map into a resolved validator. A
// schema that fails to compile disables validation for that tool rather
// than blocking it.
func compileSchema(raw map[string]any) *jsonschema.Resolved {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(data, schema); err != nil {
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil
	}
	return resolved
}

// Run answers one user message. It exchanges with the oracle up to the
// round budget, invoking capabilities between exchanges. Budget
// exhaustion is a normal answer, not an error; transport failures to
// the oracle or a provider abort with AgentError.
func (a *Instance) Run(ctx context.Context, message string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	a.trimHistory()
	a.history = append(a.history, llm.Message{Role: "user", Content: message})

	for round := 1; round <= a.maxRounds; round++ {
		resp, err := a.oracle.Chat(ctx, a.system, a.history, a.tools)
		if err != nil {
			metrics.RecordAgentRun("error", time.Since(start).Seconds(), round)
			return "", &AgentError{SessionID: a.sessionID, Err: fmt.Errorf("oracle exchange failed: %w", err)}
		}

		a.history = append(a.history, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			metrics.RecordAgentRun("ok", time.Since(start).Seconds(), round)
			return resp.Content, nil
		}

		for _, tc := range resp.ToolCalls {
			observation, err := a.invoke(ctx, tc)
			if err != nil {
				metrics.RecordAgentRun("error", time.Since(start).Seconds(), round)
				return "", &AgentError{SessionID: a.sessionID, Err: err}
			}
			a.history = append(a.history, observation)
		}
	}

	logger.InfoContext(ctx, "Agent run exhausted round budget",
		"session_id", a.sessionID,
		"max_rounds", a.maxRounds)
	metrics.RecordAgentRun("budget_exhausted", time.Since(start).Seconds(), a.maxRounds)
	return budgetExhaustedReply, nil
}

// trimHistory drops the oldest turns once the history exceeds the cap.
// Runs between runs only, and always cuts at a user turn so an
// assistant tool request is never separated from its observations.
func (a *Instance) trimHistory() {
	if len(a.history) <= a.maxHistory {
		return
	}
	cut := len(a.history) - a.maxHistory
	for cut < len(a.history) && a.history[cut].Role != "user" {
		cut++
	}
	a.history = append([]llm.Message(nil), a.history[cut:]...)
}

// invoke executes one capability call and returns the tool observation.
// Invalid arguments, unknown capabilities, and tool-level failures all
// come back as error observations the oracle can react to; only a dead
// provider returns an error.
func (a *Instance) invoke(ctx context.Context, tc llm.ToolCall) (llm.Message, error) {
	if resolved, ok := a.schemas[tc.Name]; ok {
		args := tc.Input
		if args == nil {
			args = map[string]any{}
		}
		if err := resolved.Validate(args); err != nil {
			return llm.Message{
				Role:      "tool",
				ToolUseID: tc.ID,
				Content:   fmt.Sprintf("invalid arguments for %s: %v", tc.Name, err),
				IsError:   true,
			}, nil
		}
	}

	result, err := a.caps.CallTool(ctx, tc.Name, tc.Input)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownCapability) {
			return llm.Message{
				Role:      "tool",
				ToolUseID: tc.ID,
				Content:   err.Error(),
				IsError:   true,
			}, nil
		}
		return llm.Message{}, fmt.Errorf("capability call %s failed: %w", tc.Name, err)
	}

	return llm.Message{
		Role:      "tool",
		ToolUseID: tc.ID,
		Content:   result.Text,
		IsError:   result.IsError,
	}, nil
}

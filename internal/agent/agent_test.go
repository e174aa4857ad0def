package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/majordomo/internal/llm"
	"github.com/HyphaGroup/majordomo/internal/provider"
)

// scriptedOracle replays canned responses in order, then repeats the
// last one.
type scriptedOracle struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	calls     int
	seen      [][]llm.Message
}

func (o *scriptedOracle) Chat(_ context.Context, _ string, messages []llm.Message, _ []llm.ToolDef) (*llm.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	o.seen = append(o.seen, snapshot)
	if o.err != nil {
		return nil, o.err
	}
	idx := o.calls - 1
	if idx >= len(o.responses) {
		idx = len(o.responses) - 1
	}
	return o.responses[idx], nil
}

type scriptedCaps struct {
	tools   []provider.Tool
	results map[string]*provider.Result
	errs    map[string]error
	calls   []string
}

func (c *scriptedCaps) Tools() []provider.Tool { return c.tools }

func (c *scriptedCaps) CallTool(_ context.Context, name string, _ map[string]any) (*provider.Result, error) {
	c.calls = append(c.calls, name)
	if err, ok := c.errs[name]; ok {
		return nil, err
	}
	if r, ok := c.results[name]; ok {
		return r, nil
	}
	return &provider.Result{Text: "ok"}, nil
}

func textReply(text string) *llm.Response {
	return &llm.Response{Content: text, StopReason: "end_turn"}
}

func toolReply(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{StopReason: "tool_use", ToolCalls: calls}
}

func TestRun_DirectAnswer(t *testing.T) {
	oracle := &scriptedOracle{responses: []*llm.Response{textReply("The answer")}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: &scriptedCaps{}})

	got, err := inst.Run(context.Background(), "question")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "The answer" {
		t.Errorf("Run() = %q, want The answer", got)
	}
	if oracle.calls != 1 {
		t.Errorf("oracle calls = %d, want 1", oracle.calls)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	caps := &scriptedCaps{
		tools:   []provider.Tool{{Name: "get_current_time"}},
		results: map[string]*provider.Result{"get_current_time": {Text: "2026-08-28T10:00:00Z"}},
	}
	oracle := &scriptedOracle{responses: []*llm.Response{
		toolReply(llm.ToolCall{ID: "t1", Name: "get_current_time"}),
		textReply("It is 10:00 UTC"),
	}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: caps})

	got, err := inst.Run(context.Background(), "what time is it")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "It is 10:00 UTC" {
		t.Errorf("Run() = %q", got)
	}
	if len(caps.calls) != 1 || caps.calls[0] != "get_current_time" {
		t.Errorf("capability calls = %v", caps.calls)
	}

	// Second exchange must carry the tool observation back to the oracle.
	second := oracle.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolUseID != "t1" {
		t.Fatalf("last message = %+v, want tool observation for t1", last)
	}
	if last.Content != "2026-08-28T10:00:00Z" {
		t.Errorf("observation content = %q", last.Content)
	}
}

func TestRun_BudgetExhausted(t *testing.T) {
	caps := &scriptedCaps{tools: []provider.Tool{{Name: "list-events"}}}
	// Oracle asks for a tool on every round and never concludes.
	oracle := &scriptedOracle{responses: []*llm.Response{
		toolReply(llm.ToolCall{ID: "t1", Name: "list-events"}),
	}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: caps, MaxRounds: 5})

	got, err := inst.Run(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Run() error = %v, budget exhaustion is not an error", err)
	}
	if !strings.Contains(got, "steps") {
		t.Errorf("Run() = %q, want a could-not-complete reply", got)
	}
	if oracle.calls != 5 {
		t.Errorf("oracle calls = %d, want 5", oracle.calls)
	}
}

func TestRun_ToolErrorFedBack(t *testing.T) {
	caps := &scriptedCaps{
		tools:   []provider.Tool{{Name: "send_email"}},
		results: map[string]*provider.Result{"send_email": {Text: "invalid recipient", IsError: true}},
	}
	oracle := &scriptedOracle{responses: []*llm.Response{
		toolReply(llm.ToolCall{ID: "t1", Name: "send_email", Input: map[string]any{"to": "nobody"}}),
		textReply("That address looks invalid."),
	}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: caps})

	got, err := inst.Run(context.Background(), "send it")
	if err != nil {
		t.Fatalf("Run() error = %v, tool errors must not abort the run", err)
	}
	if got != "That address looks invalid." {
		t.Errorf("Run() = %q", got)
	}

	second := oracle.seen[1]
	last := second[len(second)-1]
	if !last.IsError {
		t.Error("tool observation IsError = false, want true")
	}
}

func TestRun_CapabilityUnavailableAborts(t *testing.T) {
	caps := &scriptedCaps{
		tools: []provider.Tool{{Name: "list-events"}},
		errs:  map[string]error{"list-events": provider.ErrCapabilityUnavailable},
	}
	oracle := &scriptedOracle{responses: []*llm.Response{
		toolReply(llm.ToolCall{ID: "t1", Name: "list-events"}),
	}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: caps})

	_, err := inst.Run(context.Background(), "calendar")
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Run() error = %v, want *AgentError", err)
	}
	if !errors.Is(err, provider.ErrCapabilityUnavailable) {
		t.Errorf("error chain = %v, want ErrCapabilityUnavailable", err)
	}
}

func TestRun_UnknownCapabilityFedBack(t *testing.T) {
	caps := &scriptedCaps{
		tools: []provider.Tool{{Name: "list-events"}},
		errs:  map[string]error{"imaginary_tool": provider.ErrUnknownCapability},
	}
	oracle := &scriptedOracle{responses: []*llm.Response{
		toolReply(llm.ToolCall{ID: "t1", Name: "imaginary_tool"}),
		textReply("I don't have that capability."),
	}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: caps})

	got, err := inst.Run(context.Background(), "do magic")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "I don't have that capability." {
		t.Errorf("Run() = %q", got)
	}
}

func TestRun_SchemaRejection(t *testing.T) {
	caps := &scriptedCaps{
		tools: []provider.Tool{{
			Name: "list-events",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"maxResults": map[string]any{"type": "integer"}},
				"required":   []any{"maxResults"},
			},
		}},
	}
	oracle := &scriptedOracle{responses: []*llm.Response{
		toolReply(llm.ToolCall{ID: "t1", Name: "list-events", Input: map[string]any{"maxResults": "ten"}}),
		textReply("Retried with valid arguments."),
	}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: caps})

	got, err := inst.Run(context.Background(), "calendar")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got != "Retried with valid arguments." {
		t.Errorf("Run() = %q", got)
	}

	// The provider must never see the invalid call.
	if len(caps.calls) != 0 {
		t.Errorf("capability calls = %v, want none", caps.calls)
	}
	second := oracle.seen[1]
	last := second[len(second)-1]
	if !last.IsError || !strings.Contains(last.Content, "invalid arguments") {
		t.Errorf("observation = %+v, want invalid-arguments error", last)
	}
}

func TestRun_OracleFailureAborts(t *testing.T) {
	oracle := &scriptedOracle{err: errors.New("connection refused")}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: &scriptedCaps{}})

	_, err := inst.Run(context.Background(), "hello")
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("Run() error = %v, want *AgentError", err)
	}
	if agentErr.SessionID != "s1" {
		t.Errorf("AgentError.SessionID = %v, want s1", agentErr.SessionID)
	}
}

func TestRun_HistoryCarriesAcrossRuns(t *testing.T) {
	oracle := &scriptedOracle{responses: []*llm.Response{textReply("first"), textReply("second")}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: &scriptedCaps{}})

	if _, err := inst.Run(context.Background(), "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Run(context.Background(), "two"); err != nil {
		t.Fatal(err)
	}

	second := oracle.seen[1]
	// user "one", assistant "first", user "two"
	if len(second) != 3 {
		t.Fatalf("second exchange message count = %d, want 3", len(second))
	}
	if second[0].Content != "one" || second[1].Content != "first" || second[2].Content != "two" {
		t.Errorf("history = %+v", second)
	}
}

func TestRun_HistoryCapped(t *testing.T) {
	oracle := &scriptedOracle{responses: []*llm.Response{textReply("reply")}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: &scriptedCaps{}, MaxHistory: 4})

	for i := 0; i < 10; i++ {
		if _, err := inst.Run(context.Background(), "msg"); err != nil {
			t.Fatal(err)
		}
	}

	last := oracle.seen[len(oracle.seen)-1]
	// Cap of 4 prior messages plus the run's own user message.
	if len(last) > 5 {
		t.Errorf("oracle saw %d messages, want at most 5", len(last))
	}
	if last[0].Role != "user" {
		t.Errorf("history starts with role %q, want user", last[0].Role)
	}
}

func TestRun_HistoryTrimKeepsToolPairs(t *testing.T) {
	caps := &scriptedCaps{
		tools:   []provider.Tool{{Name: "get_current_time"}},
		results: map[string]*provider.Result{"get_current_time": {Text: "10:00"}},
	}
	// Every run costs four messages: user, assistant tool request,
	// observation, assistant answer.
	oracle := &scriptedOracle{responses: []*llm.Response{
		toolReply(llm.ToolCall{ID: "t1", Name: "get_current_time"}),
		textReply("done"),
		toolReply(llm.ToolCall{ID: "t2", Name: "get_current_time"}),
		textReply("done"),
		toolReply(llm.ToolCall{ID: "t3", Name: "get_current_time"}),
		textReply("done"),
	}}
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: caps, MaxHistory: 5})

	for i := 0; i < 3; i++ {
		if _, err := inst.Run(context.Background(), "what time is it"); err != nil {
			t.Fatal(err)
		}
	}

	last := oracle.seen[len(oracle.seen)-1]
	if last[0].Role != "user" {
		t.Fatalf("trimmed history starts with role %q, want user", last[0].Role)
	}
	for i, m := range last {
		if m.Role == "tool" {
			prev := last[i-1]
			if prev.Role != "assistant" || len(prev.ToolCalls) == 0 {
				t.Errorf("observation at %d not preceded by its tool request: %+v", i, prev)
			}
		}
	}
}

func TestRun_SerializesSameSession(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex

	oracle := oracleFunc(func(context.Context) (*llm.Response, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return textReply("done"), nil
	})
	inst := New(Config{SessionID: "s1", Oracle: oracle, Capabilities: &scriptedCaps{}})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = inst.Run(context.Background(), "msg")
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent oracle exchanges = %d, want 1", maxActive)
	}
}

// echoOracle asks for the whoami tool once, then answers with whatever
// the tool observation said.
type echoOracle struct{}

func (echoOracle) Chat(_ context.Context, _ string, messages []llm.Message, _ []llm.ToolDef) (*llm.Response, error) {
	last := messages[len(messages)-1]
	if last.Role == "tool" {
		return textReply("observed: " + last.Content), nil
	}
	return toolReply(llm.ToolCall{ID: "t1", Name: "whoami"}), nil
}

func TestRun_SessionsIsolated(t *testing.T) {
	// Two sessions whose capability sets answer with their own session
	// tag. Concurrent runs must never see the other session's output.
	newInstance := func(tag string) *Instance {
		return New(Config{
			SessionID: tag,
			Oracle:    echoOracle{},
			Capabilities: &scriptedCaps{
				tools:   []provider.Tool{{Name: "whoami"}},
				results: map[string]*provider.Result{"whoami": {Text: tag}},
			},
		})
	}
	instA := newInstance("session-a")
	instB := newInstance("session-b")

	var wg sync.WaitGroup
	run := func(inst *Instance, want, other string) {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			got, err := inst.Run(context.Background(), "who am i")
			if err != nil {
				t.Errorf("Run() error = %v", err)
				return
			}
			if got != "observed: "+want {
				t.Errorf("Run() = %q, want observed: %s", got, want)
				return
			}
			if strings.Contains(got, other) {
				t.Errorf("Run() = %q leaked %s", got, other)
				return
			}
		}
	}
	wg.Add(2)
	go run(instA, "session-a", "session-b")
	go run(instB, "session-b", "session-a")
	wg.Wait()
}

type oracleFunc func(ctx context.Context) (*llm.Response, error)

func (f oracleFunc) Chat(ctx context.Context, _ string, _ []llm.Message, _ []llm.ToolDef) (*llm.Response, error) {
	return f(ctx)
}

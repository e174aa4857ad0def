package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/HyphaGroup/majordomo/internal/config"
)

type fakeConn struct {
	mu       sync.Mutex
	tools    []Tool
	results  map[string]*Result
	callErr  error
	listErr  error
	closed   bool
	closeErr error
	calls    []string
}

func (f *fakeConn) ListTools(_ context.Context) ([]Tool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeConn) CallTool(_ context.Context, name string, _ map[string]any) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return &Result{Text: "ok"}, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func testSupervisor(conns map[string]*fakeConn, failing map[string]error) *Supervisor {
	providers := make(map[string]config.ProviderConfig)
	for name := range conns {
		providers[name] = config.ProviderConfig{Command: "true"}
	}
	for name := range failing {
		providers[name] = config.ProviderConfig{Command: "true"}
	}
	s := NewSupervisor(providers)
	s.dial = func(_ context.Context, name string, _ config.ProviderConfig, _ []string) (connection, error) {
		if err, ok := failing[name]; ok {
			return nil, err
		}
		return conns[name], nil
	}
	return s
}

func TestStart_MergesToolCatalog(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {tools: []Tool{
			{Name: "list-events", Description: "List calendar events"},
			{Name: "create-event"},
		}},
		"mail": {tools: []Tool{
			{Name: "send_email"},
		}},
	}

	s := testSupervisor(conns, nil)
	set, err := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer set.Stop()

	tools := set.Tools()
	if len(tools) != 3 {
		t.Fatalf("Tools() count = %d, want 3", len(tools))
	}
	names := make(map[string]string)
	for _, tool := range tools {
		names[tool.Name] = tool.Provider
	}
	if names["list-events"] != "calendar" {
		t.Errorf("list-events provider = %v, want calendar", names["list-events"])
	}
	if names["send_email"] != "mail" {
		t.Errorf("send_email provider = %v, want mail", names["send_email"])
	}
}

func TestStart_CollidingToolNamesPrefixed(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {tools: []Tool{{Name: "get_current_time"}}},
		"time":     {tools: []Tool{{Name: "get_current_time"}}},
	}

	s := testSupervisor(conns, nil)
	set, err := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer set.Stop()

	var names []string
	for _, tool := range set.Tools() {
		names = append(names, tool.Name)
	}
	want := map[string]bool{"get_current_time": false, "time_get_current_time": false}
	for _, n := range names {
		if _, ok := want[n]; !ok {
			t.Errorf("unexpected tool name %q", n)
		}
		want[n] = true
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("missing tool name %q in %v", n, names)
		}
	}

	// The prefixed name routes to the remote (unprefixed) tool.
	if _, err := set.CallTool(context.Background(), "time_get_current_time", nil); err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if got := conns["time"].calls; len(got) != 1 || got[0] != "get_current_time" {
		t.Errorf("remote calls = %v, want [get_current_time]", got)
	}
}

func TestStart_AllOrNothing(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {tools: []Tool{{Name: "list-events"}}},
	}
	failing := map[string]error{
		"mail": errors.New("executable file not found"),
	}

	s := testSupervisor(conns, failing)
	_, err := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")
	if err == nil {
		t.Fatal("Start() error = nil, want SpawnError")
	}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start() error = %T, want *SpawnError", err)
	}
	if spawnErr.Provider != "mail" {
		t.Errorf("SpawnError.Provider = %v, want mail", spawnErr.Provider)
	}
	if !conns["calendar"].closed {
		t.Error("already-started provider not stopped after spawn failure")
	}
}

func TestStart_ListToolsFailure(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {listErr: errors.New("handshake failed")},
	}

	s := testSupervisor(conns, nil)
	_, err := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start() error = %v, want *SpawnError", err)
	}
	if !conns["calendar"].closed {
		t.Error("provider with failed tool listing not closed")
	}
}

func TestCallTool_UnknownCapability(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {tools: []Tool{{Name: "list-events"}}},
	}
	s := testSupervisor(conns, nil)
	set, _ := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")
	defer set.Stop()

	_, err := set.CallTool(context.Background(), "no_such_tool", nil)
	if !errors.Is(err, ErrUnknownCapability) {
		t.Errorf("CallTool() error = %v, want ErrUnknownCapability", err)
	}
}

func TestCallTool_ToolError(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {
			tools:   []Tool{{Name: "list-events"}},
			results: map[string]*Result{"list-events": {Text: "quota exceeded", IsError: true}},
		},
	}
	s := testSupervisor(conns, nil)
	set, _ := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")
	defer set.Stop()

	result, err := set.CallTool(context.Background(), "list-events", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v, tool errors must not be transport errors", err)
	}
	if !result.IsError {
		t.Error("Result.IsError = false, want true")
	}
	if !strings.Contains(result.Text, "quota exceeded") {
		t.Errorf("Result.Text = %q", result.Text)
	}
}

func TestCallTool_TransportFailure(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {
			tools:   []Tool{{Name: "list-events"}},
			callErr: errors.New("broken pipe"),
		},
	}
	s := testSupervisor(conns, nil)
	set, _ := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")
	defer set.Stop()

	_, err := set.CallTool(context.Background(), "list-events", nil)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Errorf("CallTool() error = %v, want ErrCapabilityUnavailable", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	conns := map[string]*fakeConn{
		"calendar": {tools: []Tool{{Name: "list-events"}}},
	}
	s := testSupervisor(conns, nil)
	set, _ := s.Start(context.Background(), "sess-1", "/tmp/keys.json", "tok")

	set.Stop()
	set.Stop()

	if !conns["calendar"].closed {
		t.Error("provider not closed after Stop")
	}
	if _, err := set.CallTool(context.Background(), "list-events", nil); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Errorf("CallTool() after Stop error = %v, want ErrCapabilityUnavailable", err)
	}
}

func TestProviderEnv(t *testing.T) {
	cfg := config.ProviderConfig{Env: map[string]string{"NODE_OPTIONS": "--max-old-space-size=256"}}
	env := providerEnv(cfg, "/creds/sess-1/gcp-oauth.keys.json", "ya29.tok")

	find := func(key string) string {
		prefix := key + "="
		// Last match wins, matching how the OS resolves duplicates.
		val := ""
		for _, e := range env {
			if strings.HasPrefix(e, prefix) {
				val = strings.TrimPrefix(e, prefix)
			}
		}
		return val
	}

	if got := find("GOOGLE_OAUTH_CREDENTIALS"); got != "/creds/sess-1/gcp-oauth.keys.json" {
		t.Errorf("GOOGLE_OAUTH_CREDENTIALS = %q", got)
	}
	if got := find("GOOGLE_ACCESS_TOKEN"); got != "ya29.tok" {
		t.Errorf("GOOGLE_ACCESS_TOKEN = %q", got)
	}
	if got := find("NODE_OPTIONS"); got != "--max-old-space-size=256" {
		t.Errorf("NODE_OPTIONS = %q", got)
	}
}

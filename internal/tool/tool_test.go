package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zulandar/waypoint/internal/config"
	"github.com/zulandar/waypoint/internal/db"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	log    *eventlog.Log
	reg    *Registry
	inv    *Invoker
	sleeps []time.Duration
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	gdb.Create(&models.Agent{ID: "agent-1", WorkspaceID: "ws", Name: "Support"})
	gdb.Create(&models.Session{ID: "s1", AgentID: "agent-1", Mode: models.ModeAuto, Status: models.SessionActive, LastActivity: time.Now()})

	f := &fixture{db: gdb, log: eventlog.New(gdb, nil)}
	f.reg = NewRegistry(gdb)
	f.inv = NewInvoker(f.reg, f.log, 10)
	f.inv.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func (f *fixture) register(t *testing.T, tool models.Tool, b Backend) {
	t.Helper()
	if tool.Name == "" {
		tool.Name = tool.ID
	}
	tool.Enabled = true
	if tool.ExecutionTimeoutMs == 0 {
		tool.ExecutionTimeoutMs = 1000
	}
	if err := f.reg.Register(context.Background(), &tool, b); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func echo() Backend {
	return FuncBackend(func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})
}

func TestInvoke_RecordsCallAndResult(t *testing.T) {
	f := setup(t)
	f.register(t, models.Tool{ID: "echo"}, echo())
	ctx := context.Background()

	res, err := f.inv.Invoke(ctx, "echo", "s1", json.RawMessage(`{"q":1}`), Caller{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.OK || string(res.Output) != `{"q":1}` || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}

	events, _ := f.log.Replay(ctx, "s1", 0)
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != models.EventToolCall || events[1].Type != models.EventToolResult {
		t.Errorf("event types = %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].ToolCallID == nil || *events[1].ToolCallID != res.ToolCallID {
		t.Errorf("tool_result not correlated to call %s", res.ToolCallID)
	}

	tool, _ := f.reg.Get(ctx, "echo")
	if tool.TotalInvocations != 1 || tool.SuccessCount != 1 || tool.LastInvokedAt == nil {
		t.Errorf("stats = total %d success %d", tool.TotalInvocations, tool.SuccessCount)
	}
}

func TestInvoke_RateLimitPerMinute(t *testing.T) {
	f := setup(t)
	f.register(t, models.Tool{ID: "lookup", RateLimitPerMinute: 1}, echo())
	ctx := context.Background()

	if _, err := f.inv.Invoke(ctx, "lookup", "s1", nil, Caller{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	res, err := f.inv.Invoke(ctx, "lookup", "s1", nil, Caller{})
	if !errors.Is(err, fault.ErrToolRateLimited) {
		t.Fatalf("second call err = %v, want ErrToolRateLimited", err)
	}
	if res == nil || res.OK || res.Code != "tool_rate_limited" {
		t.Errorf("result = %+v", res)
	}

	events, _ := f.log.Replay(ctx, "s1", 0)
	last, err := eventlog.Decode(events[len(events)-1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tr := last.(eventlog.ToolResult)
	if tr.OK || tr.Error == nil || tr.Error.Code != "tool_rate_limited" {
		t.Errorf("tool_result = %+v, want rate-limit error payload", tr)
	}
}

func TestInvoke_RateLimitSlidingWindow(t *testing.T) {
	f := setup(t)
	f.register(t, models.Tool{ID: "lookup", RateLimitPerMinute: 2}, echo())
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	calls := []struct {
		at      time.Duration
		limited bool
	}{
		{0, false},
		{time.Second, false},
		{31 * time.Second, true},
		{61 * time.Second, false},
	}
	for _, c := range calls {
		now := t0.Add(c.at)
		f.inv.now = func() time.Time { return now }
		_, err := f.inv.Invoke(ctx, "lookup", "s1", nil, Caller{})
		if got := errors.Is(err, fault.ErrToolRateLimited); got != c.limited {
			t.Errorf("call at +%v: err = %v, want rate limited %v", c.at, err, c.limited)
		}
	}
	if len(f.sleeps) != 0 {
		t.Errorf("rate-limited calls slept %v, want no retry", f.sleeps)
	}
}

func TestInvoke_RetriesTransientFailures(t *testing.T) {
	f := setup(t)
	calls := 0
	f.register(t, models.Tool{ID: "flaky", RetryMaxAttempts: 3, RetryBackoffMs: 100}, FuncBackend(
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection reset")
			}
			return json.RawMessage(`"ok"`), nil
		}))

	res, err := f.inv.Invoke(context.Background(), "flaky", "s1", nil, Caller{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if fmt.Sprint(f.sleeps) != fmt.Sprint(want) {
		t.Errorf("backoff = %v, want %v", f.sleeps, want)
	}
}

func TestInvoke_SurfacesTerminalFailure(t *testing.T) {
	f := setup(t)
	f.register(t, models.Tool{ID: "broken", RetryMaxAttempts: 2, RetryBackoffMs: 10}, FuncBackend(
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("upstream: %w", fault.ErrToolFailed)
		}))
	ctx := context.Background()

	res, err := f.inv.Invoke(ctx, "broken", "s1", nil, Caller{})
	if !errors.Is(err, fault.ErrToolFailed) {
		t.Fatalf("err = %v, want ErrToolFailed", err)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	tool, _ := f.reg.Get(ctx, "broken")
	if tool.FailureCount != 1 || tool.HealthStatus != models.HealthDown {
		t.Errorf("failure_count = %d health = %s", tool.FailureCount, tool.HealthStatus)
	}
}

func TestInvoke_DeterministicErrorsNotRetried(t *testing.T) {
	f := setup(t)
	calls := 0
	f.register(t, models.Tool{ID: "strict", RetryMaxAttempts: 5}, FuncBackend(
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, fmt.Errorf("bad args: %w", fault.ErrInvalidInput)
		}))

	_, err := f.inv.Invoke(context.Background(), "strict", "s1", nil, Caller{})
	if !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	f := setup(t)
	f.register(t, models.Tool{ID: "slow", ExecutionTimeoutMs: 20}, FuncBackend(
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	_, err := f.inv.Invoke(context.Background(), "slow", "s1", nil, Caller{})
	if !errors.Is(err, fault.ErrToolTimeout) {
		t.Fatalf("err = %v, want ErrToolTimeout", err)
	}
}

func TestInvoke_Preconditions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.register(t, models.Tool{ID: "secure", RequiresAuth: true, AuthType: models.AuthAPIKey},
		NewHTTPBackend(config.ToolConfig{Endpoint: "http://unused", AuthType: models.AuthAPIKey}))
	f.register(t, models.Tool{ID: "open"}, echo())
	if err := f.reg.Bind(ctx, "agent-1", "open", 1); err != nil {
		t.Fatalf("bind: %v", err)
	}

	tests := []struct {
		name   string
		tool   string
		caller Caller
		want   error
	}{
		{"unauthenticated", "secure", Caller{}, fault.ErrToolAuth},
		{"missing credentials", "secure", Caller{Authenticated: true}, fault.ErrToolAuth},
		{"unbound agent", "secure", Caller{AgentID: "agent-2", Authenticated: true}, fault.ErrToolAuth},
		{"unknown tool", "ghost", Caller{}, fault.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.inv.Invoke(ctx, tt.tool, "s1", nil, tt.caller)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.inv.Invoke(ctx, "open", "s1", nil, Caller{AgentID: "agent-1"}); err != nil {
		t.Fatalf("bound agent: %v", err)
	}
	binding, _ := f.reg.Binding(ctx, "agent-1", "open")
	if binding.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", binding.UsageCount)
	}

	f.reg.SetEnabled(ctx, "open", false)
	if _, err := f.inv.Invoke(ctx, "open", "s1", nil, Caller{}); !errors.Is(err, fault.ErrToolDisabled) {
		t.Errorf("disabled: err = %v, want ErrToolDisabled", err)
	}
}

func TestInvoke_ResultAfterAbandonIsOrphaned(t *testing.T) {
	f := setup(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.register(t, models.Tool{ID: "long"}, FuncBackend(
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`1`), nil
		}))
	ctx := context.Background()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.inv.Invoke(ctx, "long", "s1", nil, Caller{})
		done <- outcome{res, err}
	}()

	<-started
	if _, err := f.log.Append(ctx, "s1", eventlog.StatusUpdate{Status: models.SessionAbandoned}, eventlog.Meta{}); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	close(release)

	out := <-done
	if out.err != nil {
		t.Fatalf("Invoke: %v", out.err)
	}
	if !out.res.Orphaned {
		t.Error("result should be recorded as orphaned")
	}
	events, _ := f.log.Replay(ctx, "s1", 0)
	if len(events) != 3 || events[2].Type != models.EventToolResult {
		t.Fatalf("events = %d, want tool_call, status_update, tool_result", len(events))
	}
}

func TestInvoke_WithoutSession(t *testing.T) {
	f := setup(t)
	f.register(t, models.Tool{ID: "echo"}, echo())
	res, err := f.inv.Invoke(context.Background(), "echo", "", json.RawMessage(`[1]`), Caller{})
	if err != nil || !res.OK {
		t.Fatalf("Invoke = %+v, %v", res, err)
	}
	if _, err := f.inv.Invoke(context.Background(), "echo", "", json.RawMessage(`{`), Caller{}); !errors.Is(err, fault.ErrInvalidInput) {
		t.Errorf("invalid args: err = %v, want ErrInvalidInput", err)
	}
}

func TestHealthTracker(t *testing.T) {
	h := NewHealthTracker(10)
	for i := 0; i < 10; i++ {
		h.Record("t", true)
	}
	if got := h.Status("t"); got != models.HealthHealthy {
		t.Errorf("all ok = %s, want healthy", got)
	}
	for i := 0; i < 3; i++ {
		h.Record("t", false)
	}
	if got := h.Status("t"); got != models.HealthDegraded {
		t.Errorf("7/10 = %s, want degraded", got)
	}
	for i := 0; i < 4; i++ {
		h.Record("t", false)
	}
	if got := h.Status("t"); got != models.HealthDown {
		t.Errorf("3/10 = %s, want down", got)
	}
	if got := h.Status("unknown"); got != models.HealthHealthy {
		t.Errorf("unknown = %s, want healthy", got)
	}
}

func TestFlushHealth(t *testing.T) {
	f := setup(t)
	f.register(t, models.Tool{ID: "t1"}, echo())
	f.inv.health.Record("t1", false)

	n, err := f.inv.FlushHealth(context.Background())
	if err != nil {
		t.Fatalf("FlushHealth: %v", err)
	}
	if n != 1 {
		t.Errorf("updated = %d, want 1", n)
	}
	hm, _ := f.reg.HealthMap(context.Background())
	if hm["t1"] != models.HealthDown {
		t.Errorf("health = %s, want down", hm["t1"])
	}
}

func TestForAgent_OrdersByPriority(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.register(t, models.Tool{ID: "a"}, echo())
	f.register(t, models.Tool{ID: "b"}, echo())
	f.reg.Bind(ctx, "agent-1", "a", 1)
	f.reg.Bind(ctx, "agent-1", "b", 5)

	bindings, err := f.reg.ForAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("ForAgent: %v", err)
	}
	if len(bindings) != 2 || bindings[0].ToolID != "b" || bindings[0].Tool.ID != "b" {
		t.Errorf("bindings = %+v", bindings)
	}
	if err := f.reg.Bind(ctx, "agent-1", "ghost", 1); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("bind unknown: err = %v, want ErrNotFound", err)
	}
}

func TestHTTPBackend(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		output string
	}{
		{"ok json", http.StatusOK, `{"a":1}`, nil, `{"a":1}`},
		{"ok text", http.StatusOK, `plain`, nil, `"plain"`},
		{"empty", http.StatusOK, ``, nil, `null`},
		{"unauthorized", http.StatusUnauthorized, ``, fault.ErrToolAuth, ""},
		{"rate limited", http.StatusTooManyRequests, ``, fault.ErrToolRateLimited, ""},
		{"server error", http.StatusBadGateway, `oops`, fault.ErrToolFailed, ""},
		{"bad request", http.StatusBadRequest, `nope`, fault.ErrInvalidInput, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-API-Key") != "k1" {
					t.Errorf("X-API-Key = %q", r.Header.Get("X-API-Key"))
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			b := NewHTTPBackend(config.ToolConfig{Endpoint: srv.URL, AuthType: models.AuthAPIKey, APIKey: "k1"})
			out, err := b.Invoke(context.Background(), json.RawMessage(`{}`))
			if tt.want != nil {
				if !errors.Is(err, tt.want) {
					t.Fatalf("err = %v, want %v", err, tt.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if string(out) != tt.output {
				t.Errorf("output = %s, want %s", out, tt.output)
			}
		})
	}
}

func TestHTTPBackend_BearerAndCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`true`))
	}))
	defer srv.Close()

	b := NewHTTPBackend(config.ToolConfig{Endpoint: srv.URL, AuthType: models.AuthBearer, APIKey: "tok"})
	if !b.HasCredentials() {
		t.Error("bearer backend with key should have credentials")
	}
	if _, err := b.Invoke(context.Background(), nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if NewHTTPBackend(config.ToolConfig{AuthType: models.AuthOAuth2}).HasCredentials() {
		t.Error("oauth2 backend without token url should lack credentials")
	}
}

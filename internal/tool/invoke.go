package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/waypoint/internal/eventlog"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/metrics"
	"github.com/zulandar/waypoint/internal/models"
	"gorm.io/gorm"
)

// maxBackoff caps the exponential retry delay.
const maxBackoff = 30 * time.Second

// Caller identifies who asks for an invocation.
type Caller struct {
	AgentID string
	// Authenticated is set when the auth layer verified the caller.
	Authenticated bool
}

// Result is the outcome of one invocation, including all retries.
type Result struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolID     string          `json:"tool_id"`
	OK         bool            `json:"ok"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
	Orphaned   bool            `json:"orphaned,omitempty"`
}

// Invoker executes tools on behalf of sessions.
type Invoker struct {
	reg      *Registry
	log      *eventlog.Log
	health   *HealthTracker
	limiters *limiterSet
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewInvoker creates an Invoker. healthWindow is the number of recent
// outcomes used to classify tool health.
func NewInvoker(reg *Registry, log *eventlog.Log, healthWindow int) *Invoker {
	return &Invoker{
		reg:      reg,
		log:      log,
		health:   NewHealthTracker(healthWindow),
		limiters: newLimiterSet(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Registry returns the catalog the invoker resolves tools from.
func (inv *Invoker) Registry() *Registry { return inv.reg }

// Health returns the rolling health tracker.
func (inv *Invoker) Health() *HealthTracker { return inv.health }

// Invoke runs toolID with args for sessionID. The call and its terminal
// outcome are appended to the session's log as tool_call and tool_result
// events; an empty sessionID runs the tool outside any conversation.
//
// The returned Result is non-nil whenever the tool_call was recorded, even
// when err reports a terminal failure.
//
// Only backend failures are retried. A call over the tool's per-minute or
// per-hour budget fails at once with fault.ErrToolRateLimited and is never
// retried or queued; the caller decides whether to try again later.
func (inv *Invoker) Invoke(ctx context.Context, toolID, sessionID string, args json.RawMessage, caller Caller) (*Result, error) {
	t, err := inv.reg.Get(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("tool: invoke: %w", err)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return nil, fmt.Errorf("tool: invoke %s: args are not valid JSON: %w", toolID, fault.ErrInvalidInput)
	}

	res := &Result{ToolCallID: uuid.NewString(), ToolID: toolID}
	meta := eventlog.Meta{ToolCallID: res.ToolCallID}
	if sessionID != "" {
		call := eventlog.ToolCall{ToolID: toolID, ToolCallID: res.ToolCallID, Args: args}
		if _, err := inv.log.Append(ctx, sessionID, call, meta); err != nil {
			return nil, fmt.Errorf("tool: invoke %s: %w", toolID, err)
		}
	}

	start := inv.now()
	var output json.RawMessage
	err = inv.precheck(ctx, t, caller, start)
	if err == nil {
		output, res.Attempts, err = inv.run(ctx, t, args)
	}
	elapsed := inv.now().Sub(start)
	res.DurationMs = elapsed.Milliseconds()

	if err == nil {
		res.OK = true
		res.Output = output
	} else {
		res.Error = err.Error()
		res.Code = fault.Code(err)
	}

	status := t.HealthStatus
	if res.Attempts > 0 {
		status = inv.health.Record(toolID, res.OK)
	}
	if recErr := inv.record(ctx, t, sessionID, caller, res, status, meta); recErr != nil {
		if err == nil {
			err = recErr
		} else {
			log.Printf("tool: record result of %s: %v", toolID, recErr)
		}
	}
	metrics.RecordToolInvocation(toolID, outcome(err), elapsed.Seconds())

	if err != nil {
		return res, fmt.Errorf("tool: invoke %s: %w", toolID, err)
	}
	return res, nil
}

// precheck enforces enabled, auth and rate-limit preconditions.
func (inv *Invoker) precheck(ctx context.Context, t *models.Tool, caller Caller, now time.Time) error {
	if !t.Enabled {
		return fmt.Errorf("%s is disabled: %w", t.ID, fault.ErrToolDisabled)
	}
	if caller.AgentID != "" {
		b, err := inv.reg.Binding(ctx, caller.AgentID, t.ID)
		if err != nil {
			if errors.Is(err, fault.ErrNotFound) {
				return fmt.Errorf("agent %s may not call %s: %w", caller.AgentID, t.ID, fault.ErrToolAuth)
			}
			return err
		}
		if !b.Enabled {
			return fmt.Errorf("%s is disabled for agent %s: %w", t.ID, caller.AgentID, fault.ErrToolDisabled)
		}
	}
	if t.RequiresAuth {
		if !caller.Authenticated {
			return fmt.Errorf("%s requires an authenticated caller: %w", t.ID, fault.ErrToolAuth)
		}
		if b, ok := inv.reg.Backend(t.ID); ok {
			if c, ok := b.(Credentialed); ok && !c.HasCredentials() {
				return fmt.Errorf("%s has no %s credentials: %w", t.ID, t.AuthType, fault.ErrToolAuth)
			}
		}
	}
	if !inv.limiters.Allow(t.ID, t.RateLimitPerMinute, t.RateLimitPerHour, now) {
		return fmt.Errorf("%s exceeded %d/min, %d/h: %w", t.ID, t.RateLimitPerMinute, t.RateLimitPerHour, fault.ErrToolRateLimited)
	}
	return nil
}

// run calls the backend, retrying transient failures with exponential
// backoff up to the tool's attempt limit.
func (inv *Invoker) run(ctx context.Context, t *models.Tool, args json.RawMessage) (json.RawMessage, int, error) {
	b, ok := inv.reg.Backend(t.ID)
	if !ok {
		return nil, 0, fmt.Errorf("%s has no backend: %w", t.ID, fault.ErrToolDisabled)
	}
	maxAttempts := t.RetryMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := time.Duration(t.ExecutionTimeoutMs) * time.Millisecond
	backoff := time.Duration(t.RetryBackoffMs) * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var out json.RawMessage
		out, err = inv.attempt(ctx, b, args, timeout)
		if err == nil {
			return out, attempt, nil
		}
		if ctx.Err() != nil || !fault.Retryable(err) || attempt == maxAttempts {
			return nil, attempt, err
		}

		wait := time.Duration(math.Pow(2, float64(attempt-1))) * backoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("tool: %s failed (attempt %d/%d), retrying in %v: %v", t.ID, attempt, maxAttempts, wait, err)
		if serr := inv.sleep(ctx, wait); serr != nil {
			return nil, attempt, err
		}
	}
	return nil, maxAttempts, err
}

func (inv *Invoker) attempt(ctx context.Context, b Backend, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := b.Invoke(actx, args)
	if err == nil {
		if len(out) == 0 {
			out = json.RawMessage("null")
		}
		return out, nil
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("exceeded %v: %w", timeout, fault.ErrToolTimeout)
	}
	if fault.Code(err) == "internal" {
		return nil, fmt.Errorf("%v: %w", err, fault.ErrToolFailed)
	}
	return nil, err
}

// record appends the tool_result event and updates tool and binding stats
// in the same transaction.
func (inv *Invoker) record(ctx context.Context, t *models.Tool, sessionID string, caller Caller, res *Result, status string, meta eventlog.Meta) error {
	stats := func(tx *gorm.DB) error {
		if res.Attempts == 0 {
			return nil
		}
		return updateStats(tx, t.ID, caller.AgentID, res, status, inv.now())
	}

	if sessionID == "" {
		return stats(inv.reg.db.WithContext(ctx))
	}

	content := eventlog.ToolResult{
		ToolID:     t.ID,
		ToolCallID: res.ToolCallID,
		OK:         res.OK,
		Result:     res.Output,
		Attempts:   res.Attempts,
		DurationMs: res.DurationMs,
	}
	if !res.OK {
		content.Error = &eventlog.ToolError{Code: res.Code, Message: res.Error}
	}
	// The turn may have been cancelled while the tool ran; the result is
	// still recorded.
	ev, err := inv.log.AppendWith(context.WithoutCancel(ctx), sessionID, content, meta,
		func(tx *gorm.DB, _ *models.Event, _ *eventlog.State) error { return stats(tx) })
	if err != nil {
		return err
	}
	if c, err := eventlog.Decode(*ev); err == nil {
		res.Orphaned = c.(eventlog.ToolResult).Orphaned
	}
	return nil
}

func updateStats(tx *gorm.DB, toolID, agentID string, res *Result, status string, now time.Time) error {
	outcomeCol := "failure_count"
	if res.OK {
		outcomeCol = "success_count"
	}
	err := tx.Model(&models.Tool{}).Where("id = ?", toolID).Updates(map[string]interface{}{
		"avg_latency_ms":    gorm.Expr("(avg_latency_ms * total_invocations + ?) / (total_invocations + 1)", res.DurationMs),
		outcomeCol:          gorm.Expr(outcomeCol+" + ?", 1),
		"health_status":     status,
		"last_invoked_at":   now,
		"total_invocations": gorm.Expr("total_invocations + ?", 1),
	}).Error
	if err != nil {
		return fmt.Errorf("update tool stats: %w", err)
	}
	if agentID == "" {
		return nil
	}
	err = tx.Model(&models.AgentTool{}).Where("agent_id = ? AND tool_id = ?", agentID, toolID).Updates(map[string]interface{}{
		"usage_count":  gorm.Expr("usage_count + ?", 1),
		"last_used_at": now,
	}).Error
	if err != nil {
		return fmt.Errorf("update binding stats: %w", err)
	}
	return nil
}

// FlushHealth persists the tracker's current statuses to the tool rows.
func (inv *Invoker) FlushHealth(ctx context.Context) (int, error) {
	n := 0
	for id, status := range inv.health.Snapshot() {
		res := inv.reg.db.WithContext(ctx).Model(&models.Tool{}).
			Where("id = ? AND health_status <> ?", id, status).
			Update("health_status", status)
		if res.Error != nil {
			return n, fmt.Errorf("tool: flush health %s: %w", id, res.Error)
		}
		n += int(res.RowsAffected)
	}
	return n, nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.Code(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

package condition

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/zulandar/waypoint/internal/models"
)

func TestEval(t *testing.T) {
	cc := &Context{
		Message:    "I want a refund for order A-100",
		Variables:  map[string]json.RawMessage{"tier": json.RawMessage(`"gold"`), "attempts": json.RawMessage(`3`)},
		JourneyID:  "returns",
		StateID:    "ask",
		ToolHealth: map[string]string{"lookup": "down"},
		Events:     []models.Event{{Type: models.EventCustomerMessage}},
	}
	tests := []struct {
		name string
		cond string
		want bool
	}{
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"literal true", "true", true},
		{"message contains", `message contains "refund"`, true},
		{"var equality", `vars.tier == "gold"`, true},
		{"var numeric", `vars.attempts > 5`, false},
		{"missing var", `vars.missing == "x"`, false},
		{"journey and state", `journey == "returns" && state == "ask"`, true},
		{"tool health", `tool_health.lookup == "down"`, true},
		{"events", `"customer_message" in events`, true},
		{"free text match", "customer asks about refunds", true},
		{"free text miss", "customer is asking about shipping", false},
	}
	e := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Eval(context.Background(), tt.cond, cc)
			if err != nil {
				t.Fatalf("Eval(%q): %v", tt.cond, err)
			}
			if got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestIsPredicate(t *testing.T) {
	e := New(nil)
	if !e.IsPredicate(`vars.x == 1`) {
		t.Error("vars.x == 1 should compile as a predicate")
	}
	if e.IsPredicate("the customer is upset") {
		t.Error("free text should not compile as a predicate")
	}
	if e.IsPredicate("refund") {
		t.Error("unknown identifier should be free text")
	}
	if e.IsPredicate("") {
		t.Error("empty condition is not a predicate")
	}
}

type stubJudge struct {
	calls int
	err   error
}

func (s *stubJudge) Judge(context.Context, string, *Context) (bool, error) {
	s.calls++
	return s.err == nil, s.err
}

func TestEval_DelegatesFreeTextToJudge(t *testing.T) {
	j := &stubJudge{}
	e := New(j)
	ok, err := e.Eval(context.Background(), "customer sounds frustrated", &Context{})
	if err != nil || !ok {
		t.Fatalf("Eval = %v, %v; want true, nil", ok, err)
	}
	if _, err := e.Eval(context.Background(), `message == ""`, &Context{}); err != nil {
		t.Fatalf("predicate eval: %v", err)
	}
	if j.calls != 1 {
		t.Errorf("judge calls = %d, want 1", j.calls)
	}

	j.err = errors.New("model offline")
	if _, err := e.Eval(context.Background(), "customer sounds frustrated", &Context{}); err == nil {
		t.Error("expected judge error to propagate")
	}
}

func TestEvalAll(t *testing.T) {
	e := New(nil)
	cc := &Context{Message: "cancel my subscription"}
	ok, err := e.EvalAll(context.Background(), []string{`message contains "cancel"`, "subscription"}, cc)
	if err != nil || !ok {
		t.Errorf("EvalAll = %v, %v; want true", ok, err)
	}
	ok, _ = e.EvalAll(context.Background(), []string{"subscription", "invoice"}, cc)
	if ok {
		t.Error("EvalAll should fail when one condition fails")
	}
	ok, _ = e.EvalAll(context.Background(), nil, cc)
	if !ok {
		t.Error("EvalAll of no conditions should be true")
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("When the customer asks about refunds and billing")
	want := []string{"refund", "bill"}
	if len(got) != len(want) {
		t.Fatalf("Keywords = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Keywords[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseList(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{``, 0},
		{`null`, 0},
		{`["a", "b"]`, 2},
		{`"single"`, 1},
		{`""`, 0},
	}
	for _, tt := range tests {
		got, err := ParseList([]byte(tt.raw))
		if err != nil {
			t.Fatalf("ParseList(%q): %v", tt.raw, err)
		}
		if len(got) != tt.want {
			t.Errorf("ParseList(%q) = %v, want %d items", tt.raw, got, tt.want)
		}
	}
	if _, err := ParseList([]byte(`{`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

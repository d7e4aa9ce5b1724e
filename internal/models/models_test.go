package models

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"gorm.io/datatypes"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestAgent_Fields(t *testing.T) {
	typ := reflect.TypeOf(Agent{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:64")
	assertGormTag(t, typ, "WorkspaceID", "not null")
	assertGormTag(t, typ, "WorkspaceID", "index")
	assertGormTag(t, typ, "Name", "not null")
	assertGormTag(t, typ, "CompositionMode", "default:fluid")
	assertGormTag(t, typ, "DataRetentionDays", "default:30")
	assertGormTag(t, typ, "DeletedAt", "index")
	assertFieldType(t, typ, "DeletedAt", "gorm.DeletedAt")
	assertFieldType(t, typ, "TotalCost", "float64")
	assertGormTag(t, typ, "Tools", "foreignKey:AgentID")
}

func TestSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(Session{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "AgentID", "not null")
	assertGormTag(t, typ, "AgentID", "index")
	assertGormTag(t, typ, "Mode", "default:auto")
	assertGormTag(t, typ, "Status", "default:active")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "NextOffset", "not null")
	assertGormTag(t, typ, "LastActivity", "index")
	assertFieldType(t, typ, "CurrentJourneyID", "*string")
	assertFieldType(t, typ, "CurrentStateID", "*string")
	assertFieldType(t, typ, "Variables", "datatypes.JSON")
	assertFieldType(t, typ, "EndedAt", "*time.Time")
}

func TestEvent_Fields(t *testing.T) {
	typ := reflect.TypeOf(Event{})

	assertGormTag(t, typ, "SessionID", "uniqueIndex:idx_session_offset,priority:1")
	assertGormTag(t, typ, "Offset", "uniqueIndex:idx_session_offset,priority:2")
	assertGormTag(t, typ, "Offset", "column:event_offset")
	assertGormTag(t, typ, "Type", "not null")
	assertGormTag(t, typ, "Content", "type:json")
	assertFieldType(t, typ, "Offset", "int64")
	assertFieldType(t, typ, "ToolCallID", "*string")
}

func TestGuideline_Fields(t *testing.T) {
	typ := reflect.TypeOf(Guideline{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "AgentID", "index")
	assertGormTag(t, typ, "Action", "not null")
	assertGormTag(t, typ, "Priority", "default:0")
	assertFieldType(t, typ, "ToolIDs", "datatypes.JSON")
	assertFieldType(t, typ, "LastMatchedAt", "*time.Time")

	jg := reflect.TypeOf(JourneyGuideline{})
	assertGormTag(t, jg, "JourneyID", "primaryKey")
	assertGormTag(t, jg, "GuidelineID", "primaryKey")
	assertFieldType(t, jg, "PriorityOverride", "*int")
}

func TestJourney_Fields(t *testing.T) {
	typ := reflect.TypeOf(Journey{})
	assertGormTag(t, typ, "AgentID", "index")
	assertGormTag(t, typ, "Name", "not null")
	assertGormTag(t, typ, "Conditions", "type:json")
	assertGormTag(t, typ, "SourceWorkflowID", "index")
	assertGormTag(t, typ, "States", "foreignKey:JourneyID")
	assertGormTag(t, typ, "Transitions", "foreignKey:JourneyID")

	st := reflect.TypeOf(JourneyState{})
	assertGormTag(t, st, "JourneyID", "index")
	assertGormTag(t, st, "StateType", "not null")
	assertFieldType(t, st, "ToolID", "*string")
	assertFieldType(t, st, "Config", "datatypes.JSON")

	tr := reflect.TypeOf(JourneyTransition{})
	assertGormTag(t, tr, "FromStateID", "index")
	assertGormTag(t, tr, "ToStateID", "not null")
	assertGormTag(t, tr, "Priority", "default:0")
	assertFieldType(t, tr, "LastUsedAt", "*time.Time")
}

func TestTool_Fields(t *testing.T) {
	typ := reflect.TypeOf(Tool{})

	assertGormTag(t, typ, "Name", "uniqueIndex")
	assertGormTag(t, typ, "AuthType", "default:none")
	assertGormTag(t, typ, "ExecutionTimeoutMs", "default:30000")
	assertGormTag(t, typ, "RetryMaxAttempts", "default:1")
	assertGormTag(t, typ, "HealthStatus", "default:healthy")
	assertGormTag(t, typ, "HealthStatus", "index")
	assertFieldType(t, typ, "ParameterSchema", "datatypes.JSON")

	at := reflect.TypeOf(AgentTool{})
	assertGormTag(t, at, "AgentID", "primaryKey")
	assertGormTag(t, at, "ToolID", "primaryKey")
	assertGormTag(t, at, "Tool", "foreignKey:ToolID")
}

func TestVariable_Fields(t *testing.T) {
	typ := reflect.TypeOf(Variable{})

	assertGormTag(t, typ, "Scope", "uniqueIndex:idx_scope_key,priority:1")
	assertGormTag(t, typ, "ScopeID", "uniqueIndex:idx_scope_key,priority:2")
	assertGormTag(t, typ, "Key", "uniqueIndex:idx_scope_key,priority:3")
	assertFieldType(t, typ, "Value", "datatypes.JSON")
}

func TestCannedResponse_Fields(t *testing.T) {
	typ := reflect.TypeOf(CannedResponse{})

	assertGormTag(t, typ, "AgentID", "index")
	assertGormTag(t, typ, "Template", "not null")
	assertGormTag(t, typ, "Conditions", "type:json")
	assertGormTag(t, typ, "RequiresExactMatch", "not null")
}

func TestConversion_Fields(t *testing.T) {
	cache := reflect.TypeOf(ConversionCache{})
	assertGormTag(t, cache, "WorkflowID", "uniqueIndex:idx_cache_key,priority:1")
	assertGormTag(t, cache, "ParametersHash", "uniqueIndex:idx_cache_key,priority:2")
	assertGormTag(t, cache, "Result", "type:mediumtext")
	assertGormTag(t, cache, "ExpiresAt", "index")
	assertFieldType(t, cache, "HitCount", "int64")

	hist := reflect.TypeOf(ConversionHistory{})
	assertGormTag(t, hist, "WorkflowID", "index")
	assertGormTag(t, hist, "Status", "not null")

	gen := reflect.TypeOf(JourneyGenerationHistory{})
	assertGormTag(t, gen, "AgentID", "index")
}

func TestWorkflowTemplate_Fields(t *testing.T) {
	typ := reflect.TypeOf(WorkflowTemplate{})
	assertGormTag(t, typ, "WorkflowID", "uniqueIndex:idx_workflow_version,priority:1")
	assertGormTag(t, typ, "Version", "uniqueIndex:idx_workflow_version,priority:2")
	assertGormTag(t, typ, "Parameters", "foreignKey:TemplateID")

	p := reflect.TypeOf(TemplateParameter{})
	assertGormTag(t, p, "TemplateID", "index")
	assertGormTag(t, p, "ParamType", "default:string")
}

func TestTransportThread_Fields(t *testing.T) {
	typ := reflect.TypeOf(TransportThread{})

	for _, f := range []string{"Platform", "ChannelID", "ThreadID"} {
		assertGormTag(t, typ, f, "uniqueIndex:idx_transport_thread")
		assertGormTag(t, typ, f, "not null")
	}
	assertGormTag(t, typ, "SessionID", "index")
	assertGormTag(t, typ, "LastMessageAt", "index")
}

func TestSession_Writable(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{SessionActive, true},
		{SessionCompleted, false},
		{SessionAbandoned, false},
	}
	for _, tt := range tests {
		s := Session{Status: tt.status}
		if got := s.Writable(); got != tt.want {
			t.Errorf("Writable() with status %q = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestEventTypes_Complete(t *testing.T) {
	want := []string{
		"customer_message", "agent_message", "tool_call", "tool_result",
		"status_update", "journey_transition", "variable_update",
	}
	if !reflect.DeepEqual(EventTypes, want) {
		t.Errorf("EventTypes = %v, want %v", EventTypes, want)
	}
}

func TestJourney_Instantiation(t *testing.T) {
	toolID := "lookup"
	now := time.Now()
	j := Journey{
		ID:              "j1",
		AgentID:         "support",
		Name:            "Orders",
		Conditions:      datatypes.JSON(`["customer asks about orders"]`),
		AllowRevisiting: true,
		Enabled:         true,
		States: []JourneyState{
			{ID: "s1", JourneyID: "j1", StateType: StateChat, IsInitial: true},
			{ID: "s2", JourneyID: "j1", StateType: StateTool, ToolID: &toolID},
			{ID: "s3", JourneyID: "j1", StateType: StateFinal, IsFinal: true},
		},
		Transitions: []JourneyTransition{
			{ID: "t1", JourneyID: "j1", FromStateID: "s1", ToStateID: "s2", Priority: 10, LastUsedAt: &now},
		},
	}

	if len(j.States) != 3 || !j.States[0].IsInitial || !j.States[2].IsFinal {
		t.Errorf("States = %+v", j.States)
	}
	if *j.States[1].ToolID != "lookup" {
		t.Errorf("ToolID = %q, want lookup", *j.States[1].ToolID)
	}
	if j.Transitions[0].Priority != 10 {
		t.Errorf("Priority = %d, want 10", j.Transitions[0].Priority)
	}
}

package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/hivemind/internal/rules"
	"github.com/nextlevelbuilder/hivemind/internal/store/sqlite"
	"github.com/nextlevelbuilder/hivemind/internal/transport"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

type callAuditCapture struct {
	bodies [][]byte
	tags   [][]string
}

func (a *callAuditCapture) EmitCallAudit(ctx context.Context, content []byte, tags []string) {
	a.bodies = append(a.bodies, content)
	a.tags = append(a.tags, tags)
}

func testRegistry(t *testing.T) (*Registry, *callAuditCapture) {
	t.Helper()
	eng, err := sqlite.Open(sqlite.Options{Path: ":memory:", MachineID: "machine-a"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	ruleEng := rules.NewEngine(eng, nil, rules.Options{MachineID: "machine-a"})
	audit := &callAuditCapture{}
	return NewRegistry("machine-a", "acme", ruleEng, audit), audit
}

func dispatchEcho(t *testing.T, r *Registry) json.RawMessage {
	t.Helper()
	sess := &transport.Session{ID: "sess-1", AgentID: "agent-1"}
	body, perr := r.Dispatch(context.Background(), nil, sess, &protocol.RequestFrame{
		RequestID: "req-1",
		Tool:      "echo",
		Params:    json.RawMessage(`{"text":"hello"}`),
	})
	if perr != nil {
		t.Fatalf("dispatch: %v", perr)
	}
	return body
}

func TestDispatchUnknownTool(t *testing.T) {
	r, audit := testRegistry(t)
	sess := &transport.Session{ID: "sess-1", AgentID: "agent-1"}
	_, perr := r.Dispatch(context.Background(), nil, sess, &protocol.RequestFrame{
		RequestID: "req-1", Tool: "no_such_tool",
	})
	if perr == nil || perr.Kind != protocol.KindInvalidParameters {
		t.Fatalf("err = %v, want invalid_parameters", perr)
	}
	if len(audit.bodies) != 0 {
		t.Fatal("unknown tool must not leave an audit memory")
	}
}

func TestDispatchRunsHandlerAndAudits(t *testing.T) {
	r, audit := testRegistry(t)
	r.Register(&Tool{
		Name: "echo",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			var p struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(call.Params, &p); err != nil {
				return nil, err
			}
			return map[string]string{"text": p.Text}, nil
		},
	})

	body := dispatchEcho(t, r)
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out["text"] != "hello" {
		t.Fatalf("result = %v", out)
	}
	if len(audit.bodies) != 1 {
		t.Fatalf("audit records = %d, want 1", len(audit.bodies))
	}
}

func TestDispatchAuditDurationNonZero(t *testing.T) {
	r, audit := testRegistry(t)
	r.Register(&Tool{
		Name: "echo",
		Handler: func(ctx context.Context, call *Call) (any, error) {
			return "ok", nil
		},
	})

	dispatchEcho(t, r)
	if len(audit.bodies) != 1 {
		t.Fatalf("audit records = %d, want 1", len(audit.bodies))
	}
	var rec struct {
		Tool       string `json:"tool"`
		Caller     string `json:"caller"`
		Outcome    string `json:"outcome"`
		DurationMs int64  `json:"duration_ms"`
	}
	if err := json.Unmarshal(audit.bodies[0], &rec); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if rec.Tool != "echo" || rec.Caller != "agent-1" || rec.Outcome != "ok" {
		t.Fatalf("audit record = %+v", rec)
	}
	// A near-instant handler still registers measurable duration.
	if rec.DurationMs < 1 {
		t.Fatalf("duration_ms = %d, want at least 1", rec.DurationMs)
	}
}

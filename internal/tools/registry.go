// Package tools composes the memory, directory, coordination, rules,
// and sync services into the callable MCP tool surface. Every call is
// consulted against the rule engine and leaves an audit memory.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/hivemind/internal/auth"
	"github.com/nextlevelbuilder/hivemind/internal/rules"
	"github.com/nextlevelbuilder/hivemind/internal/transport"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

var tracer = otel.Tracer("hivemind/tools")

// Call is the resolved context one handler runs with.
type Call struct {
	Principal *auth.Principal
	AgentID   string
	SessionID string
	Params    json.RawMessage
	Decision  *rules.Decision
}

// Handler executes one tool.
type Handler func(ctx context.Context, call *Call) (any, error)

// Tool is one registered entry.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
	// Category routes the audit memory; defaults to "agent".
	AuditCategory string
}

// Registry maps tool names to handlers and owns the dispatch pipeline:
// rule engine, handler, audit trail.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	machineID  string
	projectTag string
	ruleEng    *rules.Engine
	audit      Auditor
}

// Auditor records per-call audit memories. The memory service adapter
// implements it.
type Auditor interface {
	EmitCallAudit(ctx context.Context, content []byte, tags []string)
}

// NewRegistry builds an empty registry.
func NewRegistry(machineID, projectTag string, ruleEng *rules.Engine, audit Auditor) *Registry {
	return &Registry{
		tools:      make(map[string]*Tool),
		machineID:  machineID,
		projectTag: projectTag,
		ruleEng:    ruleEng,
		audit:      audit,
	}
}

// Register adds a tool, replacing any previous entry of the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Dispatch implements transport.Dispatcher: rule evaluation, handler,
// audit memory, in that order.
func (r *Registry) Dispatch(ctx context.Context, principal *auth.Principal, sess *transport.Session, req *protocol.RequestFrame) (json.RawMessage, *protocol.Error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "tool."+req.Tool)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool", req.Tool),
		attribute.String("session_id", sess.ID),
	)

	tool, ok := r.Get(req.Tool)
	if !ok {
		return nil, protocol.Errf(protocol.KindInvalidParameters, "unknown tool %q", req.Tool)
	}

	call := &Call{
		Principal: principal,
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
		Params:    req.Params,
	}

	dec, err := r.ruleEng.Evaluate(ctx, &rules.Invocation{
		AgentID:    call.AgentID,
		MachineID:  r.machineID,
		ProjectTag: r.projectTag,
		SessionID:  call.SessionID,
		ToolName:   req.Tool,
		Params:     flattenParams(req.Params),
	})
	if err != nil {
		return nil, protocol.AsError(err)
	}
	call.Decision = dec
	if verr := rules.Violation(dec); verr != nil {
		r.emitAudit(ctx, req.Tool, call, "blocked", start)
		return nil, protocol.AsError(verr)
	}
	call.Params = applyDecision(req.Params, dec)

	result, herr := tool.Handler(ctx, call)
	outcome := "ok"
	if herr != nil {
		outcome = "error"
	}
	r.emitAudit(ctx, req.Tool, call, outcome, start)
	if herr != nil {
		return nil, protocol.AsError(herr)
	}

	body, merr := json.Marshal(result)
	if merr != nil {
		return nil, protocol.Errf(protocol.KindInvalidParameters, "result encode: %v", merr)
	}
	return body, nil
}

// emitAudit records {caller, parameters_digest, outcome, duration_ms}.
func (r *Registry) emitAudit(ctx context.Context, toolName string, call *Call, outcome string, start time.Time) {
	if r.audit == nil {
		return
	}
	digest := sha256.Sum256(call.Params)
	// Sub-millisecond calls still register in the audit trail.
	ms := time.Since(start).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	body, err := json.Marshal(map[string]any{
		"tool":              toolName,
		"caller":            call.AgentID,
		"session_id":        call.SessionID,
		"parameters_digest": hex.EncodeToString(digest[:]),
		"outcome":           outcome,
		"duration_ms":       ms,
	})
	if err != nil {
		return
	}
	r.audit.EmitCallAudit(ctx, body, []string{"tool-call", toolName})
}

// flattenParams exposes top-level scalar params to rule predicates as
// params.<name>.
func flattenParams(raw json.RawMessage) map[string]string {
	out := map[string]string{}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return out
	}
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64, bool:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}

// applyDecision writes rule-resolved params.<field> values back into
// the call parameters before the handler sees them.
func applyDecision(raw json.RawMessage, dec *rules.Decision) json.RawMessage {
	if len(dec.Fields) == 0 {
		return raw
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	changed := false
	for field, val := range dec.Fields {
		if name, ok := cutParamsPrefix(field); ok {
			m[name] = val
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(m)
	if err != nil {
		slog.Warn("rule decision re-encode failed", "error", err)
		return raw
	}
	return out
}

func cutParamsPrefix(field string) (string, bool) {
	const p = "params."
	if len(field) > len(p) && field[:len(p)] == p {
		return field[len(p):], true
	}
	return "", false
}

// Package rules evaluates scoped, versioned governance rules against
// every tool invocation and emits decision traces to the memory store.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// Invocation is the context one rule evaluation runs against.
type Invocation struct {
	AgentID    string
	MachineID  string
	ProjectTag string
	SessionID  string
	ToolName   string
	Params     map[string]string
	Time       time.Time
}

// Field resolves a predicate field name against the invocation.
// Parameter fields use the "params.<name>" form.
func (ic *Invocation) Field(name string) (string, bool) {
	switch name {
	case "agent_id":
		return ic.AgentID, true
	case "machine_id":
		return ic.MachineID, true
	case "project":
		return ic.ProjectTag, true
	case "session_id":
		return ic.SessionID, true
	case "tool_name":
		return ic.ToolName, true
	}
	if rest, ok := strings.CutPrefix(name, "params."); ok {
		v, ok := ic.Params[rest]
		return v, ok
	}
	return "", false
}

// Decision is the outcome of evaluating the active rule set.
type Decision struct {
	Allowed     bool              `json:"allowed"`
	BlockReason string            `json:"block_reason,omitempty"`
	BlockedBy   string            `json:"blocked_by,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"` // resolved set/append/transform results
	AppliedIDs  []string          `json:"applied_rule_ids"`
	Violations  []string          `json:"violations,omitempty"` // failed validate actions
	Conflicts   []string          `json:"conflicts,omitempty"`  // fields left unset by consensus disagreement
	DurationMs  int64             `json:"duration_ms"`
}

// AuditSink receives the decision trace of each evaluation. The memory
// service provides one that stores a rule-audit item.
type AuditSink interface {
	EmitRuleAudit(ctx context.Context, content []byte, tags []string)
}

// Options tunes evaluation.
type Options struct {
	MachineID       string             // origin recorded on local rule versions
	ConflictDefault store.ConflictMode // default highest_priority
	ClockSkew       time.Duration      // widens effective windows
}

// Engine evaluates governance rules. Zero active rules is a permitted
// configuration: every call passes untouched.
type Engine struct {
	rules store.RuleStore
	audit AuditSink
	opts  Options
}

// NewEngine wires the rule engine.
func NewEngine(rs store.RuleStore, audit AuditSink, opts Options) *Engine {
	if opts.ConflictDefault == "" {
		opts.ConflictDefault = store.ConflictHighestPriority
	}
	return &Engine{rules: rs, audit: audit, opts: opts}
}

// Evaluate runs the active rule set over one invocation. Block actions
// short-circuit; validate failures collect as violations and fail the
// call; set/append/transform resolve per field under each rule's
// conflict mode.
func (e *Engine) Evaluate(ctx context.Context, ic *Invocation) (*Decision, error) {
	start := time.Now()
	if ic.Time.IsZero() {
		ic.Time = start.UTC()
	}

	matched, err := e.collect(ctx, ic)
	if err != nil {
		return nil, err
	}
	sortForApply(matched)

	dec := &Decision{Allowed: true, Fields: map[string]string{}, AppliedIDs: []string{}}
	writes := map[string][]fieldWrite{}

	for _, cand := range matched {
		r := cand.rule
		dec.AppliedIDs = append(dec.AppliedIDs, r.RuleID)
		for _, act := range r.Actions {
			switch act.Type {
			case store.ActionBlock:
				dec.Allowed = false
				dec.BlockReason = act.Reason
				dec.BlockedBy = r.RuleID
				e.emit(ctx, ic, dec, start)
				return dec, nil
			case store.ActionValidate:
				if act.Predicate != nil && !evalPredicate(*act.Predicate, ic) {
					dec.Violations = append(dec.Violations,
						fmt.Sprintf("%s: %s %s %q", r.RuleID, act.Predicate.Field, act.Predicate.Op, act.Predicate.Value))
				}
			case store.ActionSet, store.ActionAppend, store.ActionTransform:
				writes[act.Field] = append(writes[act.Field], fieldWrite{rule: cand, action: act})
			}
		}
	}

	e.resolveFields(ic, writes, dec)

	if len(dec.Violations) > 0 {
		dec.Allowed = false
	}
	e.emit(ctx, ic, dec, start)
	return dec, nil
}

type candidate struct {
	rule     *store.Rule
	priority int // assignment override applied
}

type fieldWrite struct {
	rule   candidate
	action store.RuleAction
}

// collect gathers active rules whose effective window covers the
// invocation time and whose scope matches the context hierarchy,
// folding in assignment priority overrides.
func (e *Engine) collect(ctx context.Context, ic *Invocation) ([]candidate, error) {
	active, err := e.rules.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	overrides, err := e.overrides(ctx, ic)
	if err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(active))
	for _, r := range active {
		if !r.EffectiveAt(ic.Time, e.opts.ClockSkew) {
			continue
		}
		if !scopeMatches(r, ic) {
			continue
		}
		if !conditionsHold(r, ic) {
			continue
		}
		prio := r.Priority
		if ov, ok := overrides[r.RuleID]; ok {
			prio = ov
		}
		out = append(out, candidate{rule: r, priority: prio})
	}
	return out, nil
}

// overrides maps rule_id to the priority override from the most
// specific matching assignment.
func (e *Engine) overrides(ctx context.Context, ic *Invocation) (map[string]int, error) {
	pairs := []struct {
		scope store.RuleScope
		id    string
	}{
		{store.RuleScopeProject, ic.ProjectTag},
		{store.RuleScopeMachine, ic.MachineID},
		{store.RuleScopeAgent, ic.AgentID},
		{store.RuleScopeSession, ic.SessionID},
	}
	out := map[string]int{}
	for _, p := range pairs {
		if p.id == "" {
			continue
		}
		as, err := e.rules.Assignments(ctx, p.scope, p.id)
		if err != nil {
			return nil, err
		}
		for _, a := range as {
			if a.PriorityOverride == nil {
				continue
			}
			if !a.EffectiveFrom.IsZero() && ic.Time.Before(a.EffectiveFrom) {
				continue
			}
			if !a.EffectiveUntil.IsZero() && ic.Time.After(a.EffectiveUntil) {
				continue
			}
			out[a.RuleID] = *a.PriorityOverride
		}
	}
	return out, nil
}

func scopeMatches(r *store.Rule, ic *Invocation) bool {
	switch r.Scope {
	case store.RuleScopeGlobal:
		return true
	case store.RuleScopeProject:
		return r.ScopeID == "" || r.ScopeID == ic.ProjectTag
	case store.RuleScopeMachine:
		return r.ScopeID == "" || r.ScopeID == ic.MachineID
	case store.RuleScopeAgent:
		return r.ScopeID == "" || r.ScopeID == ic.AgentID
	case store.RuleScopeSession:
		return r.ScopeID == "" || r.ScopeID == ic.SessionID
	}
	return false
}

func conditionsHold(r *store.Rule, ic *Invocation) bool {
	for _, p := range r.Conditions {
		if !evalPredicate(p, ic) {
			return false
		}
	}
	return true
}

func evalPredicate(p store.Predicate, ic *Invocation) bool {
	got, ok := ic.Field(p.Field)
	if !ok {
		return false
	}
	switch p.Op {
	case store.OpEq:
		return got == p.Value
	case store.OpNeq:
		return got != p.Value
	case store.OpContains:
		return strings.Contains(got, p.Value)
	case store.OpPrefix:
		return strings.HasPrefix(got, p.Value)
	case store.OpIn:
		for _, v := range strings.Split(p.Value, ",") {
			if got == strings.TrimSpace(v) {
				return true
			}
		}
		return false
	case store.OpMatches:
		re, err := regexp.Compile(p.Value)
		if err != nil {
			slog.Warn("rule predicate regexp invalid", "field", p.Field, "pattern", p.Value, "error", err)
			return false
		}
		return re.MatchString(got)
	}
	return false
}

// sortForApply orders stably by priority descending, scope specificity
// descending, version ascending, rule_id ascending.
func sortForApply(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		as, bs := a.rule.Scope.Specificity(), b.rule.Scope.Specificity()
		if as != bs {
			return as > bs
		}
		if a.rule.Version != b.rule.Version {
			return a.rule.Version < b.rule.Version
		}
		return a.rule.RuleID < b.rule.RuleID
	})
}

// resolveFields applies set/append/transform writes per field under
// the declared conflict mode. Writers are already in apply order.
func (e *Engine) resolveFields(ic *Invocation, writes map[string][]fieldWrite, dec *Decision) {
	fields := make([]string, 0, len(writes))
	for f := range writes {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		ws := writes[field]
		mode := ws[0].rule.rule.ConflictResolution
		if mode == "" {
			mode = e.opts.ConflictDefault
		}
		switch mode {
		case store.ConflictConsensus:
			val, ok := resolveConsensus(ic, ws)
			if !ok {
				dec.Conflicts = append(dec.Conflicts, field)
				continue
			}
			dec.Fields[field] = val
		case store.ConflictLatestCreated:
			latest := ws[0]
			for _, w := range ws[1:] {
				if w.rule.rule.CreatedAt.After(latest.rule.rule.CreatedAt) {
					latest = w
				}
			}
			dec.Fields[field] = applyWrite(ic, field, "", latest)
		case store.ConflictMostSpecific:
			best := ws[0]
			for _, w := range ws[1:] {
				if w.rule.rule.Scope.Specificity() > best.rule.rule.Scope.Specificity() {
					best = w
				}
			}
			dec.Fields[field] = applyWrite(ic, field, "", best)
		case store.ConflictOverride:
			// Each write replaces the previous; last one in apply order wins.
			val := ""
			for _, w := range ws {
				val = applyWrite(ic, field, "", w)
			}
			dec.Fields[field] = val
		default: // highest_priority: first in apply order wins, appends accumulate
			val := ""
			set := false
			for _, w := range ws {
				if w.action.Type == store.ActionAppend {
					val = applyWrite(ic, field, val, w)
					set = true
					continue
				}
				if !set {
					val = applyWrite(ic, field, val, w)
					set = true
				}
			}
			dec.Fields[field] = val
		}
	}
}

// resolveConsensus requires all writers at the top priority to agree.
func resolveConsensus(ic *Invocation, ws []fieldWrite) (string, bool) {
	top := ws[0].rule.priority
	var agreed string
	first := true
	ties := make([]fieldWrite, 0, len(ws))
	for _, w := range ws {
		if w.rule.priority != top {
			continue
		}
		ties = append(ties, w)
		v := applyWrite(ic, "", "", w)
		if first {
			agreed, first = v, false
			continue
		}
		if v != agreed {
			return "", false
		}
	}
	// Deterministic final pick when several agree: lexicographic rule_id.
	sort.Slice(ties, func(i, j int) bool { return ties[i].rule.rule.RuleID < ties[j].rule.rule.RuleID })
	return applyWrite(ic, "", "", ties[0]), true
}

// applyWrite computes a single action's value for the field. prev is
// the accumulated value for append.
func applyWrite(ic *Invocation, field, prev string, w fieldWrite) string {
	switch w.action.Type {
	case store.ActionSet:
		return w.action.Value
	case store.ActionAppend:
		if prev == "" {
			if field != "" {
				if cur, ok := ic.Field(field); ok {
					prev = cur
				}
			}
		}
		if prev == "" {
			return w.action.Value
		}
		return prev + "," + w.action.Value
	case store.ActionTransform:
		src := ""
		if field != "" {
			if cur, ok := ic.Field(field); ok {
				src = cur
			}
		}
		re, err := regexp.Compile(w.action.Pattern)
		if err != nil {
			slog.Warn("rule transform pattern invalid", "rule", w.rule.rule.RuleID, "error", err)
			return src
		}
		return re.ReplaceAllString(src, w.action.Replacement)
	}
	return ""
}

// emit writes the decision trace through the audit sink.
func (e *Engine) emit(ctx context.Context, ic *Invocation, dec *Decision, start time.Time) {
	dec.DurationMs = time.Since(start).Milliseconds()
	if dec.DurationMs < 1 {
		// Sub-millisecond evaluations still register in the trace.
		dec.DurationMs = 1
	}
	if e.audit == nil || len(dec.AppliedIDs) == 0 {
		return
	}
	trace := map[string]any{
		"tool":             ic.ToolName,
		"agent_id":         ic.AgentID,
		"applied_rule_ids": dec.AppliedIDs,
		"allowed":          dec.Allowed,
		"duration_ms":      dec.DurationMs,
	}
	if dec.BlockReason != "" {
		trace["block_reason"] = dec.BlockReason
	}
	if len(dec.Fields) > 0 {
		trace["decisions"] = dec.Fields
	}
	if len(dec.Violations) > 0 {
		trace["violations"] = dec.Violations
	}
	if len(dec.Conflicts) > 0 {
		trace["conflicts"] = dec.Conflicts
	}
	body, err := json.Marshal(trace)
	if err != nil {
		return
	}
	e.audit.EmitRuleAudit(ctx, body, []string{"rule-eval", ic.ToolName})
}

// Violation converts a failed decision into the caller-facing error.
func Violation(dec *Decision) error {
	if dec.Allowed {
		return nil
	}
	if dec.BlockReason != "" {
		return protocol.Errf(protocol.KindRuleViolation, "blocked by rule %s: %s", dec.BlockedBy, dec.BlockReason)
	}
	return protocol.Errf(protocol.KindRuleViolation, "rule validation failed: %s", strings.Join(dec.Violations, "; "))
}

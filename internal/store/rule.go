package store

import "time"

// RuleScope is where a governance rule applies, ordered by specificity:
// session > agent > machine > project > global.
type RuleScope string

const (
	RuleScopeGlobal  RuleScope = "global"
	RuleScopeProject RuleScope = "project"
	RuleScopeMachine RuleScope = "machine"
	RuleScopeAgent   RuleScope = "agent"
	RuleScopeSession RuleScope = "session"
)

// Specificity returns the ordering weight (higher = more specific).
func (s RuleScope) Specificity() int {
	switch s {
	case RuleScopeSession:
		return 4
	case RuleScopeAgent:
		return 3
	case RuleScopeMachine:
		return 2
	case RuleScopeProject:
		return 1
	}
	return 0
}

// RuleStatus is the rule lifecycle status.
type RuleStatus string

const (
	RuleActive     RuleStatus = "active"
	RuleInactive   RuleStatus = "inactive"
	RuleTesting    RuleStatus = "testing"
	RuleDeprecated RuleStatus = "deprecated"
)

// PredicateOp is the closed set of condition operators.
type PredicateOp string

const (
	OpEq       PredicateOp = "eq"
	OpNeq      PredicateOp = "neq"
	OpContains PredicateOp = "contains"
	OpMatches  PredicateOp = "matches"  // RE2 regexp
	OpIn       PredicateOp = "in"       // value is a comma list
	OpPrefix   PredicateOp = "prefix"
)

// Predicate is one conjunct of a rule's conditions, evaluated against
// the invocation context (agent_id, machine_id, tool_name, parameters,
// session_id, time).
type Predicate struct {
	Field string      `json:"field"`
	Op    PredicateOp `json:"op"`
	Value string      `json:"value"`
}

// ActionType is the closed set of rule effects.
type ActionType string

const (
	ActionSet       ActionType = "set"
	ActionAppend    ActionType = "append"
	ActionValidate  ActionType = "validate"
	ActionBlock     ActionType = "block"
	ActionTransform ActionType = "transform"
)

// RuleAction is one tagged-variant effect. Which fields are meaningful
// depends on Type:
//
//	set/append:  Field + Value
//	validate:    Predicate (fails the call with RuleViolation when false)
//	block:       Reason
//	transform:   Field + Pattern (RE2) + Replacement
type RuleAction struct {
	Type        ActionType `json:"type"`
	Field       string     `json:"field,omitempty"`
	Value       string     `json:"value,omitempty"`
	Predicate   *Predicate `json:"predicate,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Pattern     string     `json:"pattern,omitempty"`
	Replacement string     `json:"replacement,omitempty"`
}

// ConflictMode resolves competing writes to the same target field.
type ConflictMode string

const (
	ConflictHighestPriority ConflictMode = "highest_priority" // default
	ConflictMostSpecific    ConflictMode = "most_specific"
	ConflictLatestCreated   ConflictMode = "latest_created"
	ConflictConsensus       ConflictMode = "consensus"
	ConflictOverride        ConflictMode = "override"
)

// RuleDependencyKind is the closed set of inter-rule edges.
type RuleDependencyKind string

const (
	DepRequires  RuleDependencyKind = "requires"
	DepConflicts RuleDependencyKind = "conflicts"
	DepEnhances  RuleDependencyKind = "enhances"
	DepReplaces  RuleDependencyKind = "replaces"
)

// RuleDependency is one explicit edge in the rule graph.
type RuleDependency struct {
	Kind   RuleDependencyKind `json:"kind"`
	RuleID string             `json:"rule_id"`
}

// Rule is a scoped, versioned governance record evaluated on every
// tool invocation. Versioning follows the memory-item scheme.
type Rule struct {
	RuleID             string           `json:"rule_id"`
	Name               string           `json:"name"`
	Type               string           `json:"type"` // free-form classifier, e.g. "security"
	Scope              RuleScope        `json:"scope"`
	ScopeID            string           `json:"scope_id,omitempty"` // project/machine/agent/session the rule binds to
	Priority           int              `json:"priority"`
	Status             RuleStatus       `json:"status"`
	Conditions         []Predicate      `json:"conditions,omitempty"`
	Actions            []RuleAction     `json:"actions"`
	ConflictResolution ConflictMode     `json:"conflict_resolution,omitempty"`
	Dependencies       []RuleDependency `json:"dependencies,omitempty"`
	ParentRuleID       string           `json:"parent_rule_id,omitempty"`
	EffectiveFrom      time.Time        `json:"effective_from,omitzero"`
	EffectiveUntil     time.Time        `json:"effective_until,omitzero"`
	Version            int64            `json:"version"`
	OriginMachine      string           `json:"origin_machine"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	Tombstone          bool             `json:"tombstone,omitempty"`
}

// EffectiveAt reports whether the rule's validity window covers t,
// widened by the configured clock skew.
func (r *Rule) EffectiveAt(t time.Time, skew time.Duration) bool {
	if !r.EffectiveFrom.IsZero() && t.Add(skew).Before(r.EffectiveFrom) {
		return false
	}
	if !r.EffectiveUntil.IsZero() && t.Add(-skew).After(r.EffectiveUntil) {
		return false
	}
	return true
}

// RuleChange records why a rule version was created.
type RuleChange struct {
	RuleID     string    `json:"rule_id"`
	Version    int64     `json:"version"`
	ChangeType string    `json:"change_type"` // create, update, activate, deactivate, delete
	ChangedBy  string    `json:"changed_by"`
	Reason     string    `json:"reason,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// RuleAssignment binds a rule to a concrete scope instance with an
// optional priority override.
type RuleAssignment struct {
	RuleID           string    `json:"rule_id"`
	ScopeType        RuleScope `json:"scope_type"`
	ScopeID          string    `json:"scope_id"`
	PriorityOverride *int      `json:"priority_override,omitempty"`
	EffectiveFrom    time.Time `json:"effective_from,omitzero"`
	EffectiveUntil   time.Time `json:"effective_until,omitzero"`
}

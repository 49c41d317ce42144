package rules

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// Upsert creates or updates a rule as a new version, recording the
// change. Activation validates declared dependencies first.
func (e *Engine) Upsert(ctx context.Context, r *store.Rule, changedBy, reason string) error {
	now := time.Now().UTC()
	changeType := "update"

	cur, err := e.rules.GetRule(ctx, r.RuleID)
	switch {
	case err == nil:
		r.Version = cur.Version + 1
		r.CreatedAt = cur.CreatedAt
		if cur.Status != store.RuleActive && r.Status == store.RuleActive {
			changeType = "activate"
		} else if cur.Status == store.RuleActive && r.Status != store.RuleActive {
			changeType = "deactivate"
		}
	case isNotFound(err):
		r.Version = 1
		r.CreatedAt = now
		changeType = "create"
	default:
		return err
	}
	r.UpdatedAt = now
	r.OriginMachine = e.opts.MachineID

	if r.Status == store.RuleActive {
		if err := e.validateDependencies(ctx, r); err != nil {
			return err
		}
	}
	if err := e.rules.PutRule(ctx, r); err != nil {
		return err
	}
	return e.rules.RecordChange(ctx, &store.RuleChange{
		RuleID:     r.RuleID,
		Version:    r.Version,
		ChangeType: changeType,
		ChangedBy:  changedBy,
		Reason:     reason,
		ChangedAt:  now,
	})
}

// Remove tombstones a rule (a deactivating new version).
func (e *Engine) Remove(ctx context.Context, ruleID, changedBy, reason string) error {
	cur, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	cur.Status = store.RuleDeprecated
	cur.Tombstone = true
	cur.Version++
	cur.OriginMachine = e.opts.MachineID
	cur.UpdatedAt = time.Now().UTC()
	if err := e.rules.PutRule(ctx, cur); err != nil {
		return err
	}
	return e.rules.RecordChange(ctx, &store.RuleChange{
		RuleID:     ruleID,
		Version:    cur.Version,
		ChangeType: "delete",
		ChangedBy:  changedBy,
		Reason:     reason,
		ChangedAt:  cur.UpdatedAt,
	})
}

// validateDependencies checks the rule graph at activation time.
// Unresolved requires edges fail with UnmetDependency; an active
// conflicts target fails the same way; requires cycles are rejected.
func (e *Engine) validateDependencies(ctx context.Context, r *store.Rule) error {
	for _, dep := range r.Dependencies {
		target, err := e.rules.GetRule(ctx, dep.RuleID)
		missing := err != nil && isNotFound(err)
		if err != nil && !missing {
			return err
		}
		switch dep.Kind {
		case store.DepRequires:
			if missing || target.Status != store.RuleActive {
				return protocol.Errf(protocol.KindUnmetDependency,
					"rule %s requires %s which is not active", r.RuleID, dep.RuleID)
			}
		case store.DepConflicts:
			if !missing && target.Status == store.RuleActive {
				return protocol.Errf(protocol.KindUnmetDependency,
					"rule %s conflicts with active rule %s", r.RuleID, dep.RuleID)
			}
		case store.DepReplaces:
			// The replaced rule keeps running until deactivated explicitly.
		case store.DepEnhances:
			// Advisory edge, no activation constraint.
		}
	}
	return e.checkRequiresCycle(ctx, r)
}

// checkRequiresCycle walks the requires graph from r looking for a
// path back to r.
func (e *Engine) checkRequiresCycle(ctx context.Context, r *store.Rule) error {
	seen := map[string]bool{r.RuleID: true}
	stack := requiresTargets(r)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == r.RuleID {
			return protocol.Errf(protocol.KindUnmetDependency,
				"rule %s has a circular requires chain", r.RuleID)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		next, err := e.rules.GetRule(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return err
		}
		stack = append(stack, requiresTargets(next)...)
	}
	return nil
}

func requiresTargets(r *store.Rule) []string {
	var out []string
	for _, d := range r.Dependencies {
		if d.Kind == store.DepRequires {
			out = append(out, d.RuleID)
		}
	}
	return out
}

// Assign binds a rule to a concrete scope instance.
func (e *Engine) Assign(ctx context.Context, a *store.RuleAssignment) error {
	if _, err := e.rules.GetRule(ctx, a.RuleID); err != nil {
		return err
	}
	return e.rules.PutAssignment(ctx, a)
}

// ApplyRemote applies a replicated rule version verbatim (sync fabric
// path). Version conflicts from re-delivery are swallowed.
func (e *Engine) ApplyRemote(ctx context.Context, r *store.Rule) error {
	err := e.rules.PutRule(ctx, r)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) && pe.Kind == protocol.KindVersionConflict {
			return nil
		}
	}
	return err
}

// History returns the version chain for a rule, oldest first.
func (e *Engine) History(ctx context.Context, ruleID string) ([]*store.Rule, error) {
	return e.rules.RuleVersions(ctx, ruleID)
}

// List returns rules, optionally only active ones.
func (e *Engine) List(ctx context.Context, onlyActive bool) ([]*store.Rule, error) {
	return e.rules.ListRules(ctx, onlyActive)
}

func isNotFound(err error) bool {
	var pe *protocol.Error
	return errors.As(err, &pe) && pe.Kind == protocol.KindNotFound
}

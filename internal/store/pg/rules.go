package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// PutRule applies a rule write under the same version discipline as
// memory items and records it in the replication feed.
func (e *Engine) PutRule(ctx context.Context, r *store.Rule) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	var curVersion int64
	var curOrigin string
	var curTombstone bool
	err = tx.QueryRowContext(ctx,
		`SELECT version, origin_machine, tombstone FROM rules WHERE rule_id = $1 FOR UPDATE`, r.RuleID).
		Scan(&curVersion, &curOrigin, &curTombstone)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return unavailable(err)
	default:
		if r.OriginMachine == curOrigin && r.Version <= curVersion {
			return protocol.Errf(protocol.KindVersionConflict,
				"rule %s: version %d not greater than stored %d", r.RuleID, r.Version, curVersion)
		}
		if !store.Supersedes(r.Version, r.OriginMachine, r.Tombstone, curVersion, curOrigin, curTombstone) {
			return nil
		}
	}

	body, _ := json.Marshal(r)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rules (rule_id, version, origin_machine, status, tombstone, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (rule_id) DO UPDATE SET
			version=excluded.version, origin_machine=excluded.origin_machine,
			status=excluded.status, tombstone=excluded.tombstone,
			updated_at=excluded.updated_at, body=excluded.body`,
		r.RuleID, r.Version, r.OriginMachine, string(r.Status),
		r.Tombstone, r.UpdatedAt.UnixNano(), body); err != nil {
		return unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rule_versions (rule_id, version, body) VALUES ($1, $2, $3)
		ON CONFLICT (rule_id, version) DO UPDATE SET body=excluded.body`,
		r.RuleID, r.Version, body); err != nil {
		return unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO write_log (id, version, origin_machine, kind, tombstone, scope, payload, applied_at)
		VALUES ($1, $2, $3, 'rule', $4, 'network-shared', $5, $6)
		ON CONFLICT (origin_machine, id, version) DO NOTHING`,
		r.RuleID, r.Version, r.OriginMachine, r.Tombstone, body,
		time.Now().UnixNano()); err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetRule returns the current version of a rule.
func (e *Engine) GetRule(ctx context.Context, id string) (*store.Rule, error) {
	var body []byte
	err := e.db.QueryRowContext(ctx, `SELECT body FROM rules WHERE rule_id = $1`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, protocol.Errf(protocol.KindNotFound, "rule %s not found", id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var r store.Rule
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, protocol.Errf(protocol.KindCorruptedStorage, "rule %s: %v", id, err)
	}
	return &r, nil
}

// ListRules returns current rule versions, optionally only active ones.
func (e *Engine) ListRules(ctx context.Context, onlyActive bool) ([]*store.Rule, error) {
	q := `SELECT body FROM rules WHERE NOT tombstone`
	if onlyActive {
		q += ` AND status = 'active'`
	}
	rows, err := e.db.QueryContext(ctx, q+` ORDER BY rule_id`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*store.Rule
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, unavailable(err)
		}
		var r store.Rule
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, protocol.Errf(protocol.KindCorruptedStorage, "rule row: %v", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RuleVersions returns all retained versions of one rule, oldest first.
func (e *Engine) RuleVersions(ctx context.Context, id string) ([]*store.Rule, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT body FROM rule_versions WHERE rule_id = $1 ORDER BY version ASC`, id)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []*store.Rule
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, unavailable(err)
		}
		var r store.Rule
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, protocol.Errf(protocol.KindCorruptedStorage, "rule version row: %v", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// RecordChange appends a rule change record.
func (e *Engine) RecordChange(ctx context.Context, ch *store.RuleChange) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO rule_changes (rule_id, version, change_type, changed_by, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ch.RuleID, ch.Version, ch.ChangeType, ch.ChangedBy, ch.Reason, ch.ChangedAt.UnixNano())
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// PutAssignment upserts a rule-to-scope binding.
func (e *Engine) PutAssignment(ctx context.Context, a *store.RuleAssignment) error {
	var override sql.NullInt64
	if a.PriorityOverride != nil {
		override = sql.NullInt64{Int64: int64(*a.PriorityOverride), Valid: true}
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO rule_assignments (rule_id, scope_type, scope_id, priority_override, effective_from, effective_until)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (rule_id, scope_type, scope_id) DO UPDATE SET
			priority_override=excluded.priority_override,
			effective_from=excluded.effective_from,
			effective_until=excluded.effective_until`,
		a.RuleID, string(a.ScopeType), a.ScopeID, override,
		a.EffectiveFrom.UnixNano(), a.EffectiveUntil.UnixNano())
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Assignments lists bindings for one scope instance.
func (e *Engine) Assignments(ctx context.Context, scopeType store.RuleScope, scopeID string) ([]*store.RuleAssignment, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT rule_id, scope_type, scope_id, priority_override, effective_from, effective_until
		FROM rule_assignments WHERE scope_type = $1 AND scope_id = $2`,
		string(scopeType), scopeID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []*store.RuleAssignment
	for rows.Next() {
		var a store.RuleAssignment
		var st string
		var override sql.NullInt64
		var from, until int64
		if err := rows.Scan(&a.RuleID, &st, &a.ScopeID, &override, &from, &until); err != nil {
			return nil, unavailable(err)
		}
		a.ScopeType = store.RuleScope(st)
		if override.Valid {
			v := int(override.Int64)
			a.PriorityOverride = &v
		}
		if from > 0 {
			a.EffectiveFrom = time.Unix(0, from).UTC()
		}
		if until > 0 {
			a.EffectiveUntil = time.Unix(0, until).UTC()
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveSnapshot stores an opaque state blob under kind.
func (e *Engine) SaveSnapshot(ctx context.Context, kind string, data []byte) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO snapshots (kind, data, saved_at) VALUES ($1, $2, $3)
		ON CONFLICT (kind) DO UPDATE SET data=excluded.data, saved_at=excluded.saved_at`,
		kind, data, time.Now().UnixNano())
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// LoadSnapshot returns the last stored blob for kind, nil if absent.
func (e *Engine) LoadSnapshot(ctx context.Context, kind string) ([]byte, error) {
	var data []byte
	err := e.db.QueryRowContext(ctx, `SELECT data FROM snapshots WHERE kind = $1`, kind).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return data, nil
}

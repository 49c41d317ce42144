package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

const itemCols = `id, content, category, tags, context, scope, origin_machine, origin_agent,
	created_at, updated_at, version, tombstone, format_version, vector_pending`

// Put applies one write under the version discipline documented on
// store.Engine. Accepted writes are appended to the write log in the
// same transaction.
func (e *Engine) Put(ctx context.Context, item *store.MemoryItem) error {
	if !item.Category.Valid() {
		return protocol.Errf(protocol.KindInvalidCategory, "unknown category %q", item.Category)
	}
	if !item.Scope.Valid() {
		return protocol.Errf(protocol.KindInvalidParameters, "unknown scope %q", item.Scope)
	}
	if item.Tombstone && len(item.Content) != 0 {
		return protocol.Errf(protocol.KindInvariantViolation, "tombstone %s carries content", item.ID)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	var curVersion int64
	var curOrigin string
	var curTombstone bool
	err = tx.QueryRowContext(ctx,
		`SELECT version, origin_machine, tombstone FROM memory_items WHERE id = $1 FOR UPDATE`, item.ID).
		Scan(&curVersion, &curOrigin, &curTombstone)
	switch {
	case err == sql.ErrNoRows:
		if !item.Tombstone {
			if err := e.checkQuota(ctx, tx, item.Category); err != nil {
				return err
			}
		}
	case err != nil:
		return unavailable(err)
	default:
		if item.OriginMachine == curOrigin && item.Version <= curVersion {
			return protocol.Errf(protocol.KindVersionConflict,
				"id %s: version %d not greater than stored %d", item.ID, item.Version, curVersion)
		}
		if !store.Supersedes(item.Version, item.OriginMachine, item.Tombstone, curVersion, curOrigin, curTombstone) {
			// Losing cross-origin write under last-writer-wins: no-op.
			return nil
		}
	}

	tags, _ := json.Marshal(item.Tags)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_items
			(id, content, category, tags, context, scope, origin_machine, origin_agent,
			 created_at, updated_at, version, tombstone, format_version, vector_pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			content=excluded.content, category=excluded.category, tags=excluded.tags,
			context=excluded.context, scope=excluded.scope,
			origin_machine=excluded.origin_machine, origin_agent=excluded.origin_agent,
			updated_at=excluded.updated_at, version=excluded.version,
			tombstone=excluded.tombstone, format_version=excluded.format_version,
			vector_pending=excluded.vector_pending`,
		item.ID, item.Content, string(item.Category), string(tags), item.Context,
		string(item.Scope), item.OriginMachine, item.OriginAgent,
		item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano(), item.Version,
		item.Tombstone, item.FormatVersion, item.VectorPending)
	if err != nil {
		return unavailable(err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_tags WHERE id = $1`, item.ID); err != nil {
		return unavailable(err)
	}
	for _, tag := range item.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_tags (id, tag) VALUES ($1, $2) ON CONFLICT DO NOTHING`, item.ID, tag); err != nil {
			return unavailable(err)
		}
	}

	payload, _ := json.Marshal(item)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO write_log (id, version, origin_machine, kind, tombstone, scope, payload, applied_at)
		VALUES ($1, $2, $3, 'memory', $4, $5, $6, $7)
		ON CONFLICT (origin_machine, id, version) DO NOTHING`,
		item.ID, item.Version, item.OriginMachine, item.Tombstone,
		string(item.Scope), payload, time.Now().UnixNano()); err != nil {
		return unavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Get returns the stored row for id, including tombstones; callers
// decide how to surface them.
func (e *Engine) Get(ctx context.Context, id string) (*store.MemoryItem, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT `+itemCols+` FROM memory_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, protocol.Errf(protocol.KindNotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return item, nil
}

// Delete writes a tombstone at version+1 with this machine as the new
// origin. Deleting a tombstone (or a missing id) is a no-op.
func (e *Engine) Delete(ctx context.Context, id string) error {
	cur, err := e.Get(ctx, id)
	if err != nil {
		var pe *protocol.Error
		if errors.As(err, &pe) && pe.Kind == protocol.KindNotFound {
			return nil
		}
		return err
	}
	if cur.Tombstone {
		return nil
	}
	now := time.Now().UTC()
	tomb := &store.MemoryItem{
		ID:            cur.ID,
		Category:      cur.Category,
		Tags:          cur.Tags,
		Scope:         cur.Scope,
		OriginMachine: e.machineID,
		OriginAgent:   cur.OriginAgent,
		CreatedAt:     cur.CreatedAt,
		UpdatedAt:     now,
		Version:       cur.Version + 1,
		Tombstone:     true,
		FormatVersion: cur.FormatVersion,
	}
	if err := e.Put(ctx, tomb); err != nil {
		return err
	}
	return e.DeleteEmbedding(ctx, id)
}

// Scan returns items matching the filter, ordered by created_at
// descending. Tombstones are excluded unless IncludeDead is set.
func (e *Engine) Scan(ctx context.Context, f store.ScanFilter) ([]*store.MemoryItem, error) {
	where := "WHERE TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if !f.IncludeDead {
		where += " AND NOT m.tombstone"
	}
	if f.Category != "" {
		where += " AND m.category = " + arg(string(f.Category))
	}
	if f.Scope != "" {
		where += " AND m.scope = " + arg(string(f.Scope))
	}
	if f.OriginMachine != "" {
		where += " AND m.origin_machine = " + arg(f.OriginMachine)
	}
	if !f.UpdatedAfter.IsZero() {
		where += " AND m.updated_at > " + arg(f.UpdatedAfter.UnixNano())
	}
	// Each required tag adds an EXISTS against the tag table.
	for _, tag := range f.Tags {
		where += " AND EXISTS (SELECT 1 FROM memory_tags t WHERE t.id = m.id AND t.tag = " + arg(tag) + ")"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	tail := " ORDER BY m.created_at DESC LIMIT " + arg(limit) + " OFFSET " + arg(f.Offset)

	rows, err := e.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.category, m.tags, m.context, m.scope, m.origin_machine,
		       m.origin_agent, m.created_at, m.updated_at, m.version, m.tombstone,
		       m.format_version, m.vector_pending
		FROM memory_items m `+where+tail, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*store.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Stats aggregates per-category counts and quota headroom.
func (e *Engine) Stats(ctx context.Context) ([]store.CategoryStats, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT category,
		       COUNT(*) FILTER (WHERE NOT tombstone),
		       COUNT(*) FILTER (WHERE tombstone),
		       COUNT(*) FILTER (WHERE vector_pending)
		FROM memory_items GROUP BY category`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	byCat := map[store.Category]store.CategoryStats{}
	for rows.Next() {
		var cat string
		var live, dead, pending int64
		if err := rows.Scan(&cat, &live, &dead, &pending); err != nil {
			return nil, unavailable(err)
		}
		byCat[store.Category(cat)] = store.CategoryStats{
			Category: store.Category(cat), Live: live, Tombstones: dead, VectorPending: pending,
		}
	}
	var out []store.CategoryStats
	for _, cat := range store.Categories {
		st := byCat[cat]
		st.Category = cat
		st.QuotaHeadroom = -1
		if q := e.quotas[cat]; q > 0 {
			st.QuotaHeadroom = q - st.Live
		}
		out = append(out, st)
	}
	return out, nil
}

// CountLive returns the number of live items across all categories.
func (e *Engine) CountLive(ctx context.Context) (int64, error) {
	var n int64
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE NOT tombstone`).Scan(&n)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// MarkVectorDone clears vector_pending if the row is still at version.
func (e *Engine) MarkVectorDone(ctx context.Context, id string, version int64) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE memory_items SET vector_pending = FALSE WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// PendingVectors lists live items still waiting for an embedding.
func (e *Engine) PendingVectors(ctx context.Context, limit int) ([]*store.MemoryItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+itemCols+` FROM memory_items
		WHERE vector_pending AND NOT tombstone
		ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*store.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (e *Engine) checkQuota(ctx context.Context, tx *sql.Tx, cat store.Category) error {
	quota := e.quotas[cat]
	if quota <= 0 {
		return nil
	}
	var live int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE category = $1 AND NOT tombstone`,
		string(cat)).Scan(&live); err != nil {
		return unavailable(err)
	}
	if live >= quota {
		return protocol.Errf(protocol.KindQuotaExceeded, "category %s at quota %d", cat, quota)
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanItem(row rowScanner) (*store.MemoryItem, error) {
	var item store.MemoryItem
	var cat, scope, tags string
	var created, updated int64
	err := row.Scan(&item.ID, &item.Content, &cat, &tags, &item.Context, &scope,
		&item.OriginMachine, &item.OriginAgent, &created, &updated,
		&item.Version, &item.Tombstone, &item.FormatVersion, &item.VectorPending)
	if err != nil {
		return nil, err
	}
	item.Category = store.Category(cat)
	item.Scope = store.Scope(scope)
	item.CreatedAt = time.Unix(0, created).UTC()
	item.UpdatedAt = time.Unix(0, updated).UTC()
	json.Unmarshal([]byte(tags), &item.Tags)
	return &item, nil
}

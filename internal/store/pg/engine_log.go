package pg

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"time"

	"github.com/nextlevelbuilder/hivemind/internal/store"
	"github.com/nextlevelbuilder/hivemind/pkg/protocol"
)

// LogSince returns write-log entries strictly newer than the given
// vector clock, ordered by (origin_machine, version), at most limit
// rows. The second return value reports whether more entries remain.
func (e *Engine) LogSince(ctx context.Context, clock protocol.VectorClock, limit int) ([]store.WriteLogEntry, bool, error) {
	if limit <= 0 {
		limit = 500
	}
	origins, err := e.logOrigins(ctx)
	if err != nil {
		return nil, false, err
	}

	var out []store.WriteLogEntry
	more := false
	for _, origin := range origins {
		if len(out) >= limit {
			more = true
			break
		}
		rows, err := e.db.QueryContext(ctx, `
			SELECT seq, id, version, origin_machine, kind, tombstone, scope, payload, applied_at
			FROM write_log WHERE origin_machine = $1 AND version > $2
			ORDER BY version ASC LIMIT $3`,
			origin, clock[origin], limit-len(out)+1)
		if err != nil {
			return nil, false, unavailable(err)
		}
		for rows.Next() {
			var en store.WriteLogEntry
			var scope string
			var applied int64
			if err := rows.Scan(&en.Seq, &en.ID, &en.Version, &en.OriginMachine,
				&en.Kind, &en.Tombstone, &scope, &en.Payload, &applied); err != nil {
				rows.Close()
				return nil, false, unavailable(err)
			}
			en.Scope = store.Scope(scope)
			en.AppliedAt = time.Unix(0, applied).UTC()
			if len(out) >= limit {
				more = true
				break
			}
			out = append(out, en)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, false, unavailable(err)
		}
	}
	return out, more, nil
}

// OldestLogVersion returns the lowest retained version for origin.
// ok=false means the log holds nothing from that origin.
func (e *Engine) OldestLogVersion(ctx context.Context, origin string) (int64, bool, error) {
	var v sql.NullInt64
	err := e.db.QueryRowContext(ctx,
		`SELECT MIN(version) FROM write_log WHERE origin_machine = $1`, origin).Scan(&v)
	if err != nil {
		return 0, false, unavailable(err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Int64, true, nil
}

func (e *Engine) logOrigins(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT DISTINCT origin_machine FROM write_log ORDER BY origin_machine`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, unavailable(err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PutEmbedding stores the vector for (id, version), replacing any
// older version's vector for the same id.
func (e *Engine) PutEmbedding(ctx context.Context, id string, version int64, vec []float32) error {
	buf := encodeVec(vec)
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE id = $1 AND version < $2`, id, version); err != nil {
		return unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (id, version, dim, vec) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, version) DO UPDATE SET dim=excluded.dim, vec=excluded.vec`,
		id, version, len(vec), buf); err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// DeleteEmbedding drops every stored vector for id.
func (e *Engine) DeleteEmbedding(ctx context.Context, id string) error {
	if _, err := e.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id = $1`, id); err != nil {
		return unavailable(err)
	}
	return nil
}

// AllEmbeddings streams every stored vector, used to rebuild the
// in-process index on startup.
func (e *Engine) AllEmbeddings(ctx context.Context, fn func(id string, version int64, vec []float32) error) error {
	rows, err := e.db.QueryContext(ctx, `SELECT id, version, vec FROM embeddings`)
	if err != nil {
		return unavailable(err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var version int64
		var buf []byte
		if err := rows.Scan(&id, &version, &buf); err != nil {
			return unavailable(err)
		}
		if err := fn(id, version, decodeVec(buf)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Sweep removes expired live items per category TTL and tombstones
// past max(category TTL, tombstoneHorizon), plus write-log entries
// older than the horizon. Returns the number of rows removed.
func (e *Engine) Sweep(ctx context.Context, now time.Time, ttl map[store.Category]time.Duration, tombstoneHorizon time.Duration) (int64, error) {
	var removed int64
	for cat, d := range ttl {
		if d <= 0 {
			continue
		}
		cutoff := now.Add(-d).UnixNano()
		res, err := e.db.ExecContext(ctx,
			`DELETE FROM memory_items WHERE category = $1 AND NOT tombstone AND updated_at < $2`,
			string(cat), cutoff)
		if err != nil {
			return removed, unavailable(err)
		}
		n, _ := res.RowsAffected()
		removed += n

		tombCutoff := d
		if tombstoneHorizon > tombCutoff {
			tombCutoff = tombstoneHorizon
		}
		res, err = e.db.ExecContext(ctx,
			`DELETE FROM memory_items WHERE category = $1 AND tombstone AND updated_at < $2`,
			string(cat), now.Add(-tombCutoff).UnixNano())
		if err != nil {
			return removed, unavailable(err)
		}
		n, _ = res.RowsAffected()
		removed += n
	}

	if tombstoneHorizon > 0 {
		if _, err := e.db.ExecContext(ctx,
			`DELETE FROM write_log WHERE applied_at < $1`,
			now.Add(-tombstoneHorizon).UnixNano()); err != nil {
			return removed, unavailable(err)
		}
	}
	return removed, nil
}

func encodeVec(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVec(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

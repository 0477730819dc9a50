// Package sqlitepure implements a StorageBackend on top of
// modernc.org/sqlite, the pure-Go SQLite driver, for deployments that
// can't or won't enable cgo. It shares its schema with sqlitefile but has
// no sqlite-vec ANN slot, since sqlite-vec's bindings are cgo-only; the
// exact-scan path in internal/rank is this backend's only retrieval mode.
package sqlitepure

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	_ "modernc.org/sqlite"

	"github.com/vthunder/bud2/internal/conceptgraph"
	"github.com/vthunder/bud2/internal/interaction"
	"github.com/vthunder/bud2/internal/obslog"
	"github.com/vthunder/bud2/internal/sememerr"
	"github.com/vthunder/bud2/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS interactions (
	id             TEXT PRIMARY KEY,
	short_id       TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	output         TEXT NOT NULL,
	embedding      BLOB NOT NULL,
	concepts       TEXT NOT NULL,
	timestamp_ms   INTEGER NOT NULL,
	access_count   INTEGER NOT NULL,
	last_access_ms INTEGER NOT NULL,
	decay_factor   REAL NOT NULL,
	tier           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_tier ON interactions(tier);
CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp_ms);

CREATE TABLE IF NOT EXISTS concept_freq (
	concept TEXT PRIMARY KEY,
	freq    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS concept_edge (
	a      TEXT NOT NULL,
	b      TEXT NOT NULL,
	weight INTEGER NOT NULL,
	PRIMARY KEY (a, b)
);
`

const schemaVersion = 1

// Backend is a StorageBackend backed by modernc.org/sqlite.
type Backend struct {
	db  *sql.DB
	log obslog.Logger
}

// Open opens (creating if necessary) a pure-Go SQLite file at path, in
// WAL mode, and runs migrations.
func Open(path string, log obslog.Logger) (*Backend, error) {
	if log == nil {
		log = obslog.NewDefault()
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, sememerr.Wrap(sememerr.StorageError, "sqlitepure: open", err)
	}
	db.SetMaxOpenConns(1)

	b := &Backend{db: db, log: log}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate() error {
	if _, err := b.db.Exec(schema); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: base schema", err)
	}
	var count int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: read schema_version", err)
	}
	if count == 0 {
		if _, err := b.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return sememerr.Wrap(sememerr.StorageError, "sqlitepure: seed schema_version", err)
		}
	}
	return nil
}

func (b *Backend) Load(ctx context.Context) (storage.PersistedState, error) {
	var st storage.PersistedState

	rows, err := b.db.QueryContext(ctx, `SELECT id, short_id, prompt, output, embedding, concepts, timestamp_ms, access_count, last_access_ms, decay_factor, tier FROM interactions`)
	if err != nil {
		return st, sememerr.Wrap(sememerr.StorageError, "sqlitepure: load interactions", err)
	}
	defer rows.Close()

	for rows.Next() {
		it, tier, err := scanInteraction(rows)
		if err != nil {
			return st, err
		}
		switch tier {
		case storage.ShortTerm:
			st.ShortTerm = append(st.ShortTerm, it)
		case storage.LongTerm:
			st.LongTerm = append(st.LongTerm, it)
		}
	}
	if err := rows.Err(); err != nil {
		return st, sememerr.Wrap(sememerr.StorageError, "sqlitepure: row iteration", err)
	}

	snap, err := b.loadGraph(ctx)
	if err != nil {
		return st, err
	}
	st.Graph = snap
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(rs rowScanner) (*interaction.Interaction, storage.Tier, error) {
	var (
		id, shortID, prompt, output, conceptsJSON, tier string
		embeddingBlob                                   []byte
		timestampMs, lastAccessMs                       int64
		accessCount                                     uint32
		decayFactor                                     float32
	)
	if err := rs.Scan(&id, &shortID, &prompt, &output, &embeddingBlob, &conceptsJSON, &timestampMs, &accessCount, &lastAccessMs, &decayFactor, &tier); err != nil {
		return nil, "", sememerr.Wrap(sememerr.StorageError, "sqlitepure: scan interaction", err)
	}
	embedding, err := decodeEmbedding(embeddingBlob)
	if err != nil {
		return nil, "", err
	}
	var concepts []string
	if err := json.Unmarshal([]byte(conceptsJSON), &concepts); err != nil {
		return nil, "", sememerr.Wrap(sememerr.StorageError, "sqlitepure: decode concepts", err)
	}
	it := interaction.New(prompt, output, embedding, concepts, timestampMs)
	it.ID = id
	it.ShortID = shortID
	it.AccessCount = accessCount
	it.LastAccessMs = lastAccessMs
	it.DecayFactor = decayFactor
	return it, storage.Tier(tier), nil
}

func (b *Backend) Append(ctx context.Context, it *interaction.Interaction, tier storage.Tier) error {
	conceptsJSON, err := json.Marshal(it.ConceptSet())
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: encode concepts", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO interactions (id, short_id, prompt, output, embedding, concepts, timestamp_ms, access_count, last_access_ms, decay_factor, tier)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ShortID, it.Prompt, it.Output, encodeEmbedding(it.Embedding), string(conceptsJSON),
		it.TimestampMs, it.AccessCount, it.LastAccessMs, it.DecayFactor, string(tier))
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: append interaction", err)
	}
	return nil
}

func (b *Backend) Promote(ctx context.Context, id string, from, to storage.Tier) error {
	res, err := b.db.ExecContext(ctx, `UPDATE interactions SET tier = ? WHERE id = ? AND tier = ?`, string(to), id, string(from))
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: promote", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sememerr.New(sememerr.StorageError, "sqlitepure: promote: no matching row for "+id)
	}
	return nil
}

func (b *Backend) UpdateAccess(ctx context.Context, id string, accessCount uint32, lastAccessMs int64, decayFactor float32) error {
	_, err := b.db.ExecContext(ctx, `UPDATE interactions SET access_count = ?, last_access_ms = ?, decay_factor = ? WHERE id = ?`,
		accessCount, lastAccessMs, decayFactor, id)
	if err != nil {
		b.log.Warnf("sqlitepure", "update_access best-effort failure for %s: %v", id, err)
		return nil
	}
	return nil
}

func (b *Backend) Purge(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM interactions WHERE id = ?`, id); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: purge", err)
	}
	return nil
}

func (b *Backend) SaveGraph(ctx context.Context, snap conceptgraph.Snapshot) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: begin savegraph tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM concept_freq`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: clear concept_freq", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM concept_edge`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: clear concept_edge", err)
	}
	for c, f := range snap.Freq {
		if _, err := tx.ExecContext(ctx, `INSERT INTO concept_freq (concept, freq) VALUES (?, ?)`, c, f); err != nil {
			return sememerr.Wrap(sememerr.StorageError, "sqlitepure: insert concept_freq", err)
		}
	}
	for key, w := range snap.Edges {
		a, bb, ok := splitEdgeKey(key)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO concept_edge (a, b, weight) VALUES (?, ?, ?)`, a, bb, w); err != nil {
			return sememerr.Wrap(sememerr.StorageError, "sqlitepure: insert concept_edge", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: commit savegraph tx", err)
	}
	return nil
}

func (b *Backend) loadGraph(ctx context.Context) (conceptgraph.Snapshot, error) {
	snap := conceptgraph.Snapshot{Freq: map[string]int{}, Edges: map[string]int{}}

	freqRows, err := b.db.QueryContext(ctx, `SELECT concept, freq FROM concept_freq`)
	if err != nil {
		return snap, sememerr.Wrap(sememerr.StorageError, "sqlitepure: load concept_freq", err)
	}
	defer freqRows.Close()
	for freqRows.Next() {
		var c string
		var f int
		if err := freqRows.Scan(&c, &f); err != nil {
			return snap, sememerr.Wrap(sememerr.StorageError, "sqlitepure: scan concept_freq", err)
		}
		snap.Freq[c] = f
	}

	edgeRows, err := b.db.QueryContext(ctx, `SELECT a, b, weight FROM concept_edge`)
	if err != nil {
		return snap, sememerr.Wrap(sememerr.StorageError, "sqlitepure: load concept_edge", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var a, bb string
		var w int
		if err := edgeRows.Scan(&a, &bb, &w); err != nil {
			return snap, sememerr.Wrap(sememerr.StorageError, "sqlitepure: scan concept_edge", err)
		}
		snap.Edges[a+"\x00"+bb] = w
	}
	return snap, nil
}

func (b *Backend) Verify(ctx context.Context) error {
	var one int
	if err := b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: verify", err)
	}
	return nil
}

func (b *Backend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM interactions`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: clear interactions", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM concept_freq`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: clear concept_freq", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM concept_edge`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitepure: clear concept_edge", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		buf[i*4+0] = byte(bits)
		buf[i*4+1] = byte(bits >> 8)
		buf[i*4+2] = byte(bits >> 16)
		buf[i*4+3] = byte(bits >> 24)
	}
	return buf
}

func decodeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, sememerr.New(sememerr.StorageError, "sqlitepure: malformed embedding blob")
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		bits := uint32(buf[i*4+0]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func splitEdgeKey(key string) (string, string, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// Package sqlitefile implements a StorageBackend on top of
// github.com/mattn/go-sqlite3 (cgo). When sqlite-vec is available at
// runtime it creates a vec0 virtual table as the ANN slot §9 reserves, but
// nothing writes to or queries that table: Load always returns every
// embedding and internal/rank always ranks by exact scan.
package sqlitefile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/vthunder/bud2/internal/conceptgraph"
	"github.com/vthunder/bud2/internal/interaction"
	"github.com/vthunder/bud2/internal/obslog"
	"github.com/vthunder/bud2/internal/sememerr"
	"github.com/vthunder/bud2/internal/storage"
)

// init registers sqlite-vec as an auto-extension on every new sqlite3
// connection made through mattn/go-sqlite3, which is what makes
// `SELECT vec_version()` and the vec0 virtual table available to
// tryEnableVec below. Without this call the extension is compiled in but
// never loaded into any connection.
func init() {
	sqlite_vec.Auto()
}

const schemaVersion = 1

const baseSchema = `
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

// Backend is a StorageBackend backed by a single SQLite file opened via
// the cgo mattn/go-sqlite3 driver.
type Backend struct {
	db         *sql.DB
	vecEnabled bool
	vecDim     int
	log        obslog.Logger
}

// Open opens (creating if necessary) a SQLite-file-backed backend at path,
// in WAL mode, and runs migrations. dim is the embedding dimension, used
// only to size the optional vec0 table.
func Open(path string, dim int, log obslog.Logger) (*Backend, error) {
	if log == nil {
		log = obslog.NewDefault()
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, sememerr.Wrap(sememerr.StorageError, "sqlitefile: open", err)
	}
	db.SetMaxOpenConns(1)

	b := &Backend{db: db, vecDim: dim, log: log}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	b.vecEnabled = b.tryEnableVec()
	return b, nil
}

func (b *Backend) migrate() error {
	if _, err := b.db.Exec(baseSchema); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: base schema", err)
	}
	var count int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: read schema_version", err)
	}
	if count == 0 {
		if _, err := b.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return sememerr.Wrap(sememerr.StorageError, "sqlitefile: seed schema_version", err)
		}
	}
	return nil
}

// tryEnableVec probes whether sqlite-vec's auto-extension (registered by
// this package's init() via sqlite_vec.Auto()) actually loaded into this
// connection and, if so, creates the vec0 virtual table lazily.
func (b *Backend) tryEnableVec() bool {
	var version string
	if err := b.db.QueryRow(`SELECT vec_version()`).Scan(&version); err != nil {
		b.log.Debugf("sqlitefile", "sqlite-vec not available, falling back to exact scan: %v", err)
		return false
	}
	createVec := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_interactions USING vec0(embedding float[%d])`, b.vecDim)
	if _, err := b.db.Exec(createVec); err != nil {
		b.log.Warnf("sqlitefile", "sqlite-vec present but vec0 table creation failed: %v", err)
		return false
	}
	b.log.Infof("sqlitefile", "sqlite-vec %s enabled, ANN slot active", version)
	return true
}

// VecEnabled reports whether the optional ANN path is active. Exposed so
// internal/rank (or a future caller) can choose a vec0 KNN query over the
// exact scan when available; the default ranker always performs the exact
// scan regardless, per the spec's Non-goal on ANN indexes.
func (b *Backend) VecEnabled() bool { return b.vecEnabled }

func (b *Backend) Load(ctx context.Context) (storage.PersistedState, error) {
	var st storage.PersistedState

	rows, err := b.db.QueryContext(ctx, `SELECT id, short_id, prompt, output, embedding, concepts, timestamp_ms, access_count, last_access_ms, decay_factor, tier FROM interactions`)
	if err != nil {
		return st, sememerr.Wrap(sememerr.StorageError, "sqlitefile: load interactions", err)
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
		return st, sememerr.Wrap(sememerr.StorageError, "sqlitefile: row iteration", err)
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
		return nil, "", sememerr.Wrap(sememerr.StorageError, "sqlitefile: scan interaction", err)
	}
	embedding, err := decodeEmbedding(embeddingBlob)
	if err != nil {
		return nil, "", err
	}
	var concepts []string
	if err := json.Unmarshal([]byte(conceptsJSON), &concepts); err != nil {
		return nil, "", sememerr.Wrap(sememerr.StorageError, "sqlitefile: decode concepts", err)
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
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: encode concepts", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO interactions (id, short_id, prompt, output, embedding, concepts, timestamp_ms, access_count, last_access_ms, decay_factor, tier)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ShortID, it.Prompt, it.Output, encodeEmbedding(it.Embedding), string(conceptsJSON),
		it.TimestampMs, it.AccessCount, it.LastAccessMs, it.DecayFactor, string(tier))
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: append interaction", err)
	}
	return nil
}

func (b *Backend) Promote(ctx context.Context, id string, from, to storage.Tier) error {
	res, err := b.db.ExecContext(ctx, `UPDATE interactions SET tier = ? WHERE id = ? AND tier = ?`, string(to), id, string(from))
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: promote", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sememerr.New(sememerr.StorageError, "sqlitefile: promote: no matching row for "+id)
	}
	return nil
}

func (b *Backend) UpdateAccess(ctx context.Context, id string, accessCount uint32, lastAccessMs int64, decayFactor float32) error {
	_, err := b.db.ExecContext(ctx, `UPDATE interactions SET access_count = ?, last_access_ms = ?, decay_factor = ? WHERE id = ?`,
		accessCount, lastAccessMs, decayFactor, id)
	if err != nil {
		b.log.Warnf("sqlitefile", "update_access best-effort failure for %s: %v", id, err)
		return nil // best-effort per §4.8
	}
	return nil
}

func (b *Backend) Purge(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM interactions WHERE id = ?`, id); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: purge", err)
	}
	return nil
}

func (b *Backend) SaveGraph(ctx context.Context, snap conceptgraph.Snapshot) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: begin savegraph tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM concept_freq`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: clear concept_freq", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM concept_edge`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: clear concept_edge", err)
	}
	for c, f := range snap.Freq {
		if _, err := tx.ExecContext(ctx, `INSERT INTO concept_freq (concept, freq) VALUES (?, ?)`, c, f); err != nil {
			return sememerr.Wrap(sememerr.StorageError, "sqlitefile: insert concept_freq", err)
		}
	}
	for key, w := range snap.Edges {
		a, bb, ok := splitEdgeKey(key)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO concept_edge (a, b, weight) VALUES (?, ?, ?)`, a, bb, w); err != nil {
			return sememerr.Wrap(sememerr.StorageError, "sqlitefile: insert concept_edge", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: commit savegraph tx", err)
	}
	return nil
}

func (b *Backend) loadGraph(ctx context.Context) (conceptgraph.Snapshot, error) {
	snap := conceptgraph.Snapshot{Freq: map[string]int{}, Edges: map[string]int{}}

	freqRows, err := b.db.QueryContext(ctx, `SELECT concept, freq FROM concept_freq`)
	if err != nil {
		return snap, sememerr.Wrap(sememerr.StorageError, "sqlitefile: load concept_freq", err)
	}
	defer freqRows.Close()
	for freqRows.Next() {
		var c string
		var f int
		if err := freqRows.Scan(&c, &f); err != nil {
			return snap, sememerr.Wrap(sememerr.StorageError, "sqlitefile: scan concept_freq", err)
		}
		snap.Freq[c] = f
	}

	edgeRows, err := b.db.QueryContext(ctx, `SELECT a, b, weight FROM concept_edge`)
	if err != nil {
		return snap, sememerr.Wrap(sememerr.StorageError, "sqlitefile: load concept_edge", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var a, bb string
		var w int
		if err := edgeRows.Scan(&a, &bb, &w); err != nil {
			return snap, sememerr.Wrap(sememerr.StorageError, "sqlitefile: scan concept_edge", err)
		}
		snap.Edges[a+"\x00"+bb] = w
	}
	return snap, nil
}

func (b *Backend) Verify(ctx context.Context) error {
	var one int
	if err := b.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: verify", err)
	}
	return nil
}

func (b *Backend) Clear(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM interactions`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: clear interactions", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM concept_freq`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: clear concept_freq", err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM concept_edge`); err != nil {
		return sememerr.Wrap(sememerr.StorageError, "sqlitefile: clear concept_edge", err)
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
		return nil, sememerr.New(sememerr.StorageError, "sqlitefile: malformed embedding blob")
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

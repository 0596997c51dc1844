package openmemory

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection for durable row persistence. The vector
// store shares the same connection (see vector_store.go); HSG Writer is the
// sole component that mutates both.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStore opens (or creates) the SQLite database and runs migrations.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("openmemory: mkdir %s: %w", filepath.Dir(path), err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("openmemory: open db: %w", err)
	}

	// Single connection avoids write contention for our scale
	db.SetMaxOpenConns(1)

	s := &Store{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("openmemory: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)

	var version int
	s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS memories (
				id                TEXT PRIMARY KEY,
				tenant_id         TEXT,
				content_encrypted BLOB    NOT NULL,
				primary_sector    TEXT    NOT NULL DEFAULT 'semantic',
				tags_json         TEXT    NOT NULL DEFAULT '[]',
				metadata_json     TEXT    NOT NULL DEFAULT '{}',
				segment           INTEGER NOT NULL DEFAULT 0,
				simhash           INTEGER NOT NULL DEFAULT 0,
				created_at        INTEGER NOT NULL,
				updated_at        INTEGER NOT NULL,
				last_seen_at      INTEGER NOT NULL,
				salience          REAL    NOT NULL DEFAULT 0.5,
				decay_lambda      REAL    NOT NULL DEFAULT 0.02,
				version           INTEGER NOT NULL DEFAULT 1,
				mean_dim          INTEGER NOT NULL DEFAULT 0,
				mean_vec          BLOB,
				compressed_vec    BLOB,
				coactivations     INTEGER NOT NULL DEFAULT 0,
				feedback_score    REAL    NOT NULL DEFAULT 0,
				generated_summary TEXT    NOT NULL DEFAULT ''
			);
			CREATE INDEX IF NOT EXISTS idx_memories_tenant  ON memories(tenant_id);
			CREATE INDEX IF NOT EXISTS idx_memories_sector  ON memories(primary_sector);
			CREATE INDEX IF NOT EXISTS idx_memories_segment ON memories(segment);
			CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);

			CREATE TABLE IF NOT EXISTS sector_vectors (
				mem_id      TEXT    NOT NULL,
				sector      TEXT    NOT NULL,
				tenant_id   TEXT,
				vector_blob BLOB    NOT NULL,
				dim         INTEGER NOT NULL,
				updated_at  INTEGER NOT NULL,
				PRIMARY KEY (mem_id, sector)
			);
			CREATE INDEX IF NOT EXISTS idx_vectors_sector ON sector_vectors(sector, tenant_id);

			CREATE TABLE IF NOT EXISTS waypoints (
				src_id            TEXT NOT NULL,
				dst_id            TEXT NOT NULL,
				tenant_id         TEXT,
				weight            REAL NOT NULL,
				created_at        INTEGER NOT NULL,
				last_traversed_at INTEGER NOT NULL,
				PRIMARY KEY (src_id, dst_id)
			);
			CREATE INDEX IF NOT EXISTS idx_waypoints_dst ON waypoints(dst_id);

			CREATE TABLE IF NOT EXISTS facts (
				id            TEXT PRIMARY KEY,
				tenant_id     TEXT,
				subject       TEXT NOT NULL,
				predicate     TEXT NOT NULL,
				object        TEXT NOT NULL,
				valid_from    INTEGER NOT NULL,
				valid_to      INTEGER,
				confidence    REAL NOT NULL DEFAULT 1.0,
				metadata_json TEXT NOT NULL DEFAULT '{}'
			);
			CREATE INDEX IF NOT EXISTS idx_facts_sp ON facts(subject, predicate, tenant_id);

			CREATE TABLE IF NOT EXISTS temporal_edges (
				id            TEXT PRIMARY KEY,
				source_id     TEXT NOT NULL,
				target_id     TEXT NOT NULL,
				relation_type TEXT NOT NULL,
				valid_from    INTEGER NOT NULL,
				valid_to      INTEGER,
				weight        REAL NOT NULL DEFAULT 1.0,
				tenant_id     TEXT,
				metadata_json TEXT NOT NULL DEFAULT '{}'
			);
			CREATE INDEX IF NOT EXISTS idx_edges_source ON temporal_edges(source_id);
			CREATE INDEX IF NOT EXISTS idx_edges_target ON temporal_edges(target_id);

			CREATE TABLE IF NOT EXISTS users (
				tenant_id        TEXT PRIMARY KEY,
				summary          TEXT NOT NULL DEFAULT '',
				reflection_count INTEGER NOT NULL DEFAULT 0,
				created_at       INTEGER NOT NULL,
				updated_at       INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS classifier_models (
				tenant_id    TEXT PRIMARY KEY,
				weights_json TEXT NOT NULL,
				biases_json  TEXT NOT NULL,
				version      INTEGER NOT NULL DEFAULT 1,
				updated_at   INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS stats (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				type        TEXT NOT NULL,
				count       INTEGER NOT NULL,
				detail_json TEXT NOT NULL DEFAULT '{}',
				ts          INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS audit_log (
				id        INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id TEXT,
				actor     TEXT NOT NULL DEFAULT '',
				action    TEXT NOT NULL,
				detail    TEXT NOT NULL DEFAULT '',
				ts        INTEGER NOT NULL
			);
		`); err != nil {
			return err
		}
		s.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	}

	return nil
}

// Close shuts down the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Vector encoding ---

// EncodeVector converts a float32 slice to a little-endian byte blob.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector converts a little-endian byte blob back to a float32 slice.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// --- Time and tenant helpers ---

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// tenantClause renders the scope as a WHERE fragment on col.
func tenantClause(scope TenantScope, col string) (string, []any) {
	if scope.All {
		return "1=1", nil
	}
	if scope.Tenant == nil {
		return col + " IS NULL", nil
	}
	return col + " = ?", []any{*scope.Tenant}
}

func nullableTenant(t *string) any {
	if t == nil {
		return nil
	}
	return *t
}

// --- Memory rows ---

// MemoryRow is a Memory as the table store sees it: content encrypted, the
// plaintext Content field unused.
type MemoryRow struct {
	Memory
	Encrypted []byte
}

const memoryCols = `id, tenant_id, content_encrypted, primary_sector, tags_json,
	metadata_json, segment, simhash, created_at, updated_at, last_seen_at,
	salience, decay_lambda, version, mean_dim, mean_vec, compressed_vec,
	coactivations, feedback_score, generated_summary`

// InsertMemory stores a new memory row. The caller supplies the id.
func (s *Store) InsertMemory(row MemoryRow) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(row.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO memories (`+memoryCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.ID, nullableTenant(row.TenantID), row.Encrypted, string(row.PrimarySector),
		string(tags), string(meta), row.Segment, int64(row.SimHash),
		timeToMs(row.CreatedAt), timeToMs(row.UpdatedAt), timeToMs(row.LastSeenAt),
		clamp01(row.Salience), row.DecayLambda, row.Version,
		len(row.MeanVec), EncodeVector(row.MeanVec), EncodeVector(row.CompressedVec),
		row.Coactivations, row.FeedbackScore, row.GeneratedSummary,
	)
	return err
}

func scanMemoryRow(sc interface{ Scan(...any) error }) (MemoryRow, error) {
	var row MemoryRow
	var tenant sql.NullString
	var sector, tags, meta string
	var simhash, created, updated, lastSeen int64
	var meanDim int
	var meanVec, compVec []byte

	if err := sc.Scan(
		&row.ID, &tenant, &row.Encrypted, &sector, &tags, &meta,
		&row.Segment, &simhash, &created, &updated, &lastSeen,
		&row.Salience, &row.DecayLambda, &row.Version,
		&meanDim, &meanVec, &compVec,
		&row.Coactivations, &row.FeedbackScore, &row.GeneratedSummary,
	); err != nil {
		return row, err
	}
	if tenant.Valid {
		v := tenant.String
		row.TenantID = &v
	}
	row.PrimarySector = Sector(sector)
	row.SimHash = uint64(simhash)
	row.CreatedAt = msToTime(created)
	row.UpdatedAt = msToTime(updated)
	row.LastSeenAt = msToTime(lastSeen)
	if len(meanVec) > 0 {
		row.MeanVec = DecodeVector(meanVec)
	}
	if len(compVec) > 0 {
		row.CompressedVec = DecodeVector(compVec)
	}
	json.Unmarshal([]byte(tags), &row.Tags)
	json.Unmarshal([]byte(meta), &row.Metadata)
	return row, nil
}

// GetMemory loads one memory within the scope.
func (s *Store) GetMemory(id string, scope TenantScope) (MemoryRow, error) {
	clause, args := tenantClause(scope, "tenant_id")
	args = append([]any{id}, args...)
	row, err := scanMemoryRow(s.db.QueryRow(
		`SELECT `+memoryCols+` FROM memories WHERE id = ? AND `+clause, args...))
	if err == sql.ErrNoRows {
		return row, Errf(CodeNotFound, "memory %s", id)
	}
	return row, err
}

// UpdateMemoryCAS rewrites a memory row iff the stored version still equals
// expect. The new row must carry expect+1.
func (s *Store) UpdateMemoryCAS(row MemoryRow, expect int64) error {
	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(row.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE memories SET
			content_encrypted = ?, primary_sector = ?, tags_json = ?,
			metadata_json = ?, simhash = ?, updated_at = ?, last_seen_at = ?,
			salience = ?, decay_lambda = ?, version = ?, mean_dim = ?,
			mean_vec = ?, compressed_vec = ?, coactivations = ?,
			feedback_score = ?, generated_summary = ?
		WHERE id = ? AND version = ?`,
		row.Encrypted, string(row.PrimarySector), string(tags), string(meta),
		int64(row.SimHash), timeToMs(row.UpdatedAt), timeToMs(row.LastSeenAt),
		clamp01(row.Salience), row.DecayLambda, expect+1,
		len(row.MeanVec), EncodeVector(row.MeanVec), EncodeVector(row.CompressedVec),
		row.Coactivations, row.FeedbackScore, row.GeneratedSummary,
		row.ID, expect,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Errf(CodeConflict, "memory %s: version %d superseded", row.ID, expect)
	}
	return nil
}

// Reinforce boosts salience (capped at 1), refreshes last_seen_at and bumps
// the version in one statement. bumpCoactivations marks a co-retrieval.
func (s *Store) Reinforce(id string, scope TenantScope, boost float64, bumpCoactivations bool, now time.Time) error {
	clause, targs := tenantClause(scope, "tenant_id")
	coact := 0
	if bumpCoactivations {
		coact = 1
	}
	args := append([]any{boost, coact, timeToMs(now), timeToMs(now), id}, targs...)
	res, err := s.db.Exec(`
		UPDATE memories
		SET salience = MIN(salience + ?, 1.0),
		    coactivations = coactivations + ?,
		    last_seen_at = ?,
		    updated_at = ?,
		    version = version + 1
		WHERE id = ? AND `+clause,
		args...,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Errf(CodeNotFound, "memory %s", id)
	}
	return nil
}

// DeleteMemory removes a memory and everything referencing it: sector
// vectors, waypoints on either endpoint, facts naming it and temporal edges
// touching it.
func (s *Store) DeleteMemory(id string, scope TenantScope) error {
	clause, targs := tenantClause(scope, "tenant_id")
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM memories WHERE id = ? AND `+clause, append([]any{id}, targs...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errf(CodeNotFound, "memory %s", id)
	}
	if _, err := tx.Exec(`DELETE FROM sector_vectors WHERE mem_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM waypoints WHERE src_id = ? OR dst_id = ?`, id, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM facts WHERE subject = ? OR object = ?`, id, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM temporal_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteAllMemories wipes every memory in scope (and its vectors, waypoints,
// facts and edges) and returns how many memories were removed.
func (s *Store) DeleteAllMemories(scope TenantScope) (int, error) {
	clause, targs := tenantClause(scope, "tenant_id")
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM memories WHERE `+clause, targs...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	for _, stmt := range []string{
		`DELETE FROM sector_vectors WHERE ` + clause,
		`DELETE FROM waypoints WHERE ` + clause,
		`DELETE FROM facts WHERE ` + clause,
		`DELETE FROM temporal_edges WHERE ` + clause,
	} {
		if _, err := tx.Exec(stmt, targs...); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountMemories returns the number of memories in scope.
func (s *Store) CountMemories(scope TenantScope) (int, error) {
	clause, args := tenantClause(scope, "tenant_id")
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE `+clause, args...).Scan(&n)
	return n, err
}

// CountSegment returns the number of memories in one maintenance segment,
// across all tenants.
func (s *Store) CountSegment(segment int) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE segment = ?`, segment).Scan(&n)
	return n, err
}

// SampleSegment pages through one segment in stable id order. Maintenance
// workers use this for randomized-window sampling across all tenants.
func (s *Store) SampleSegment(segment, offset, limit int) ([]MemoryRow, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryCols+` FROM memories
		WHERE segment = ? ORDER BY id LIMIT ? OFFSET ?`,
		segment, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemoryRows(rows)
}

// ListRecent returns the newest memories in scope, optionally filtered by
// primary sector.
func (s *Store) ListRecent(scope TenantScope, limit int, sectors []Sector) ([]MemoryRow, error) {
	clause, args := tenantClause(scope, "tenant_id")
	query := `SELECT ` + memoryCols + ` FROM memories WHERE ` + clause
	if len(sectors) > 0 {
		placeholders := make([]string, len(sectors))
		for i, sec := range sectors {
			placeholders[i] = "?"
			args = append(args, string(sec))
		}
		query += ` AND primary_sector IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemoryRows(rows)
}

// GetMemoriesByIDs loads a batch of memories by id within scope.
func (s *Store) GetMemoriesByIDs(ids []string, scope TenantScope) (map[string]MemoryRow, error) {
	out := make(map[string]MemoryRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	clause, targs := tenantClause(scope, "tenant_id")
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+len(targs))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, targs...)
	rows, err := s.db.Query(`
		SELECT `+memoryCols+` FROM memories
		WHERE id IN (`+strings.Join(placeholders, ",")+`) AND `+clause,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	collected, err := collectMemoryRows(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range collected {
		out[r.ID] = r
	}
	return out, nil
}

func collectMemoryRows(rows *sql.Rows) ([]MemoryRow, error) {
	var out []MemoryRow
	for rows.Next() {
		r, err := scanMemoryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveTenants returns every distinct non-null tenant with stored memories.
func (s *Store) ActiveTenants() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT tenant_id FROM memories WHERE tenant_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnforceMemoryLimit evicts the oldest low-salience memories if a tenant
// exceeds the cap, cascading like any other delete. Returns the evicted ids.
// A cap of 0 disables enforcement.
func (s *Store) EnforceMemoryLimit(scope TenantScope, maxCount int) ([]string, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	count, err := s.CountMemories(scope)
	if err != nil {
		return nil, err
	}
	if count <= maxCount {
		return nil, nil
	}
	clause, targs := tenantClause(scope, "tenant_id")
	excess := count - maxCount
	args := append(targs, excess)
	rows, err := s.db.Query(`
		SELECT id FROM memories
		WHERE `+clause+`
		ORDER BY salience ASC, created_at ASC
		LIMIT ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		evicted = append(evicted, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, id := range evicted {
		if _, err := tx.Exec(`DELETE FROM memories WHERE id = ?`, id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM sector_vectors WHERE mem_id = ?`, id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM waypoints WHERE src_id = ? OR dst_id = ?`, id, id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM facts WHERE subject = ? OR object = ?`, id, id); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`DELETE FROM temporal_edges WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return evicted, nil
}

// TrainingSamples returns up to limit (meanVec, primarySector) pairs for
// classifier training.
func (s *Store) TrainingSamples(scope TenantScope, limit int) ([][]float32, []Sector, error) {
	clause, args := tenantClause(scope, "tenant_id")
	args = append(args, limit)
	rows, err := s.db.Query(`
		SELECT mean_vec, primary_sector FROM memories
		WHERE `+clause+` AND mean_dim > 0
		ORDER BY created_at DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var vecs [][]float32
	var labels []Sector
	for rows.Next() {
		var blob []byte
		var sector string
		if err := rows.Scan(&blob, &sector); err != nil {
			return nil, nil, err
		}
		if len(blob) == 0 || !ValidSector(Sector(sector)) {
			continue
		}
		vecs = append(vecs, DecodeVector(blob))
		labels = append(labels, Sector(sector))
	}
	return vecs, labels, rows.Err()
}

// --- Stats ---

// InsertStat appends one row to the maintenance log.
func (s *Store) InsertStat(statType string, count int) error {
	return s.InsertStatDetail(statType, count, nil)
}

// InsertStatDetail appends a maintenance log row with a structured breakdown.
func (s *Store) InsertStatDetail(statType string, count int, detail map[string]any) error {
	meta, err := marshalMeta(detail)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO stats (type, count, detail_json, ts) VALUES (?, ?, ?, ?)`,
		statType, count, meta, timeToMs(s.clock()))
	return err
}

// RecentStats returns the newest maintenance log rows of one type.
func (s *Store) RecentStats(statType string, limit int) ([]MaintenanceStat, error) {
	rows, err := s.db.Query(`
		SELECT type, count, detail_json, ts FROM stats WHERE type = ?
		ORDER BY ts DESC, id DESC LIMIT ?`,
		statType, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MaintenanceStat
	for rows.Next() {
		var st MaintenanceStat
		var ts int64
		var detail string
		if err := rows.Scan(&st.Type, &st.Count, &detail, &ts); err != nil {
			return nil, err
		}
		st.Detail = unmarshalMeta(detail)
		st.Timestamp = msToTime(ts)
		out = append(out, st)
	}
	return out, rows.Err()
}

// InsertAudit appends one audit log row.
func (s *Store) InsertAudit(tenant *string, actor, action, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (tenant_id, actor, action, detail, ts)
		VALUES (?, ?, ?, ?, ?)`,
		nullableTenant(tenant), actor, action, detail, timeToMs(s.clock()))
	return err
}

// RecentAudit returns the newest audit rows visible in scope.
func (s *Store) RecentAudit(scope TenantScope, limit int) ([]AuditEntry, error) {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append(targs, limit)
	rows, err := s.db.Query(`
		SELECT tenant_id, actor, action, detail, ts FROM audit_log
		WHERE `+clause+`
		ORDER BY ts DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var tenant sql.NullString
		var ts int64
		if err := rows.Scan(&tenant, &e.Actor, &e.Action, &e.Detail, &ts); err != nil {
			return nil, err
		}
		if tenant.Valid {
			v := tenant.String
			e.TenantID = &v
		}
		e.Timestamp = msToTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

package openmemory

import (
	"database/sql"
	"sort"
	"time"
)

// VectorStore maps (memoryId, sector, tenant) to dense vectors and serves
// kNN over one sector slice. It shares the Store's SQLite connection; a flat
// scan with in-process cosine is enough at our per-tenant scale. Swap the
// scan for an index when N grows.
type VectorStore struct {
	db    *sql.DB
	clock func() time.Time
}

// Vectors returns the vector-store view over the same database.
func (s *Store) Vectors() *VectorStore {
	return &VectorStore{db: s.db, clock: s.clock}
}

// SectorVector is one vector-store entry. Sector is a raw string because
// cold entries carry the "_cold" suffix on top of the closed sector set.
type SectorVector struct {
	MemID     string
	Sector    string
	TenantID  *string
	Vector    []float32
	Dim       int
	UpdatedAt time.Time
}

// Neighbor is one kNN hit, cosine in [-1, 1].
type Neighbor struct {
	MemID string
	Score float64
}

// Get loads one entry, or NotFound.
func (v *VectorStore) Get(memID, sector string, scope TenantScope) (SectorVector, error) {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{memID, sector}, targs...)
	sv, err := scanSectorVector(v.db.QueryRow(`
		SELECT mem_id, sector, tenant_id, vector_blob, dim, updated_at
		FROM sector_vectors
		WHERE mem_id = ? AND sector = ? AND `+clause,
		args...,
	))
	if err == sql.ErrNoRows {
		return sv, Errf(CodeNotFound, "vector %s/%s", memID, sector)
	}
	return sv, err
}

// GetByMemID returns every sector entry for one memory within scope.
func (v *VectorStore) GetByMemID(memID string, scope TenantScope) ([]SectorVector, error) {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{memID}, targs...)
	rows, err := v.db.Query(`
		SELECT mem_id, sector, tenant_id, vector_blob, dim, updated_at
		FROM sector_vectors
		WHERE mem_id = ? AND `+clause+`
		ORDER BY sector`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SectorVector
	for rows.Next() {
		sv, err := scanSectorVector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func scanSectorVector(sc interface{ Scan(...any) error }) (SectorVector, error) {
	var sv SectorVector
	var tenant sql.NullString
	var blob []byte
	var updated int64
	if err := sc.Scan(&sv.MemID, &sv.Sector, &tenant, &blob, &sv.Dim, &updated); err != nil {
		return sv, err
	}
	if tenant.Valid {
		t := tenant.String
		sv.TenantID = &t
	}
	sv.Vector = DecodeVector(blob)
	sv.UpdatedAt = msToTime(updated)
	return sv, nil
}

// Store upserts one entry.
func (v *VectorStore) Store(memID, sector string, tenantID *string, vec []float32) error {
	_, err := v.db.Exec(`
		INSERT INTO sector_vectors (mem_id, sector, tenant_id, vector_blob, dim, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mem_id, sector) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			vector_blob = excluded.vector_blob,
			dim = excluded.dim,
			updated_at = excluded.updated_at`,
		memID, sector, nullableTenant(tenantID), EncodeVector(vec), len(vec),
		timeToMs(v.clock()),
	)
	return err
}

// Delete removes one (memory, sector) entry.
func (v *VectorStore) Delete(memID, sector string, scope TenantScope) error {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{memID, sector}, targs...)
	_, err := v.db.Exec(`
		DELETE FROM sector_vectors WHERE mem_id = ? AND sector = ? AND `+clause,
		args...,
	)
	return err
}

// DeleteAll removes every sector entry for one memory.
func (v *VectorStore) DeleteAll(memID string, scope TenantScope) error {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{memID}, targs...)
	_, err := v.db.Exec(`DELETE FROM sector_vectors WHERE mem_id = ? AND `+clause, args...)
	return err
}

// KNN returns the k nearest entries of one sector slice, cosine descending,
// ties broken by ascending memId for determinism. Tenant and sector scope
// are strict; k <= 0 returns an empty result.
func (v *VectorStore) KNN(query []float32, sector string, scope TenantScope, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	clause, args := tenantClause(scope, "tenant_id")
	rows, err := v.db.Query(`
		SELECT mem_id, vector_blob FROM sector_vectors
		WHERE sector = ? AND `+clause,
		append([]any{sector}, args...)...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Neighbor
	for rows.Next() {
		var memID string
		var blob []byte
		if err := rows.Scan(&memID, &blob); err != nil {
			return nil, err
		}
		hits = append(hits, Neighbor{MemID: memID, Score: CosineSimilarity(query, DecodeVector(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].MemID < hits[j].MemID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

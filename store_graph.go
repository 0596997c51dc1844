package openmemory

import (
	"database/sql"
	"strings"
	"time"
)

// Waypoint and temporal-edge persistence. Waypoints are strictly per-tenant;
// the writer guarantees both endpoints share a tenant before calling in.

// UpsertWaypoint inserts or refreshes a directed edge. Weights below the
// write floor are the caller's responsibility to filter.
func (s *Store) UpsertWaypoint(w Waypoint) error {
	if w.SrcID == w.DstID {
		return Errf(CodeInvalid, "waypoint endpoints must differ")
	}
	_, err := s.db.Exec(`
		INSERT INTO waypoints (src_id, dst_id, tenant_id, weight, created_at, last_traversed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_id, dst_id) DO UPDATE SET
			weight = MAX(weight, excluded.weight),
			last_traversed_at = excluded.last_traversed_at`,
		w.SrcID, w.DstID, nullableTenant(w.TenantID), w.Weight,
		timeToMs(w.CreatedAt), timeToMs(w.LastTraversedAt),
	)
	return err
}

// WaypointsFrom returns the outgoing edges of a batch of source ids in scope.
func (s *Store) WaypointsFrom(srcIDs []string, scope TenantScope) ([]Waypoint, error) {
	if len(srcIDs) == 0 {
		return nil, nil
	}
	clause, targs := tenantClause(scope, "tenant_id")
	placeholders := make([]string, len(srcIDs))
	args := make([]any, 0, len(srcIDs)+len(targs))
	for i, id := range srcIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, targs...)
	rows, err := s.db.Query(`
		SELECT src_id, dst_id, tenant_id, weight, created_at, last_traversed_at
		FROM waypoints
		WHERE src_id IN (`+strings.Join(placeholders, ",")+`) AND `+clause,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWaypoints(rows)
}

func collectWaypoints(rows *sql.Rows) ([]Waypoint, error) {
	var out []Waypoint
	for rows.Next() {
		var w Waypoint
		var tenant sql.NullString
		var created, traversed int64
		if err := rows.Scan(&w.SrcID, &w.DstID, &tenant, &w.Weight, &created, &traversed); err != nil {
			return nil, err
		}
		if tenant.Valid {
			v := tenant.String
			w.TenantID = &v
		}
		w.CreatedAt = msToTime(created)
		w.LastTraversedAt = msToTime(traversed)
		out = append(out, w)
	}
	return out, rows.Err()
}

// TouchWaypoints refreshes last_traversed_at for edges walked during
// spreading activation.
func (s *Store) TouchWaypoints(pairs [][2]string, now time.Time) error {
	for _, p := range pairs {
		if _, err := s.db.Exec(`
			UPDATE waypoints SET last_traversed_at = ? WHERE src_id = ? AND dst_id = ?`,
			timeToMs(now), p[0], p[1],
		); err != nil {
			return err
		}
	}
	return nil
}

// PruneWaypoints deletes edges whose weight fell under the keep floor.
// Returns the number of edges removed.
func (s *Store) PruneWaypoints(minWeight float64) (int, error) {
	res, err := s.db.Exec(`DELETE FROM waypoints WHERE weight < ?`, minWeight)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DecayWaypointWeights applies a multiplicative decay to every edge weight.
func (s *Store) DecayWaypointWeights(factor float64) error {
	_, err := s.db.Exec(`UPDATE waypoints SET weight = weight * ?`, factor)
	return err
}

// --- Temporal edges ---

// InsertTemporalEdge stores a typed relation between two memories or facts.
func (s *Store) InsertTemporalEdge(e TemporalEdge) error {
	meta, err := marshalMeta(e.Metadata)
	if err != nil {
		return err
	}
	var validTo any
	if e.ValidTo != nil {
		validTo = timeToMs(*e.ValidTo)
	}
	_, err = s.db.Exec(`
		INSERT INTO temporal_edges (id, source_id, target_id, relation_type, valid_from, valid_to, weight, tenant_id, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.TargetID, e.RelationType,
		timeToMs(e.ValidFrom), validTo, e.Weight, nullableTenant(e.TenantID), meta,
	)
	return err
}

// CloseTemporalEdge stamps valid_to on an open edge.
func (s *Store) CloseTemporalEdge(id string, scope TenantScope, at time.Time) error {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{timeToMs(at), id}, targs...)
	res, err := s.db.Exec(`
		UPDATE temporal_edges SET valid_to = ? WHERE id = ? AND valid_to IS NULL AND `+clause,
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errf(CodeNotFound, "open temporal edge %s", id)
	}
	return nil
}

// DeleteTemporalEdge removes an edge by id.
func (s *Store) DeleteTemporalEdge(id string, scope TenantScope) error {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{id}, targs...)
	res, err := s.db.Exec(`DELETE FROM temporal_edges WHERE id = ? AND `+clause, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errf(CodeNotFound, "temporal edge %s", id)
	}
	return nil
}

// TemporalEdgesFor returns the edges touching a memory or fact id.
func (s *Store) TemporalEdgesFor(refID string, scope TenantScope) ([]TemporalEdge, error) {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{refID, refID}, targs...)
	rows, err := s.db.Query(`
		SELECT id, source_id, target_id, relation_type, valid_from, valid_to, weight, tenant_id, metadata_json
		FROM temporal_edges
		WHERE (source_id = ? OR target_id = ?) AND `+clause,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TemporalEdge
	for rows.Next() {
		var e TemporalEdge
		var tenant sql.NullString
		var validFrom int64
		var validTo sql.NullInt64
		var meta string
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.RelationType,
			&validFrom, &validTo, &e.Weight, &tenant, &meta); err != nil {
			return nil, err
		}
		if tenant.Valid {
			v := tenant.String
			e.TenantID = &v
		}
		e.ValidFrom = msToTime(validFrom)
		if validTo.Valid {
			t := msToTime(validTo.Int64)
			e.ValidTo = &t
		}
		e.Metadata = unmarshalMeta(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

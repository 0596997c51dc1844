package openmemory

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Fact persistence. Invariant: for each (subject, predicate, tenant) at most
// one row has valid_to IS NULL — that row is the current fact.

func marshalMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMeta(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	json.Unmarshal([]byte(s), &m)
	return m
}

// UpsertFact inserts a new fact, closing the previous current fact for the
// same (subject, predicate, tenant) at the new fact's valid_from.
// Returns the id of the closed fact, if any.
func (s *Store) UpsertFact(f Fact) (closed string, err error) {
	clause, targs := tenantClause(TenantScope{Tenant: f.TenantID}, "tenant_id")
	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	args := append([]any{f.Subject, f.Predicate}, targs...)
	var prevID string
	err = tx.QueryRow(`
		SELECT id FROM facts
		WHERE subject = ? AND predicate = ? AND valid_to IS NULL AND `+clause,
		args...,
	).Scan(&prevID)
	switch {
	case err == sql.ErrNoRows:
		// no current fact yet
	case err != nil:
		return "", err
	default:
		if _, err := tx.Exec(`UPDATE facts SET valid_to = ? WHERE id = ?`,
			timeToMs(f.ValidFrom), prevID); err != nil {
			return "", err
		}
		closed = prevID
	}

	meta, err := marshalMeta(f.Metadata)
	if err != nil {
		return "", err
	}
	var validTo any
	if f.ValidTo != nil {
		validTo = timeToMs(*f.ValidTo)
	}
	if _, err := tx.Exec(`
		INSERT INTO facts (id, tenant_id, subject, predicate, object, valid_from, valid_to, confidence, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, nullableTenant(f.TenantID), f.Subject, f.Predicate, f.Object,
		timeToMs(f.ValidFrom), validTo, f.Confidence, meta,
	); err != nil {
		return "", err
	}
	return closed, tx.Commit()
}

func scanFact(sc interface{ Scan(...any) error }) (Fact, error) {
	var f Fact
	var tenant sql.NullString
	var validFrom int64
	var validTo sql.NullInt64
	var meta string
	if err := sc.Scan(&f.ID, &tenant, &f.Subject, &f.Predicate, &f.Object,
		&validFrom, &validTo, &f.Confidence, &meta); err != nil {
		return f, err
	}
	if tenant.Valid {
		v := tenant.String
		f.TenantID = &v
	}
	f.ValidFrom = msToTime(validFrom)
	if validTo.Valid {
		t := msToTime(validTo.Int64)
		f.ValidTo = &t
	}
	f.Metadata = unmarshalMeta(meta)
	return f, nil
}

const factCols = `id, tenant_id, subject, predicate, object, valid_from, valid_to, confidence, metadata_json`

// CurrentFact returns the open fact for (subject, predicate) in scope.
func (s *Store) CurrentFact(subject, predicate string, scope TenantScope) (Fact, error) {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{subject, predicate}, targs...)
	f, err := scanFact(s.db.QueryRow(`
		SELECT `+factCols+` FROM facts
		WHERE subject = ? AND predicate = ? AND valid_to IS NULL AND `+clause,
		args...,
	))
	if err == sql.ErrNoRows {
		return f, Errf(CodeNotFound, "fact %s/%s", subject, predicate)
	}
	return f, err
}

// FactHistory returns every version of a (subject, predicate) fact, newest
// valid_from first.
func (s *Store) FactHistory(subject, predicate string, scope TenantScope) ([]Fact, error) {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{subject, predicate}, targs...)
	rows, err := s.db.Query(`
		SELECT `+factCols+` FROM facts
		WHERE subject = ? AND predicate = ? AND `+clause+`
		ORDER BY valid_from DESC`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFact removes one fact row by id.
func (s *Store) DeleteFact(id string, scope TenantScope) error {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{id}, targs...)
	res, err := s.db.Exec(`DELETE FROM facts WHERE id = ? AND `+clause, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errf(CodeNotFound, "fact %s", id)
	}
	return nil
}

// CloseFact stamps valid_to on the current fact without a replacement.
func (s *Store) CloseFact(id string, scope TenantScope, at time.Time) error {
	clause, targs := tenantClause(scope, "tenant_id")
	args := append([]any{timeToMs(at), id}, targs...)
	res, err := s.db.Exec(`
		UPDATE facts SET valid_to = ? WHERE id = ? AND valid_to IS NULL AND `+clause,
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errf(CodeNotFound, "open fact %s", id)
	}
	return nil
}

package openmemory

import (
	"database/sql"
	"encoding/json"
)

// User profile and classifier model persistence.

// UpsertUserProfile writes the synthesized summary for a tenant.
func (s *Store) UpsertUserProfile(tenantID, summary string) error {
	now := timeToMs(s.clock())
	_, err := s.db.Exec(`
		INSERT INTO users (tenant_id, summary, reflection_count, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			summary = excluded.summary,
			updated_at = excluded.updated_at`,
		tenantID, summary, now, now,
	)
	return err
}

// GetUserProfile loads a tenant's profile row.
func (s *Store) GetUserProfile(tenantID string) (UserProfile, error) {
	var p UserProfile
	var created, updated int64
	err := s.db.QueryRow(`
		SELECT tenant_id, summary, reflection_count, created_at, updated_at
		FROM users WHERE tenant_id = ?`,
		tenantID,
	).Scan(&p.TenantID, &p.Summary, &p.ReflectionCount, &created, &updated)
	if err == sql.ErrNoRows {
		return p, Errf(CodeNotFound, "user profile %s", tenantID)
	}
	if err != nil {
		return p, err
	}
	p.CreatedAt = msToTime(created)
	p.UpdatedAt = msToTime(updated)
	return p, nil
}

// BumpReflectionCount increments the per-tenant reflection counter, creating
// the profile row if needed.
func (s *Store) BumpReflectionCount(tenantID string) error {
	now := timeToMs(s.clock())
	_, err := s.db.Exec(`
		INSERT INTO users (tenant_id, summary, reflection_count, created_at, updated_at)
		VALUES (?, '', 1, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			reflection_count = reflection_count + 1,
			updated_at = excluded.updated_at`,
		tenantID, now, now,
	)
	return err
}

// --- Classifier models ---

// SaveClassifierModel persists weights/biases, bumping the stored version.
func (s *Store) SaveClassifierModel(m ClassifierModel) error {
	weights, err := json.Marshal(m.Weights)
	if err != nil {
		return err
	}
	biases, err := json.Marshal(m.Biases)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO classifier_models (tenant_id, weights_json, biases_json, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			weights_json = excluded.weights_json,
			biases_json = excluded.biases_json,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		m.TenantID, string(weights), string(biases), m.Version, timeToMs(s.clock()),
	)
	return err
}

// GetClassifierModel loads a tenant's classifier, if trained.
func (s *Store) GetClassifierModel(tenantID string) (ClassifierModel, error) {
	var m ClassifierModel
	var weights, biases string
	var updated int64
	err := s.db.QueryRow(`
		SELECT tenant_id, weights_json, biases_json, version, updated_at
		FROM classifier_models WHERE tenant_id = ?`,
		tenantID,
	).Scan(&m.TenantID, &weights, &biases, &m.Version, &updated)
	if err == sql.ErrNoRows {
		return m, Errf(CodeNotFound, "classifier model %s", tenantID)
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(weights), &m.Weights); err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(biases), &m.Biases); err != nil {
		return m, err
	}
	m.UpdatedAt = msToTime(updated)
	return m, nil
}

package openmemory

import (
	"encoding/json"
	"time"
)

// Sector represents one of the 8 cognitive memory sectors.
type Sector string

const (
	SectorSemantic   Sector = "semantic"   // Facts, knowledge
	SectorEpisodic   Sector = "episodic"   // Events, temporal experiences
	SectorProcedural Sector = "procedural" // Skills, how-to
	SectorReflective Sector = "reflective" // Insights, meta-cognition
	SectorEmotional  Sector = "emotional"  // Feelings, sentiments
	SectorSensory    Sector = "sensory"    // Perceptual detail
	SectorTemporal   Sector = "temporal"   // Schedules, deadlines, time references
	SectorContextual Sector = "contextual" // Projects, environments, settings
)

// AllSectors lists every sector in a fixed order. The order is load-bearing
// for the resonance matrix and the classifier label space.
var AllSectors = []Sector{
	SectorSemantic, SectorEpisodic, SectorProcedural, SectorReflective,
	SectorEmotional, SectorSensory, SectorTemporal, SectorContextual,
}

// ValidSector reports whether s is a member of the closed sector set.
func ValidSector(s Sector) bool {
	for _, v := range AllSectors {
		if v == s {
			return true
		}
	}
	return false
}

// ColdSuffix marks a compressed or fingerprint vector in the vector store.
const ColdSuffix = "_cold"

// SectorDecayLambda maps each sector to its slow-phase decay rate (per day).
// Lower lambda = slower decay (memories persist longer).
var SectorDecayLambda = map[Sector]float64{
	SectorSemantic:   0.02,
	SectorEpisodic:   0.005,
	SectorProcedural: 0.02,
	SectorReflective: 0.05,
	SectorEmotional:  0.005,
	SectorSensory:    0.05,
	SectorTemporal:   0.05,
	SectorContextual: 0.02,
}

// MemoryMetadata is the typed metadata attached to a memory. Known fields are
// first-class; anything else round-trips through Extras.
type MemoryMetadata struct {
	Consolidated   bool           `json:"consolidated,omitempty"`
	Sources        []string       `json:"sources,omitempty"`
	IDEProjectName string         `json:"ideProjectName,omitempty"`
	IDEFilePath    string         `json:"ideFilePath,omitempty"`
	IDEEventType   string         `json:"ideEventType,omitempty"`
	Frequency      int            `json:"frequency,omitempty"`
	At             string         `json:"at,omitempty"`
	Type           string         `json:"type,omitempty"`
	Extras         map[string]any `json:"-"`
}

// knownMetadataKeys are the JSON keys owned by the typed fields above.
var knownMetadataKeys = map[string]bool{
	"consolidated": true, "sources": true, "ideProjectName": true,
	"ideFilePath": true, "ideEventType": true, "frequency": true,
	"at": true, "type": true,
}

// MarshalJSON folds Extras into the top-level object.
func (m MemoryMetadata) MarshalJSON() ([]byte, error) {
	type alias MemoryMetadata
	raw, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extras) == 0 {
		return raw, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extras {
		if !knownMetadataKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON routes unknown keys into Extras.
func (m *MemoryMetadata) UnmarshalJSON(data []byte) error {
	type alias MemoryMetadata
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*m = MemoryMetadata(a)
	for k, v := range all {
		if knownMetadataKeys[k] {
			continue
		}
		if m.Extras == nil {
			m.Extras = make(map[string]any)
		}
		m.Extras[k] = v
	}
	return nil
}

// Memory is the core memory record. Content is plaintext in memory; the table
// store only ever sees the encrypted form.
type Memory struct {
	ID               string
	TenantID         *string // nil = system/global bucket
	Content          string
	PrimarySector    Sector
	Tags             []string
	Metadata         MemoryMetadata
	Segment          int
	SimHash          uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastSeenAt       time.Time
	Salience         float64 // 0.0 – 1.0
	DecayLambda      float64 // per-sector slow rate
	Version          int64   // strictly increases on every mutating write
	MeanVec          []float32
	CompressedVec    []float32
	Coactivations    int64
	FeedbackScore    float64
	GeneratedSummary string
}

// Waypoint is a directed associative edge between two memories.
// Invariant: SrcID != DstID and both endpoints share a tenant.
type Waypoint struct {
	SrcID           string
	DstID           string
	TenantID        *string
	Weight          float64 // 0.0 – 1.0
	CreatedAt       time.Time
	LastTraversedAt time.Time
}

// Fact is a temporal triple. The current fact for a (subject, predicate,
// tenant) is the one with ValidTo == nil.
type Fact struct {
	ID         string
	TenantID   *string
	Subject    string
	Predicate  string
	Object     string
	ValidFrom  time.Time
	ValidTo    *time.Time
	Confidence float64
	Metadata   map[string]any
}

// TemporalEdge is a typed relation between two memories or facts.
type TemporalEdge struct {
	ID           string
	SourceID     string
	TargetID     string
	RelationType string
	ValidFrom    time.Time
	ValidTo      *time.Time
	Weight       float64
	TenantID     *string
	Metadata     map[string]any
}

// UserProfile is the synthesized per-tenant profile row.
type UserProfile struct {
	TenantID        string
	Summary         string
	ReflectionCount int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClassifierModel holds a per-tenant linear classifier: one weight row and
// one bias per sector label, over mean vectors.
type ClassifierModel struct {
	TenantID  string
	Weights   [][]float64 // len(AllSectors) x dim
	Biases    []float64   // len(AllSectors)
	Version   int
	UpdatedAt time.Time
}

// MaintenanceStat is one row of the append-only maintenance log.
type MaintenanceStat struct {
	Type      string
	Count     int
	Detail    map[string]any
	Timestamp time.Time
}

// AuditEntry is one destructive-operation log row.
type AuditEntry struct {
	TenantID  *string
	Actor     string
	Action    string
	Detail    string
	Timestamp time.Time
}

// SearchMatch is one scored result from the hybrid retrieval pipeline.
type SearchMatch struct {
	ID               string
	Content          string
	Score            float64
	Sectors          []Sector
	PrimarySector    Sector
	Path             []string // ids traversed when spreading activation ran
	Salience         float64
	LastSeenAt       time.Time
	UpdatedAt        time.Time
	DecayLambda      float64
	Version          int64
	Segment          int
	SimHash          uint64
	GeneratedSummary string
}

// SearchFilter narrows a Search call.
type SearchFilter struct {
	Sectors     []Sector
	MinSalience float64
	StartTime   *time.Time
	EndTime     *time.Time
	Tenant      *TenantScope // explicit override, resolved against the caller's SecurityContext
}

// clamp01 bounds v to [0, 1]. Applied on every salience write.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

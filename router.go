package openmemory

import (
	"regexp"
	"sort"
	"strings"
)

// SectorRouter decides which sectors a memory belongs to. Routing prefers a
// trained per-tenant classifier when it is confident, then falls back to
// keyword heuristics, then to the semantic default.

const (
	routerClassifierMinConf = 0.6
	routerSecondaryMinScore = 0.3
	routerMaxSecondaries    = 3
)

// Routing is the outcome of sector routing for one text.
type Routing struct {
	Primary     Sector
	Secondaries []Sector
	Confidence  float64
	Source      string // "classifier" | "heuristic" | "default" | "override"
}

// SectorRouter scores text against the sector set.
type SectorRouter struct {
	classifiers *ClassifierCache
}

// NewSectorRouter builds a router. classifiers may be nil; routing then runs
// on heuristics alone.
func NewSectorRouter(classifiers *ClassifierCache) *SectorRouter {
	return &SectorRouter{classifiers: classifiers}
}

var sectorCues = map[Sector][]string{
	SectorEpisodic: {
		"yesterday", "today", "last week", "last night", "remember when",
		"happened", "went to", "met with", "we did", "i did", "this morning",
	},
	SectorProcedural: {
		"how to", "steps", "install", "configure", "setup", "run the",
		"first you", "then you", "procedure", "instructions", "recipe",
		"command", "tutorial",
	},
	SectorReflective: {
		"i realize", "i learned", "insight", "pattern", "in retrospect",
		"looking back", "i think that", "i believe", "lesson",
	},
	SectorEmotional: {
		"love", "hate", "excited", "frustrated", "happy", "sad", "angry",
		"anxious", "afraid", "proud", "feel", "feeling", "felt",
	},
	SectorSensory: {
		"saw", "heard", "sounded", "tasted", "smelled", "looked like",
		"bright", "loud", "color", "texture", "image", "screenshot",
	},
	SectorTemporal: {
		"deadline", "schedule", "at 3pm", "tomorrow", "next week",
		"due on", "every day", "monday", "tuesday", "wednesday", "thursday",
		"friday", "reminder", "calendar",
	},
	SectorContextual: {
		"project", "repo", "repository", "environment", "workspace", "file",
		"directory", "branch", "module", "in the context of", "at work",
	},
	SectorSemantic: {
		"is a", "means", "defined as", "fact", "always", "never",
		"prefers", "likes", "uses",
	},
}

var timePattern = regexp.MustCompile(`\b\d{1,2}(:\d{2})?\s?(am|pm)\b|\b\d{4}-\d{2}-\d{2}\b`)

// heuristicScores computes a normalized cue-hit score per sector.
func heuristicScores(text string) map[Sector]float64 {
	lower := strings.ToLower(text)
	scores := make(map[Sector]float64, len(AllSectors))
	for sector, cues := range sectorCues {
		hits := 0
		for _, cue := range cues {
			if strings.Contains(lower, cue) {
				hits++
			}
		}
		if hits > 0 {
			score := 0.4 + 0.2*float64(hits)
			if score > 1 {
				score = 1
			}
			scores[sector] = score
		}
	}
	if timePattern.MatchString(lower) {
		if scores[SectorTemporal] < 0.6 {
			scores[SectorTemporal] = 0.6
		}
	}
	return scores
}

// Route scores text and returns the primary sector plus up to three
// secondaries above the score floor. meanVec may be nil; when present and a
// trained classifier is confident, its prediction wins.
func (r *SectorRouter) Route(text string, meanVec []float32, tenantID *string) Routing {
	scores := heuristicScores(text)

	if r.classifiers != nil && meanVec != nil && tenantID != nil {
		if sector, conf, ok := r.classifiers.Predict(*tenantID, meanVec); ok && conf >= routerClassifierMinConf {
			return Routing{
				Primary:     sector,
				Secondaries: secondariesFrom(scores, sector),
				Confidence:  conf,
				Source:      "classifier",
			}
		}
	}

	var best Sector
	var bestScore float64
	for _, sector := range AllSectors { // fixed order makes ties deterministic
		if s := scores[sector]; s > bestScore {
			best, bestScore = sector, s
		}
	}
	if bestScore == 0 {
		return Routing{Primary: SectorSemantic, Confidence: 0.5, Source: "default"}
	}
	return Routing{
		Primary:     best,
		Secondaries: secondariesFrom(scores, best),
		Confidence:  bestScore,
		Source:      "heuristic",
	}
}

// RouteOverride validates a caller-forced sector.
func (r *SectorRouter) RouteOverride(sector Sector) (Routing, error) {
	if !ValidSector(sector) {
		return Routing{}, Errf(CodeInvalid, "unknown sector %q", sector)
	}
	return Routing{Primary: sector, Confidence: 1, Source: "override"}, nil
}

// secondariesFrom picks the highest-scoring sectors above the floor, at most
// three. Ties keep AllSectors order.
func secondariesFrom(scores map[Sector]float64, primary Sector) []Sector {
	var out []Sector
	for _, sector := range AllSectors {
		if sector == primary {
			continue
		}
		if scores[sector] > routerSecondaryMinScore {
			out = append(out, sector)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] > scores[out[j]]
	})
	if len(out) > routerMaxSecondaries {
		out = out[:routerMaxSecondaries]
	}
	return out
}

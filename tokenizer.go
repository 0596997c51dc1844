package openmemory

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// The keyword fallback pipeline: lowercase, [a-z0-9]+ tokens, drop length-1
// tokens and stopwords, light stemming, then a fixed synonym table. Canonical
// output is a fixed point: canonicalizing it again changes nothing.

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "of": true, "and": true,
	"or": true, "in": true, "on": true, "for": true, "with": true, "at": true,
	"by": true, "is": true, "it": true, "be": true, "as": true, "are": true,
	"was": true, "were": true, "from": true, "that": true, "this": true,
	"these": true, "those": true, "but": true, "if": true, "then": true,
	"so": true, "than": true, "into": true, "over": true, "under": true,
	"about": true, "via": true, "vs": true, "not": true,
}

// synonymGroups map every member to its group head. Heads are their own
// canonical form (they survive stemming unchanged).
var synonymGroups = func() map[string]string {
	groups := [][]string{
		{"prefer", "like", "love", "enjoy"},
		{"theme", "mode", "style"},
		{"task", "todo", "job"},
		{"user", "person", "people"},
	}
	m := make(map[string]string)
	for _, g := range groups {
		for _, w := range g {
			m[w] = g[0]
		}
	}
	return m
}()

// synonymExpansion maps a group head back to all members, for document-side
// expansion.
var synonymExpansion = func() map[string][]string {
	m := make(map[string][]string)
	for member, head := range synonymGroups {
		m[head] = append(m[head], member)
	}
	for _, members := range m {
		sort.Strings(members)
	}
	return m
}()

// stem strips -ing, -ed, -s when at least 3 characters remain.
func stem(tok string) string {
	switch {
	case strings.HasSuffix(tok, "ing") && len(tok)-3 >= 3:
		return tok[:len(tok)-3]
	case strings.HasSuffix(tok, "ed") && len(tok)-2 >= 3:
		return tok[:len(tok)-2]
	case strings.HasSuffix(tok, "s") && len(tok)-1 >= 3:
		return tok[:len(tok)-1]
	}
	return tok
}

// CanonicalTokens returns the ordered canonical token sequence for text.
func CanonicalTokens(text string) []string {
	raw := tokenRe.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		tok = stem(tok)
		if head, ok := synonymGroups[tok]; ok {
			tok = head
		}
		out = append(out, tok)
	}
	return out
}

// CanonicalSet returns the canonical token set for text.
func CanonicalSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range CanonicalTokens(text) {
		set[tok] = true
	}
	return set
}

// SearchDoc builds the keyword-fallback document for a memory: its canonical
// token set plus every synonym of those tokens.
func SearchDoc(text string) map[string]bool {
	set := CanonicalSet(text)
	for tok := range set {
		for _, member := range synonymExpansion[tok] {
			set[member] = true
		}
	}
	return set
}

// Jaccard computes |a∩b| / |a∪b|. Two empty sets score 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// TopKeywords returns the k most frequent canonical tokens, ties broken
// alphabetically for determinism.
func TopKeywords(text string, k int) []string {
	counts := make(map[string]int)
	for _, tok := range CanonicalTokens(text) {
		counts[tok]++
	}
	keys := make([]string, 0, len(counts))
	for tok := range counts {
		keys = append(keys, tok)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > k {
		keys = keys[:k]
	}
	return keys
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]?`)

// ExtractiveSummary picks the layers highest-scoring sentences (by keyword
// frequency), keeps original order, and truncates to maxLen characters.
func ExtractiveSummary(text string, layers, maxLen int) string {
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		return truncateAtWord(text, maxLen)
	}
	counts := make(map[string]int)
	for _, tok := range CanonicalTokens(text) {
		counts[tok]++
	}
	type ranked struct {
		idx   int
		score int
	}
	scores := make([]ranked, len(sentences))
	for i, s := range sentences {
		sum := 0
		for _, tok := range CanonicalTokens(s) {
			sum += counts[tok]
		}
		scores[i] = ranked{i, sum}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].idx < scores[j].idx
	})
	if layers < 1 {
		layers = 1
	}
	if layers > len(scores) {
		layers = len(scores)
	}
	picked := scores[:layers]
	sort.Slice(picked, func(i, j int) bool { return picked[i].idx < picked[j].idx })

	var b strings.Builder
	for _, p := range picked {
		b.WriteString(strings.TrimSpace(sentences[p.idx]))
		b.WriteString(" ")
	}
	return truncateAtWord(strings.TrimSpace(b.String()), maxLen)
}

// truncateAtWord returns the first n bytes of s, breaking at a word boundary
// where possible and never inside a multi-byte rune.
func truncateAtWord(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut]
}

// SimHash64 computes a 64-bit simhash fingerprint over canonical tokens.
func SimHash64(text string) uint64 {
	var weights [64]int
	for _, tok := range CanonicalTokens(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		v := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if v&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}
	var out uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			out |= 1 << uint(bit)
		}
	}
	return out
}

package macro

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultMinRatio is the lowest fuzzy similarity accepted as a match.
const DefaultMinRatio = 0.84

// maxPhraseRunes bounds the phrase captured after an invocation keyword.
const maxPhraseRunes = 64

// DefaultKeywordFamilies are the invocation synonyms recognised when none are configured.
var DefaultKeywordFamilies = [][]string{
	{"einfügen", "eingabe", "makro"},
	{"füge ein", "gib ein"},
	{"insert", "input", "macro"},
}

// Stage identifies which step of the cascade resolved a phrase.
type Stage int

const (
	StageNone Stage = iota
	StageExact
	StageTrim
	StageContainment
	StageFuzzy
)

func (s Stage) String() string {
	switch s {
	case StageExact:
		return "exact"
	case StageTrim:
		return "trim"
	case StageContainment:
		return "containment"
	case StageFuzzy:
		return "fuzzy"
	default:
		return "none"
	}
}

// Entry is one phrase and the text it expands to.
type Entry struct {
	Phrase    string
	Expansion string
}

// Match is the result of resolving a candidate phrase.
type Match struct {
	Key       string
	Expansion string
	Stage     Stage
	Ratio     float64 // set for StageFuzzy
}

// Expansion records one invocation replaced in a transcript.
type Expansion struct {
	Span string // literal invocation text that was replaced
	Match
}

// Config configures a Matcher.
type Config struct {
	KeywordFamilies [][]string
	MinRatio        float64
}

// Matcher holds the macro table and the compiled invocation patterns.
// It is safe for concurrent use; Load may run while other goroutines expand.
type Matcher struct {
	patterns []*regexp.Regexp
	minRatio float64
	logger   *slog.Logger

	mu    sync.RWMutex
	table map[string]string
	order []string // keys in first-load order
}

// NewMatcher compiles the keyword families. An empty family list uses DefaultKeywordFamilies.
func NewMatcher(config Config, logger *slog.Logger) (*Matcher, error) {
	families := config.KeywordFamilies
	if len(families) == 0 {
		families = DefaultKeywordFamilies
	}
	minRatio := config.MinRatio
	if minRatio <= 0 {
		minRatio = DefaultMinRatio
	}

	m := &Matcher{
		minRatio: minRatio,
		logger:   logger.With(slog.String("component", "macro")),
		table:    make(map[string]string),
	}

	for i, family := range families {
		re, err := compileFamily(family)
		if err != nil {
			return nil, fmt.Errorf("keyword family %d: %w", i, err)
		}
		m.patterns = append(m.patterns, re)
	}

	return m, nil
}

// compileFamily builds the invocation pattern for one synonym set. Group 1 is
// the keyword and group 2 the candidate phrase. The leading group stands in
// for a Unicode word boundary, which RE2's \b does not provide.
func compileFamily(keywords []string) (*regexp.Regexp, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("empty keyword family")
	}

	alts := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		words := strings.Fields(kw)
		if len(words) == 0 {
			return nil, fmt.Errorf("blank keyword")
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `\s+`))
	}

	expr := fmt.Sprintf(`(?i)(?:^|[^\p{L}\p{N}_])(%s)\s+([^\n.!?,;]{1,%d})`,
		strings.Join(alts, "|"), maxPhraseRunes)
	return regexp.Compile(expr)
}

// Normalize lowercases s and collapses runs of whitespace to single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Load adds entries to the table. A later entry for an existing key replaces
// its expansion but keeps the key's original load position. Entries with an
// empty phrase or expansion are skipped. It returns the number stored.
func (m *Matcher) Load(entries []Entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, e := range entries {
		key := Normalize(e.Phrase)
		expansion := strings.TrimSpace(e.Expansion)
		if key == "" || expansion == "" {
			continue
		}
		if _, ok := m.table[key]; !ok {
			m.order = append(m.order, key)
		}
		m.table[key] = expansion
		count++
	}
	return count
}

// Len returns the number of distinct macro keys.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// Entries returns the table in load order.
func (m *Matcher) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, Entry{Phrase: k, Expansion: m.table[k]})
	}
	return out
}

// Resolve runs the four-stage cascade for a candidate phrase.
func (m *Matcher) Resolve(phrase string) (Match, bool) {
	normalized := Normalize(phrase)
	if normalized == "" {
		return Match{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if exp, ok := m.table[normalized]; ok {
		return Match{Key: normalized, Expansion: exp, Stage: StageExact}, true
	}

	words := strings.Fields(normalized)
	for i := len(words) - 1; i > 0; i-- {
		prefix := strings.Join(words[:i], " ")
		if exp, ok := m.table[prefix]; ok {
			return Match{Key: prefix, Expansion: exp, Stage: StageTrim}, true
		}
	}

	if key, ok := m.containment(normalized); ok {
		return Match{Key: key, Expansion: m.table[key], Stage: StageContainment}, true
	}

	if key, ratio, ok := m.fuzzy(normalized); ok {
		return Match{Key: key, Expansion: m.table[key], Stage: StageFuzzy, Ratio: ratio}, true
	}

	return Match{}, false
}

// containment picks the longest key that contains or is contained in the
// candidate. Equal lengths go to the key loaded first.
func (m *Matcher) containment(normalized string) (string, bool) {
	best := ""
	for _, key := range m.order {
		if !strings.Contains(normalized, key) && !strings.Contains(key, normalized) {
			continue
		}
		if best == "" || len(key) > len(best) {
			best = key
		}
	}
	return best, best != ""
}

// fuzzy returns the key with the highest similarity ratio at or above the
// threshold. The first key in load order wins a tie.
func (m *Matcher) fuzzy(normalized string) (string, float64, bool) {
	candidate := runes(normalized)
	best, bestRatio := "", 0.0
	for _, key := range m.order {
		ratio := Similarity(candidate, runes(key))
		if ratio >= m.minRatio && ratio > bestRatio {
			best, bestRatio = key, ratio
		}
	}
	return best, bestRatio, best != ""
}

// Similarity is the SequenceMatcher ratio 2*M/T over two rune sequences.
func Similarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	return difflib.NewMatcher(a, b).Ratio()
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Expand replaces every resolvable macro invocation in text.
func (m *Matcher) Expand(text string) string {
	out, _ := m.ExpandDetailed(text)
	return out
}

// ExpandDetailed is Expand that also reports each replacement made. All
// invocations are found against the input text first; each replacement then
// substitutes every literal occurrence of its invocation span.
func (m *Matcher) ExpandDetailed(text string) (string, []Expansion) {
	if text == "" {
		return text, nil
	}

	var found []Expansion
	for _, re := range m.patterns {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			span := text[idx[2]:idx[1]]
			candidate := strings.TrimSpace(text[idx[4]:idx[5]])

			match, ok := m.Resolve(candidate)
			if !ok {
				m.logger.Debug("No macro for invocation", slog.String("phrase", candidate))
				continue
			}

			m.logger.Info("Macro detected",
				slog.String("invocation", span),
				slog.String("macro", match.Key),
				slog.String("stage", match.Stage.String()),
			)
			found = append(found, Expansion{Span: span, Match: match})
		}
	}

	result := text
	for _, e := range found {
		result = strings.ReplaceAll(result, e.Span, e.Expansion)
	}
	return result, found
}

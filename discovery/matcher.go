package discovery

import (
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// CapabilityMatcher scores and ranks candidate services against a
// CapabilityQuery. It is pure: it holds no service state, never mutates its
// inputs, and produces deterministic results for the same inputs.
type CapabilityMatcher struct {
	config *MatcherConfig
	logger *zap.Logger
}

// MatcherConfig holds the scoring weights for the capability matcher.
type MatcherConfig struct {
	// RequiredWeight is added per matched required term.
	RequiredWeight float64 `json:"requiredWeight"`

	// PreferredWeight is added per matched preferred term.
	PreferredWeight float64 `json:"preferredWeight"`

	// VersionWeight is added when the candidate meets the query's MinVersion.
	VersionWeight float64 `json:"versionWeight"`
}

// DefaultMatcherConfig returns a MatcherConfig with the standard weights.
func DefaultMatcherConfig() *MatcherConfig {
	return &MatcherConfig{
		RequiredWeight:  100,
		PreferredWeight: 10,
		VersionWeight:   5,
	}
}

// NewCapabilityMatcher creates a new capability matcher.
func NewCapabilityMatcher(config *MatcherConfig, logger *zap.Logger) *CapabilityMatcher {
	if config == nil {
		config = DefaultMatcherConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CapabilityMatcher{
		config: config,
		logger: logger.With(zap.String("component", "capability_matcher")),
	}
}

// FindBestMatch returns the highest-scoring candidate satisfying every
// required term of the query, or nil when no candidate qualifies. Ties keep
// encounter order, so the first of equally scored candidates wins.
func (m *CapabilityMatcher) FindBestMatch(query CapabilityQuery, candidates []Service) Service {
	matches := m.FindAllMatching(query, candidates)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// FindAllMatching returns every candidate satisfying the query's required
// terms, ordered best score first. Candidates with equal scores retain their
// encounter order. An empty Required list matches every candidate; an empty
// candidate list yields an empty result, never an error.
func (m *CapabilityMatcher) FindAllMatching(query CapabilityQuery, candidates []Service) []Service {
	type scored struct {
		svc   Service
		score float64
	}

	qualified := make([]scored, 0, len(candidates))
	for _, svc := range candidates {
		details := m.ScoreDetails(query, svc)
		if len(details.MissingRequired) > 0 {
			continue
		}
		qualified = append(qualified, scored{svc: svc, score: details.Score})
	}

	sort.SliceStable(qualified, func(i, j int) bool {
		return qualified[i].score > qualified[j].score
	})

	matches := make([]Service, len(qualified))
	for i, q := range qualified {
		matches[i] = q.svc
	}

	m.logger.Debug("matching completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("matches", len(matches)),
	)

	return matches
}

// ScoreService returns the total weighted score for one candidate. A
// candidate missing any required term scores zero.
func (m *CapabilityMatcher) ScoreService(query CapabilityQuery, svc Service) float64 {
	return m.ScoreDetails(query, svc).Score
}

// ScoreDetails returns the full scoring breakdown for one candidate.
//
// Every capability name and feature tag of the candidate is flattened into
// one term set; a query term matches by case-insensitive membership. Each
// matched required term adds RequiredWeight, but any missing required term
// disqualifies the candidate entirely (score zero). Matched preferred terms
// add PreferredWeight apiece and never disqualify. When the query carries a
// MinVersion, the candidate's highest capability version meeting it adds
// VersionWeight; failing it only withholds the bonus.
func (m *CapabilityMatcher) ScoreDetails(query CapabilityQuery, svc Service) MatchDetails {
	details := MatchDetails{
		MatchedRequired:  make([]string, 0, len(query.Required)),
		MatchedPreferred: make([]string, 0, len(query.Preferred)),
		MissingRequired:  make([]string, 0),
	}

	terms := flattenTerms(svc.Capabilities())

	for _, req := range query.Required {
		if terms[strings.ToLower(req)] {
			details.MatchedRequired = append(details.MatchedRequired, req)
		} else {
			details.MissingRequired = append(details.MissingRequired, req)
		}
	}

	for _, pref := range query.Preferred {
		if terms[strings.ToLower(pref)] {
			details.MatchedPreferred = append(details.MatchedPreferred, pref)
		}
	}

	details.VersionSatisfied = true
	if query.MinVersion != "" {
		highest := highestVersion(svc.Capabilities())
		details.VersionSatisfied = CompareVersions(highest, query.MinVersion) >= 0
	}

	if len(details.MissingRequired) > 0 {
		return details
	}

	score := float64(len(details.MatchedRequired)) * m.config.RequiredWeight
	score += float64(len(details.MatchedPreferred)) * m.config.PreferredWeight
	if query.MinVersion != "" && details.VersionSatisfied {
		score += m.config.VersionWeight
	}
	details.Score = score

	return details
}

// flattenTerms collects the lowercase capability names and feature tags of
// a candidate into one membership set.
func flattenTerms(caps []Capability) map[string]bool {
	terms := make(map[string]bool)
	for _, c := range caps {
		if c.Name != "" {
			terms[strings.ToLower(c.Name)] = true
		}
		for _, f := range c.Features {
			if f != "" {
				terms[strings.ToLower(f)] = true
			}
		}
	}
	return terms
}

// highestVersion returns the numerically highest capability version, or the
// empty string when the candidate declares none.
func highestVersion(caps []Capability) string {
	highest := ""
	for _, c := range caps {
		if c.Version == "" {
			continue
		}
		if highest == "" || CompareVersions(c.Version, highest) > 0 {
			highest = c.Version
		}
	}
	return highest
}

// CompareVersions compares two dotted-numeric version strings segment by
// segment. Non-digit characters inside a segment are ignored and missing
// segments count as zero, so "1.2" equals "1.2.0" and "1.2-beta" equals
// "1.2". It returns -1 when a < b, 0 when equal, and 1 when a > b.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = versionSegment(as[i])
		}
		if i < len(bs) {
			bv = versionSegment(bs[i])
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}

	return 0
}

// versionSegment parses the numeric value of one version segment, dropping
// any non-digit characters. A segment without digits is zero.
func versionSegment(seg string) int {
	var digits strings.Builder
	for _, r := range seg {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	v, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return v
}

package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// matcherStub is a minimal Service for exercising the matcher in isolation.
type matcherStub struct {
	id   string
	caps []Capability
}

func (s *matcherStub) ID() string                 { return s.id }
func (s *matcherStub) Name() string               { return s.id }
func (s *matcherStub) Type() string               { return "worker" }
func (s *matcherStub) Capabilities() []Capability { return s.caps }

func (s *matcherStub) Initialize(ctx context.Context) error { return nil }
func (s *matcherStub) Shutdown(ctx context.Context) error   { return nil }

func (s *matcherStub) GetHealth(ctx context.Context) Health {
	return Health{Status: HealthHealthy}
}

func stubWith(id string, caps ...Capability) *matcherStub {
	return &matcherStub{id: id, caps: caps}
}

func TestCapabilityMatcher_FindBestMatch(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	chat := stubWith("chat-svc",
		Capability{Name: "chat", Version: "1.3", Features: []string{"streaming"}})
	legacy := stubWith("legacy-chat",
		Capability{Name: "chat", Version: "1.0"})
	media := stubWith("media-svc",
		Capability{Name: "transcode", Version: "2.0"})

	candidates := []Service{legacy, chat, media}

	best := matcher.FindBestMatch(CapabilityQuery{
		Required:   []string{"chat"},
		Preferred:  []string{"streaming"},
		MinVersion: "1.2",
	}, candidates)

	require.NotNil(t, best)
	assert.Equal(t, "chat-svc", best.ID())
}

func TestCapabilityMatcher_RequiredTermDisqualifies(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	svc := stubWith("partial",
		Capability{Name: "chat", Version: "1.0"},
		Capability{Name: "search", Version: "1.0"})

	details := matcher.ScoreDetails(CapabilityQuery{
		Required: []string{"chat", "embeddings"},
	}, svc)

	assert.Equal(t, []string{"embeddings"}, details.MissingRequired)
	assert.Zero(t, details.Score)

	best := matcher.FindBestMatch(CapabilityQuery{
		Required: []string{"chat", "embeddings"},
	}, []Service{svc})
	assert.Nil(t, best)
}

func TestCapabilityMatcher_FeaturesCountAsTerms(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	svc := stubWith("feat",
		Capability{Name: "chat", Version: "1.0", Features: []string{"Streaming", "json-mode"}})

	// Feature tags satisfy required terms case-insensitively.
	score := matcher.ScoreService(CapabilityQuery{
		Required:  []string{"streaming"},
		Preferred: []string{"JSON-MODE"},
	}, svc)

	assert.Equal(t, 110.0, score)
}

func TestCapabilityMatcher_EmptyRequiredMatchesAll(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	candidates := []Service{
		stubWith("a", Capability{Name: "x", Version: "1.0"}),
		stubWith("b"),
	}

	matches := matcher.FindAllMatching(CapabilityQuery{}, candidates)
	assert.Len(t, matches, 2)
}

func TestCapabilityMatcher_EmptyCandidates(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	matches := matcher.FindAllMatching(CapabilityQuery{Required: []string{"chat"}}, nil)
	assert.Empty(t, matches)
	assert.Nil(t, matcher.FindBestMatch(CapabilityQuery{Required: []string{"chat"}}, nil))
}

func TestCapabilityMatcher_VersionBonusOnlyWithstood(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	old := stubWith("old", Capability{Name: "chat", Version: "1.0"})
	fresh := stubWith("fresh", Capability{Name: "chat", Version: "2.1"})

	query := CapabilityQuery{Required: []string{"chat"}, MinVersion: "2.0"}

	// Failing MinVersion withholds the bonus but does not disqualify.
	assert.Equal(t, 100.0, matcher.ScoreService(query, old))
	assert.Equal(t, 105.0, matcher.ScoreService(query, fresh))

	details := matcher.ScoreDetails(query, old)
	assert.False(t, details.VersionSatisfied)
	assert.Empty(t, details.MissingRequired)
}

func TestCapabilityMatcher_StableTieOrder(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	first := stubWith("first", Capability{Name: "chat", Version: "1.0"})
	second := stubWith("second", Capability{Name: "chat", Version: "1.0"})

	matches := matcher.FindAllMatching(CapabilityQuery{Required: []string{"chat"}}, []Service{first, second})
	require.Len(t, matches, 2)
	assert.Equal(t, "first", matches[0].ID())
	assert.Equal(t, "second", matches[1].ID())
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2", "1.2", 0},
		{"1.2", "1.2.0", 0},
		{"1.2-beta", "1.2", 0},
		{"1.10", "1.9", 1},
		{"1.2", "1.3", -1},
		{"2", "1.9.9", 1},
		{"", "0.0", 0},
		{"v1.2", "1.2", 0},
		{"1.beta.2", "1.0.2", 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.a, tt.b), func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
		})
	}
}

// TestCompareVersions_Properties checks ordering laws over random versions.
func TestCompareVersions_Properties(t *testing.T) {
	genVersion := func(t *rapid.T, label string) string {
		segs := rapid.SliceOfN(rapid.IntRange(0, 99), 1, 4).Draw(t, label)
		out := ""
		for i, s := range segs {
			if i > 0 {
				out += "."
			}
			out += fmt.Sprintf("%d", s)
		}
		return out
	}

	t.Run("antisymmetry", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			a := genVersion(rt, "a")
			b := genVersion(rt, "b")
			if CompareVersions(a, b) != -CompareVersions(b, a) {
				rt.Fatalf("CompareVersions(%q,%q) not antisymmetric", a, b)
			}
		})
	})

	t.Run("reflexivity", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			a := genVersion(rt, "a")
			if CompareVersions(a, a) != 0 {
				rt.Fatalf("CompareVersions(%q,%q) != 0", a, a)
			}
		})
	})

	t.Run("transitivity", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			a := genVersion(rt, "a")
			b := genVersion(rt, "b")
			c := genVersion(rt, "c")
			if CompareVersions(a, b) <= 0 && CompareVersions(b, c) <= 0 {
				if CompareVersions(a, c) > 0 {
					rt.Fatalf("ordering not transitive: %q <= %q <= %q but %q > %q", a, b, c, a, c)
				}
			}
		})
	})

	t.Run("trailing zeros are neutral", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			a := genVersion(rt, "a")
			if CompareVersions(a, a+".0") != 0 {
				rt.Fatalf("CompareVersions(%q,%q) != 0", a, a+".0")
			}
		})
	})
}

// TestScoreService_Properties checks scoring invariants with gopter.
func TestScoreService_Properties(t *testing.T) {
	matcher := NewCapabilityMatcher(nil, nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genTerm := gen.OneConstOf("chat", "search", "embeddings", "transcode", "streaming", "batch")
	genTerms := gen.SliceOf(genTerm)

	properties.Property("score is never negative", prop.ForAll(
		func(capNames, required, preferred []string) bool {
			caps := make([]Capability, 0, len(capNames))
			for _, n := range capNames {
				caps = append(caps, Capability{Name: n, Version: "1.0"})
			}
			svc := stubWith("prop", caps...)
			score := matcher.ScoreService(CapabilityQuery{Required: required, Preferred: preferred}, svc)
			return score >= 0
		},
		genTerms, genTerms, genTerms,
	))

	properties.Property("adding a matched preferred term never lowers the score", prop.ForAll(
		func(capNames, required []string) bool {
			caps := make([]Capability, 0, len(capNames)+1)
			for _, n := range capNames {
				caps = append(caps, Capability{Name: n, Version: "1.0"})
			}
			caps = append(caps, Capability{Name: "batch", Version: "1.0"})
			svc := stubWith("prop", caps...)

			base := matcher.ScoreService(CapabilityQuery{Required: required}, svc)
			boosted := matcher.ScoreService(CapabilityQuery{Required: required, Preferred: []string{"batch"}}, svc)
			return boosted >= base
		},
		genTerms, genTerms,
	))

	properties.Property("missing any required term scores zero", prop.ForAll(
		func(capNames []string) bool {
			caps := make([]Capability, 0, len(capNames))
			for _, n := range capNames {
				if n == "nonexistent-term" {
					continue
				}
				caps = append(caps, Capability{Name: n, Version: "1.0"})
			}
			svc := stubWith("prop", caps...)
			score := matcher.ScoreService(CapabilityQuery{Required: []string{"nonexistent-term"}}, svc)
			return score == 0
		},
		genTerms,
	))

	properties.TestingRun(t)
}

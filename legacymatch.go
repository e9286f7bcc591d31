package ogstore

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	DefaultMatchThreshold = 0.5
	DefaultConfidentScore = 0.9
)

// Similarity scores how likely a legacy member became a current member,
// from 0 (unrelated or incompatible) to 1 (identical).
type Similarity func(legacy, current MemberPosition) float64

// MemberPosition is a member together with its place in its descriptor.
type MemberPosition struct {
	Member
	Index int
	Count int
}

// Matcher pairs legacy members with current members.
type Matcher struct {
	// Similarity defaults to DefaultSimilarity.
	Similarity Similarity
	// Threshold is the minimum score for a computed match.
	Threshold float64
	// ConfidentScore is the score below which a computed match makes the
	// mapping ambiguous.
	ConfidentScore float64
}

// MemberOverride forces a legacy member of TypeName onto a current member,
// or discards it if Current is empty. Members are named by
// Member.Identifier; for enums, by constant name.
type MemberOverride struct {
	TypeName string
	Legacy   string
	Current  string
}

type MemberMatch struct {
	Legacy   int
	Current  int
	Score    float64
	Override bool
}

// LegacyMapping is the partition of a legacy descriptor's members against a
// current descriptor. Indices refer to Legacy.Members and Current.Members.
type LegacyMapping struct {
	Legacy    *TypeDescriptor
	Current   *TypeDescriptor
	Matches   []MemberMatch // ordered by legacy index
	Discarded []int
	New       []int

	// Ambiguous is set when members are discarded without an override or a
	// computed match scored below the confident score.
	Ambiguous bool
}

func (m *LegacyMapping) String() string {
	if m == nil {
		return "<nil>"
	}
	return m.Legacy.String() + "->" + m.Current.String()
}

// Describe renders the mapping one member per line.
func (m *LegacyMapping) Describe() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s:\n", m)
	for _, mm := range m.Matches {
		tag := ""
		if mm.Override {
			tag = " (override)"
		}
		fmt.Fprintf(&buf, "\t%s -> %s %.2f%s\n", m.Legacy.Members[mm.Legacy], m.Current.Members[mm.Current], mm.Score, tag)
	}
	for _, i := range m.Discarded {
		fmt.Fprintf(&buf, "\t%s -> discarded\n", m.Legacy.Members[i])
	}
	for _, j := range m.New {
		fmt.Fprintf(&buf, "\tnew %s\n", m.Current.Members[j])
	}
	return buf.String()
}

// CurrentFor returns the current member index mapped from legacy index i,
// or -1.
func (m *LegacyMapping) CurrentFor(i int) int {
	for _, mm := range m.Matches {
		if mm.Legacy == i {
			return mm.Current
		}
	}
	return -1
}

// Match computes the mapping of legacy onto current. The result depends
// only on its inputs: candidates are taken greedily by descending score,
// ties broken by legacy index, then current index.
func (m *Matcher) Match(legacy, current *TypeDescriptor, overrides []MemberOverride) (*LegacyMapping, error) {
	sim := m.Similarity
	if sim == nil {
		sim = DefaultSimilarity
	}
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultMatchThreshold
	}
	confident := m.ConfidentScore
	if confident <= 0 {
		confident = DefaultConfidentScore
	}

	result := &LegacyMapping{Legacy: legacy, Current: current}
	legacyUsed := make([]bool, len(legacy.Members))
	currentUsed := make([]bool, len(current.Members))
	explicitDiscard := make([]bool, len(legacy.Members))

	for _, o := range overrides {
		if o.TypeName != current.Name {
			continue
		}
		i := legacy.MemberIndex(o.Legacy)
		if i < 0 {
			return nil, schemaErrf(current.Name, o.Legacy, "override names an unknown legacy member")
		}
		if legacyUsed[i] {
			return nil, schemaErrf(current.Name, o.Legacy, "conflicting overrides")
		}
		legacyUsed[i] = true
		if o.Current == "" {
			explicitDiscard[i] = true
			continue
		}
		j := current.MemberIndex(o.Current)
		if j < 0 {
			return nil, schemaErrf(current.Name, o.Current, "override names an unknown current member")
		}
		if currentUsed[j] {
			return nil, schemaErrf(current.Name, o.Current, "current member targeted twice")
		}
		if !membersCompatible(legacy.Members[i], current.Members[j]) {
			return nil, schemaErrf(current.Name, o.Current, "cannot convert %s to %s", legacy.Members[i].FieldType, current.Members[j].FieldType)
		}
		currentUsed[j] = true
		result.Matches = append(result.Matches, MemberMatch{Legacy: i, Current: j, Score: 1, Override: true})
	}

	type candidate struct {
		i, j  int
		score float64
	}
	var cands []candidate
	for i, lm := range legacy.Members {
		if legacyUsed[i] {
			continue
		}
		lp := MemberPosition{lm, i, len(legacy.Members)}
		for j, cm := range current.Members {
			if currentUsed[j] || !membersCompatible(lm, cm) {
				continue
			}
			score := sim(lp, MemberPosition{cm, j, len(current.Members)})
			if score >= threshold {
				cands = append(cands, candidate{i, j, score})
			}
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.i, b.i); c != 0 {
			return c
		}
		return cmp.Compare(a.j, b.j)
	})
	for _, c := range cands {
		if legacyUsed[c.i] || currentUsed[c.j] {
			continue
		}
		legacyUsed[c.i], currentUsed[c.j] = true, true
		result.Matches = append(result.Matches, MemberMatch{Legacy: c.i, Current: c.j, Score: c.score})
		if c.score < confident {
			result.Ambiguous = true
		}
	}
	slices.SortFunc(result.Matches, func(a, b MemberMatch) int { return cmp.Compare(a.Legacy, b.Legacy) })

	for i := range legacy.Members {
		if !legacyUsed[i] || explicitDiscard[i] {
			result.Discarded = append(result.Discarded, i)
			if !explicitDiscard[i] {
				result.Ambiguous = true
			}
		}
	}
	for j := range current.Members {
		if !currentUsed[j] {
			result.New = append(result.New, j)
		}
	}
	return result, nil
}

// DefaultSimilarity weighs name similarity (Levenshtein distance), field
// type, declaring type and relative position. Identical members score 1.
func DefaultSimilarity(legacy, current MemberPosition) float64 {
	if legacy.SameAs(current.Member) {
		return 1
	}
	score := 0.5 * nameSimilarity(legacy.Name, current.Name)
	if legacy.FieldType == current.FieldType {
		score += 0.3
	} else {
		score += 0.15
	}
	if legacy.DeclaringType == current.DeclaringType {
		score += 0.1
	}
	score += 0.1 * positionSimilarity(legacy, current)
	return score
}

func nameSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	n := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if n == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	dist := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	return 1 - float64(dist)/float64(n)
}

func positionSimilarity(a, b MemberPosition) float64 {
	pa := relativePosition(a)
	pb := relativePosition(b)
	return 1 - math.Abs(pa-pb)
}

func relativePosition(p MemberPosition) float64 {
	if p.Count <= 1 {
		return 0
	}
	return float64(p.Index) / float64(p.Count-1)
}

// membersCompatible reports whether a legacy member's value can be converted
// into a current member.
func membersCompatible(legacy, current Member) bool {
	if legacy.Kind == MemberPrimitive || current.Kind == MemberPrimitive {
		return false
	}
	lt, ct := legacy.FieldType, current.FieldType
	switch {
	case IsPrimitiveTypeName(lt) && IsPrimitiveTypeName(ct):
		return (lt == "bool") == (ct == "bool")
	case isInlineBytes(lt) && isInlineBytes(ct):
		return true
	case lt == LayoutConst || ct == LayoutConst:
		return lt == ct
	case isVariableLayout(lt) || isVariableLayout(ct):
		return lt == ct
	default:
		return legacy.IsReference() && current.IsReference()
	}
}

func isInlineBytes(fieldType string) bool {
	return fieldType == LayoutString || fieldType == LayoutBytes
}

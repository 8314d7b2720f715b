// Package ownerscore scores how likely each Fichier Foncier owner variant of
// a housing is to be the owner known to the application.
package ownerscore

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/address"
	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Score is the outcome for one pair.
type Score struct {
	LocalID     string
	IDProdroit  string
	Rank        int
	Value       int
	Reason      string
	Match       Match
	Fallback    bool
	DictVersion string
}

// Options tune a Scorer.
type Options struct {
	// Threshold is the minimum token-set ratio counted as a match.
	Threshold int
	// MutationWindowYears is the recency window of the fallback.
	MutationWindowYears int
	// FallbackOnPartialZero also rewrites zero scores of a local_id where
	// some candidate matched.
	FallbackOnPartialZero bool
	// ReferenceDate anchors the recency window; zero means today.
	ReferenceDate time.Time
}

// Scorer compares owners with their ff_owner candidates. It is a pure
// function of its inputs and dictionary, and safe for concurrent use.
type Scorer struct {
	dict *Dictionary
	opts Options
}

// NewScorer creates a scorer over dict.
func NewScorer(dict *Dictionary, opts Options) (*Scorer, error) {
	if dict == nil {
		return nil, resilience.NewConfigError("scorer.first_names_table", eris.New("no first-name dictionary"))
	}
	if opts.Threshold <= 0 || opts.Threshold > 100 {
		return nil, resilience.NewConfigError("scorer.fuzzy_threshold", eris.Errorf("%d not in 1..100", opts.Threshold))
	}
	if opts.MutationWindowYears <= 0 {
		opts.MutationWindowYears = 2
	}
	if opts.ReferenceDate.IsZero() {
		opts.ReferenceDate = time.Now()
	}
	return &Scorer{dict: dict, opts: opts}, nil
}

// DictVersion is the version of the first-name dictionary in use.
func (s *Scorer) DictVersion() string { return s.dict.Version() }

// Compare runs the four comparisons of p.
func (s *Scorer) Compare(p Pair) Match {
	return Match{
		Fullname:      TokenSetRatio(p.Owner.Fullname, p.FFOwner.Fullname) >= s.opts.Threshold,
		SameFirstName: s.dict.SameFirstName(p.Owner.Fullname, p.FFOwner.Fullname),
		RawAddress:    s.rawAddressMatch(p.Owner.RawAddress, p.FFOwner.RawAddress),
		PostalCode:    samePostalCode(p.Owner, p.FFOwner.Person),
	}
}

func (s *Scorer) rawAddressMatch(a, b string) bool {
	ea, eb := address.ExpandStreetTypes(a), address.ExpandStreetTypes(b)
	if ea == "" || eb == "" {
		return false
	}
	return TokenSetRatio(ea, eb) >= s.opts.Threshold
}

// postalCode is the explicit field when it is a 5-digit code, otherwise the
// code found in the raw address.
func postalCode(p Person) string {
	if pc, ok := address.ExtractPostalCode(p.PostalCode); ok {
		return pc
	}
	pc, _ := address.ExtractPostalCode(p.RawAddress)
	return pc
}

func samePostalCode(a, b Person) bool {
	pa, pb := postalCode(a), postalCode(b)
	return pa != "" && pa == pb
}

// ScorePair scores one pair through the decision table, without fallback.
func (s *Scorer) ScorePair(p Pair) Score {
	m := s.Compare(p)
	v, reason := Decide(m)
	return Score{
		LocalID:     p.LocalID,
		IDProdroit:  p.FFOwner.IDProdroit,
		Rank:        p.Rank,
		Value:       v,
		Reason:      reason,
		Match:       m,
		DictVersion: s.dict.Version(),
	}
}

// ScoreAll scores pairs, applies the mutation fallback per local_id and
// returns the scores ordered by (local_id, rank). The fallback uses the
// latest mutation date of the local_id. Input order does not matter.
func (s *Scorer) ScoreAll(pairs []Pair) ([]Score, error) {
	groups := make(map[string][]int)
	mutation := make(map[string]*time.Time)
	scores := make([]Score, len(pairs))
	for i, p := range pairs {
		scores[i] = s.ScorePair(p)
		groups[p.LocalID] = append(groups[p.LocalID], i)
		if d := p.MutationDate; d != nil && (mutation[p.LocalID] == nil || d.After(*mutation[p.LocalID])) {
			mutation[p.LocalID] = d
		}
	}

	for localID, idx := range groups {
		zeros := 0
		for _, i := range idx {
			if scores[i].Value == 0 {
				zeros++
			}
		}
		if zeros == 0 || (zeros < len(idx) && !s.opts.FallbackOnPartialZero) {
			continue
		}
		v, reason := s.fallback(mutation[localID])
		for _, i := range idx {
			if scores[i].Value == 0 {
				scores[i].Value, scores[i].Reason, scores[i].Fallback = v, reason, true
			}
		}
	}

	for _, sc := range scores {
		if err := checkScore(sc.Value, sc.Reason); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].LocalID != scores[j].LocalID {
			return scores[i].LocalID < scores[j].LocalID
		}
		return scores[i].Rank < scores[j].Rank
	})
	return scores, nil
}

// fallback scores a local_id whose candidates all missed by the recency of
// its last mutation.
func (s *Scorer) fallback(mutationDate *time.Time) (int, string) {
	if mutationDate == nil {
		return 1, ReasonNoRecentMutation
	}
	cutoff := s.opts.ReferenceDate.AddDate(-s.opts.MutationWindowYears, 0, 0)
	if !mutationDate.Before(cutoff) {
		return 2, ReasonRecentMutation
	}
	return 1, ReasonNoRecentMutation
}

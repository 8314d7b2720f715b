package ownerscore

import (
	"github.com/rotisserie/eris"

	"github.com/zero-logement-vacant/zlv-address/internal/resilience"
)

// Reasons.
const (
	ReasonFullnameRawAddress  = "match_fullname, match_raw_address"
	ReasonFullnamePostalCode  = "match_fullname, match_postal_code"
	ReasonFullname            = "match_fullname"
	ReasonFirstNameRawAddress = "match_same_first_name, match_raw_address"
	ReasonFirstNamePostalCode = "match_same_first_name, match_postal_code"
	ReasonFirstName           = "match_same_first_name"
	ReasonNoMatch             = "no_match"
	ReasonRecentMutation      = "mutation_in_last_two_years"
	ReasonNoRecentMutation    = "no_mutation_in_last_two_years"
)

// reasonScores is the closed (reason, score) vocabulary.
var reasonScores = map[string]int{
	ReasonFullnameRawAddress:  10,
	ReasonFullnamePostalCode:  9,
	ReasonFullname:            8,
	ReasonFirstNameRawAddress: 7,
	ReasonFirstNamePostalCode: 6,
	ReasonFirstName:           5,
	ReasonRecentMutation:      2,
	ReasonNoRecentMutation:    1,
	ReasonNoMatch:             0,
}

// Match holds the four comparisons of one pair.
type Match struct {
	Fullname      bool `json:"match_fullname"`
	SameFirstName bool `json:"match_same_first_name"`
	RawAddress    bool `json:"match_raw_address"`
	PostalCode    bool `json:"match_postal_code"`
}

// Decide applies the decision table; the first matching row wins.
func Decide(m Match) (int, string) {
	switch {
	case m.Fullname && m.RawAddress:
		return 10, ReasonFullnameRawAddress
	case m.Fullname && m.PostalCode:
		return 9, ReasonFullnamePostalCode
	case m.Fullname:
		return 8, ReasonFullname
	case m.SameFirstName && m.RawAddress:
		return 7, ReasonFirstNameRawAddress
	case m.SameFirstName && m.PostalCode:
		return 6, ReasonFirstNamePostalCode
	case m.SameFirstName:
		return 5, ReasonFirstName
	}
	return 0, ReasonNoMatch
}

// checkScore rejects a (score, reason) pair outside the vocabulary.
func checkScore(score int, reason string) error {
	want, ok := reasonScores[reason]
	if !ok || want != score {
		return &resilience.InvariantError{
			Invariant: "owner_score_allowed_set",
			Err:       eris.Errorf("ownerscore: score %d with reason %q", score, reason),
		}
	}
	return nil
}

package ownerscore

import (
	"strings"
	"time"
)

// MaxCandidates is the number of ff_owner slots of a source row.
const MaxCandidates = 6

// Person is the comparable part of an owner record.
type Person struct {
	Fullname   string
	RawAddress string
	PostalCode string
	City       string
}

// FFOwner is one Fichier Foncier owner variant.
type FFOwner struct {
	Person
	BirthDate  string
	IDProdroit string
}

// Row links one owner to the ff_owner variants of a housing. Candidates
// holds the six slots in rank order; empty slots have an empty fullname.
type Row struct {
	LocalID      string
	Owner        Person
	Candidates   [MaxCandidates]FFOwner
	MutationDate *time.Time
}

// Pair is one (owner, ff_owner) comparison.
type Pair struct {
	LocalID      string
	Rank         int
	Owner        Person
	FFOwner      FFOwner
	MutationDate *time.Time
}

type pairKey struct {
	localID string
	rank    int
}

// Pairs flattens rows into pairs. Slots with an empty ff_owner fullname are
// dropped and only the first pair per (local_id, rank) is kept.
func Pairs(rows []Row) []Pair {
	seen := make(map[pairKey]struct{})
	var out []Pair
	for _, r := range rows {
		for i, ff := range r.Candidates {
			if strings.TrimSpace(ff.Fullname) == "" {
				continue
			}
			k := pairKey{localID: r.LocalID, rank: i + 1}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, Pair{
				LocalID:      r.LocalID,
				Rank:         i + 1,
				Owner:        r.Owner,
				FFOwner:      ff,
				MutationDate: r.MutationDate,
			})
		}
	}
	return out
}

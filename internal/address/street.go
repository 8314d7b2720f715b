package address

import "strings"

// streetTypes maps the DGFIP/cadastre abbreviations of French voie types to
// their full form.
var streetTypes = map[string]string{
	"r":    "rue",
	"av":   "avenue",
	"ave":  "avenue",
	"bd":   "boulevard",
	"bld":  "boulevard",
	"bvd":  "boulevard",
	"imp":  "impasse",
	"pl":   "place",
	"che":  "chemin",
	"chem": "chemin",
	"rte":  "route",
	"all":  "allee",
	"sq":   "square",
	"crs":  "cours",
	"fg":   "faubourg",
	"fbg":  "faubourg",
	"qu":   "quai",
	"qua":  "quai",
	"res":  "residence",
	"ham":  "hameau",
	"vla":  "villa",
	"prom": "promenade",
	"sen":  "sentier",
	"pass": "passage",
	"ld":   "lieu dit",
	"st":   "saint",
	"ste":  "sainte",
	"cit":  "cite",
	"lot":  "lotissement",
}

// ExpandStreetTypes normalizes text and rewrites abbreviated voie types to
// their full form so "12 R DES LILAS" compares equal to "12 rue des lilas".
func ExpandStreetTypes(text string) string {
	tokens := Tokenize(text)
	for i, t := range tokens {
		if full, ok := streetTypes[t]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " ")
}

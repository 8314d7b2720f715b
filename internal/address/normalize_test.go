package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   \t\n ", ""},
		{"123 Rue de Rivoli, 75001 Paris", "123 rue de rivoli 75001 paris"},
		{"12 rue des Flamboyants, 97200 Fort-de-France", "12 rue des flamboyants 97200 fort de france"},
		{"Nouvelle-Calédonie", "nouvelle caledonie"},
		{"Polynésie Française", "polynesie francaise"},
		{"ÉLÉONORE  d'Aubigné", "eleonore d aubigne"},
		{"Ørestad, København", "orestad kobenhavn"},
		{"Straße 5", "strasse 5"},
		{"España", "espana"},
		{"...;;--", ""},
		{"ﬁnistère", "finistere"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"25 SE 41253 BENZELIIGATAN GOTEBORG SUEDE",
		"VIA MARMENIA 30 ROMA RM 00178 ITALIE",
		"  Ørestad — København  ",
		"Saint-Barthélemy (97133)",
		"10 Downing St, London SW1A 2AA, UK",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), in)
	}
}

func TestNormalize_CaseWhitespaceDiacriticsInsensitive(t *testing.T) {
	assert.Equal(t, Normalize("Réunion"), Normalize("  REUNION "))
	assert.Equal(t, Normalize("rue   d'Espagne"), Normalize("RUE D ESPAGNE"))
}

func TestExtractPostalCode(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"123 Rue de Rivoli, 75001 Paris", "75001", true},
		{"12 rue des Flamboyants, 97200 Fort-de-France", "97200", true},
		{"25 SE 41253 BENZELIIGATAN GOTEBORG SUEDE", "41253", true},
		{"VIA MARMENIA 30 ROMA RM 00178 ITALIE", "00178", true},
		{"1234 5678", "", false},
		{"123456 rue", "", false},
		{"tel 0612345678 75011", "75011", true},
		{"", "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ExtractPostalCode(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"12", "r", "des", "lilas", "75011", "paris"}, Tokenize("12 R. DES LILAS, 75011 PARIS"))
	assert.Empty(t, Tokenize(""))
}

func TestTrailingCountryTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"25 SE 41253 BENZELIIGATAN GOTEBORG SUEDE", []string{"benzeliigatan", "goteborg", "suede"}},
		{"VIA MARMENIA 30 ROMA RM 00178 ITALIE", []string{"roma", "rm", "italie"}},
		{"Paris 75001", []string{"paris"}},
		{"75001", []string{}},
		{"", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := TrailingCountryTokens(tt.in)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse(t *testing.T) {
	p := Parse("12 rue des Flamboyants, 97200 Fort-de-France")
	assert.Equal(t, "12 rue des flamboyants 97200 fort de france", p.Normalized)
	assert.Equal(t, "97200", p.PostalCode)
	assert.Equal(t, Tokenize(p.Raw), p.Tokens)
	assert.Equal(t, TrailingCountryTokens(p.Raw), p.Trailing)
	assert.Equal(t, NonDigitTokens(p.Raw), p.NonDigit())

	empty := Parse("")
	assert.Empty(t, empty.Tokens)
	assert.Empty(t, empty.PostalCode)
}

func TestExpandStreetTypes(t *testing.T) {
	assert.Equal(t, "12 rue des lilas 75011 paris", ExpandStreetTypes("12 R DES LILAS 75011 PARIS"))
	assert.Equal(t, "3 avenue foch", ExpandStreetTypes("3 av. Foch"))
	assert.Equal(t, "1 boulevard saint michel", ExpandStreetTypes("1 Bd St-Michel"))
	assert.Equal(t, "", ExpandStreetTypes(""))
}

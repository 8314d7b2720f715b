package address

// Parsed bundles the normalizer outputs for one raw address.
type Parsed struct {
	Raw        string
	Normalized string
	// PostalCode is empty when the address carries no five-digit run.
	PostalCode string
	Tokens     []string
	Trailing   []string
}

// Parse runs every normalizer operation over raw.
func Parse(raw string) Parsed {
	normalized := Normalize(raw)
	tokens := splitTokens(normalized)

	nonDigit := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !IsDigits(t) {
			nonDigit = append(nonDigit, t)
		}
	}
	trailing := nonDigit
	if len(trailing) > TrailingWindow {
		trailing = trailing[len(trailing)-TrailingWindow:]
	}

	postal, _ := ExtractPostalCode(normalized)
	return Parsed{
		Raw:        raw,
		Normalized: normalized,
		PostalCode: postal,
		Tokens:     tokens,
		Trailing:   trailing,
	}
}

// NonDigit returns the tokens of p that are not pure digits.
func (p Parsed) NonDigit() []string {
	out := make([]string, 0, len(p.Tokens))
	for _, t := range p.Tokens {
		if !IsDigits(t) {
			out = append(out, t)
		}
	}
	return out
}

// splitTokens splits already-normalized text, which only holds single spaces.
func splitTokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(normalized); i++ {
		if i == len(normalized) || normalized[i] == ' ' {
			out = append(out, normalized[start:i])
			start = i + 1
		}
	}
	return out
}

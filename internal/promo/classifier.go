package promo

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"flight-deal-alerts/internal/domain"
)

// DefaultKeywords is the fare-label vocabulary, English and Spanish.
var DefaultKeywords = []string{
	"promo",
	"special",
	"offer",
	"discount",
	"oferta",
	"especial",
	"descuento",
	"promocion",
}

// Thresholds are the provider-specific knobs of the rule table.
type Thresholds struct {
	// LowMiles marks offers priced strictly below it as promotional. Zero disables the rule.
	LowMiles int64
	// ExtraKeywords extend DefaultKeywords.
	ExtraKeywords []string
}

// Rule is one entry of the ordered rule table.
type Rule struct {
	Name  string
	Match func(offer domain.NormalizedOffer) bool
}

// Classifier decides whether an offer is promotional. First matching rule wins.
type Classifier struct {
	rules []Rule
}

// New builds the rule table for one provider.
func New(th Thresholds) *Classifier {
	keywords := make([]string, 0, len(DefaultKeywords)+len(th.ExtraKeywords))
	for _, kw := range append(append([]string{}, DefaultKeywords...), th.ExtraKeywords...) {
		if folded := fold(kw); folded != "" {
			keywords = append(keywords, folded)
		}
	}

	rules := []Rule{
		{
			Name:  "provider_best_of_period",
			Match: func(o domain.NormalizedOffer) bool { return o.IsBestOfPeriod },
		},
		{
			Name: "low_miles",
			Match: func(o domain.NormalizedOffer) bool {
				return th.LowMiles > 0 && o.Miles.Valid && o.Miles.Int64 < th.LowMiles
			},
		},
		{
			Name: "fare_keyword",
			Match: func(o domain.NormalizedOffer) bool {
				label := fold(o.FareLabel)
				if label == "" {
					return false
				}
				for _, kw := range keywords {
					if strings.Contains(label, kw) {
						return true
					}
				}
				return false
			},
		},
	}
	return &Classifier{rules: rules}
}

// IsPromo reports whether any rule matches.
func (c *Classifier) IsPromo(offer domain.NormalizedOffer) bool {
	ok, _ := c.Classify(offer)
	return ok
}

// Classify returns the verdict and the name of the rule that decided it.
func (c *Classifier) Classify(offer domain.NormalizedOffer) (bool, string) {
	for _, rule := range c.rules {
		if rule.Match(offer) {
			return true, rule.Name
		}
	}
	return false, ""
}

// fold lower-cases and strips diacritics so "PROMOCIÓN" matches "promocion".
func fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// ABOUTME: Pluggable scoring strategies for enrichment: sentiment, deal intent, company profiles
// ABOUTME: Keyword and domain-heuristic defaults stand in until a real scoring service is wired
package enrich

import (
	"slices"
	"strings"
	"unicode"
)

// SentimentScorer returns a signed signal for a piece of text: positive
// values nudge a contact's score up, negative values down. Zero means neutral.
type SentimentScorer interface {
	Score(text string) int
}

// IntentDetector returns the deal-intent signals found in text, if any.
type IntentDetector interface {
	Detect(text string) []string
}

// CompanyProfile is what a CompanyEnricher can infer about a company.
type CompanyProfile struct {
	Industry      string
	EmployeeCount int
	Source        string
}

// CompanyEnricher infers a profile from a company domain. ok is false when
// nothing could be inferred.
type CompanyEnricher interface {
	Enrich(domain string) (profile CompanyProfile, ok bool)
}

// KeywordSentiment counts positive and negative words.
type KeywordSentiment struct {
	Positive []string
	Negative []string
}

// DefaultSentiment is the keyword scorer used when none is configured.
var DefaultSentiment = KeywordSentiment{
	Positive: []string{"thanks", "thank", "great", "excellent", "appreciate", "love", "perfect", "happy", "excited", "awesome"},
	Negative: []string{"unfortunately", "disappointed", "problem", "issue", "concern", "cancel", "frustrated", "delay", "unhappy", "complaint"},
}

// Score returns positive hits minus negative hits.
func (k KeywordSentiment) Score(text string) int {
	score := 0
	for _, word := range words(text) {
		if slices.Contains(k.Positive, word) {
			score++
		}
		if slices.Contains(k.Negative, word) {
			score--
		}
	}
	return score
}

// KeywordIntent matches a fixed buying-signal vocabulary.
type KeywordIntent struct {
	Keywords []string
}

// DefaultIntent is the keyword detector used when none is configured.
var DefaultIntent = KeywordIntent{
	Keywords: []string{"proposal", "pricing", "budget", "quote", "contract", "purchase", "demo", "trial", "renewal", "invoice"},
}

// Detect returns the matched keywords, sorted and without duplicates.
func (k KeywordIntent) Detect(text string) []string {
	var found []string
	for _, word := range words(text) {
		if slices.Contains(k.Keywords, word) && !slices.Contains(found, word) {
			found = append(found, word)
		}
	}
	slices.Sort(found)
	return found
}

// industryRule maps domain substrings to an industry.
type industryRule struct {
	industry string
	hints    []string
}

// DomainHeuristics guesses industry and size from the domain name alone.
type DomainHeuristics struct{}

const (
	heuristicSource = "domain-heuristic"
	otherIndustry   = "Other"
)

var industryRules = []industryRule{
	{industry: "Financial Services", hints: []string{"bank", "capital", "finance", "invest", "pay", "fund"}},
	{industry: "Healthcare", hints: []string{"health", "med", "care", "clinic", "pharma", "bio"}},
	{industry: "Education", hints: []string{"edu", "school", "university", "academy", "learn"}},
	{industry: "Retail", hints: []string{"shop", "store", "retail", "market"}},
	{industry: "Consulting", hints: []string{"consult", "advis", "partners"}},
	{industry: "Media", hints: []string{"media", "news", "studio", "press"}},
	{industry: "Technology", hints: []string{"tech", "soft", "cloud", "data", "labs", "dev", "systems"}},
}

// Enrich applies the heuristics; every domain gets a profile so a company is
// only enriched once.
func (DomainHeuristics) Enrich(domain string) (CompanyProfile, bool) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return CompanyProfile{}, false
	}
	label, tld := splitDomain(domain)

	profile := CompanyProfile{Industry: otherIndustry, EmployeeCount: 50, Source: heuristicSource}
	for _, rule := range industryRules {
		if containsAny(label, rule.hints) {
			profile.Industry = rule.industry
			break
		}
	}

	switch {
	case tld == "edu" || tld == "gov":
		profile.EmployeeCount = 5000
		if profile.Industry == otherIndustry {
			profile.Industry = "Public Sector"
			if tld == "edu" {
				profile.Industry = "Education"
			}
		}
	case tld == "io" || strings.Contains(label, "labs") || strings.Contains(label, "studio"):
		profile.EmployeeCount = 10
	}
	return profile, true
}

func splitDomain(domain string) (label, tld string) {
	i := strings.LastIndex(domain, ".")
	if i < 0 {
		return domain, ""
	}
	return domain[:i], domain[i+1:]
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

// words lowercases text and splits it on anything that is not a letter or digit.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

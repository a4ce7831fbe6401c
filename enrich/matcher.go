// ABOUTME: Natural-key deduplication for derived contacts and companies
// ABOUTME: Caches lookups by email and domain within one sweep so a batch never creates duplicates
package enrich

import (
	"strings"
	"unicode"

	"github.com/harperreed/crmsync/models"
)

// matcher remembers the contacts and companies resolved during one sweep.
// Contacts are keyed by scope and email; companies by workspace and domain.
type matcher struct {
	contacts  map[string]*models.Entity
	companies map[string]*models.Entity
	owners    map[models.Scope]map[string]bool
}

func newMatcher() *matcher {
	return &matcher{
		contacts:  make(map[string]*models.Entity),
		companies: make(map[string]*models.Entity),
		owners:    make(map[models.Scope]map[string]bool),
	}
}

func contactKey(scope models.Scope, email string) string {
	return scope.String() + "|" + models.NormalizeEmail(email)
}

func (m *matcher) findContact(scope models.Scope, email string) (*models.Entity, bool) {
	c, ok := m.contacts[contactKey(scope, email)]
	return c, ok
}

func (m *matcher) addContact(scope models.Scope, contact *models.Entity) {
	if email := contact.String(models.AttrEmail); email != "" {
		m.contacts[contactKey(scope, email)] = contact
	}
}

func (m *matcher) findCompany(workspaceID, domain string) (*models.Entity, bool) {
	c, ok := m.companies[workspaceID+"|"+models.NormalizeEmail(domain)]
	return c, ok
}

func (m *matcher) addCompany(company *models.Entity) {
	if domain := company.String(models.AttrDomain); domain != "" {
		m.companies[company.WorkspaceID+"|"+models.NormalizeEmail(domain)] = company
	}
}

// extractDomain returns the lowercased domain of an address.
func extractDomain(email string) string {
	_, domain, ok := strings.Cut(models.NormalizeEmail(email), "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return ""
	}
	return domain
}

var commonEmailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"msn.com":        true,
	"icloud.com":     true,
	"me.com":         true,
	"mac.com":        true,
	"aol.com":        true,
	"protonmail.com": true,
	"proton.me":      true,
	"pm.me":          true,
}

// isCommonEmailDomain reports whether domain is a personal mailbox provider
// rather than a company.
func isCommonEmailDomain(domain string) bool {
	return commonEmailDomains[models.NormalizeEmail(domain)]
}

// companyNameFromDomain turns "acme-widgets.com" into "Acme Widgets".
func companyNameFromDomain(domain string) string {
	name := models.NormalizeEmail(domain)
	for _, tld := range []string{".com", ".org", ".net", ".io", ".co"} {
		name = strings.TrimSuffix(name, tld)
	}

	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '.' || r == '-'
	})
	for i, part := range parts {
		parts[i] = capitalize(part)
	}
	return strings.Join(parts, " ")
}

// personName splits a display name into first and last names, falling back
// to the local part of the address ("jane.doe@" → Jane Doe).
func personName(display, email string) (first, last, full string) {
	display = strings.Trim(strings.TrimSpace(display), `"'`)
	if display == "" || strings.Contains(display, "@") {
		local, _, _ := strings.Cut(models.NormalizeEmail(email), "@")
		parts := strings.FieldsFunc(local, func(r rune) bool {
			return r == '.' || r == '_' || r == '-' || r == '+'
		})
		for i, p := range parts {
			parts[i] = capitalize(p)
		}
		display = strings.Join(parts, " ")
	}

	// "Doe, Jane"
	if lastName, firstName, ok := strings.Cut(display, ","); ok {
		first = strings.TrimSpace(firstName)
		last = strings.TrimSpace(lastName)
		return first, last, strings.TrimSpace(first + " " + last)
	}

	fields := strings.Fields(display)
	switch len(fields) {
	case 0:
		return "", "", ""
	case 1:
		return fields[0], "", fields[0]
	default:
		return fields[0], strings.Join(fields[1:], " "), strings.Join(fields, " ")
	}
}

func capitalize(s string) string {
	for i, r := range s {
		return string(unicode.ToUpper(r)) + s[i+len(string(r)):]
	}
	return s
}

// ABOUTME: Entity type tags, tenant scope, and CRM constants
// ABOUTME: Defines the known EntityType variants and per-type display/search conventions
package models

import (
	"errors"
	"fmt"
	"strings"
)

// EntityType selects the logical schema of an entity's attributes.
type EntityType string

const (
	TypeEmail           EntityType = "email"
	TypeCalendarEvent   EntityType = "calendar_event"
	TypeContact         EntityType = "contact"
	TypeCompany         EntityType = "company"
	TypeDeal            EntityType = "deal"
	TypeEmailAccount    EntityType = "email_account"
	TypeCalendarAccount EntityType = "calendar_account"
)

// KnownTypes lists every entity type the pipeline reads or writes.
func KnownTypes() []EntityType {
	return []EntityType{
		TypeEmail,
		TypeCalendarEvent,
		TypeContact,
		TypeCompany,
		TypeDeal,
		TypeEmailAccount,
		TypeCalendarAccount,
	}
}

// Known reports whether t is one of KnownTypes. Unknown types can still be
// stored; they just get the default search and title behaviour.
func (t EntityType) Known() bool {
	for _, k := range KnownTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// IsAccount reports whether t holds provider credentials.
func (t EntityType) IsAccount() bool {
	return t == TypeEmailAccount || t == TypeCalendarAccount
}

// SearchFields returns the attribute keys concatenated into the search projection.
func (t EntityType) SearchFields() []string {
	switch t {
	case TypeEmail:
		return []string{AttrSubject, AttrBody, AttrSnippet, "from.name", "from.email"}
	case TypeCalendarEvent:
		return []string{AttrTitle, AttrDescription, AttrLocation}
	case TypeContact:
		return []string{AttrFullName, AttrFirstName, AttrLastName, AttrEmail}
	case TypeCompany:
		return []string{AttrName, AttrDomain, AttrIndustry}
	case TypeDeal:
		return []string{AttrTitle, AttrDescription, AttrStage}
	case TypeEmailAccount, TypeCalendarAccount:
		return []string{AttrEmail}
	default:
		return []string{AttrName, AttrTitle, AttrSubject, AttrBody, AttrDescription}
	}
}

// Title renders a one-line human label for an entity of this type.
func (t EntityType) Title(attrs map[string]any) string {
	get := func(key string) string {
		s, _ := lookupPath(attrs, key).(string)
		return s
	}

	switch t {
	case TypeEmail:
		if s := get(AttrSubject); s != "" {
			return "Email: " + s
		}
		return "Email from " + get("from.email")
	case TypeCalendarEvent:
		return "Meeting: " + firstNonEmpty(get(AttrTitle), "(untitled)")
	case TypeContact:
		return "Contact: " + firstNonEmpty(get(AttrFullName), get(AttrEmail))
	case TypeCompany:
		return "Company: " + firstNonEmpty(get(AttrName), get(AttrDomain))
	case TypeDeal:
		return fmt.Sprintf("Deal: %s (%s)", get(AttrTitle), firstNonEmpty(get(AttrStage), StageProspecting))
	case TypeEmailAccount:
		return "Mail account " + get(AttrEmail)
	case TypeCalendarAccount:
		return "Calendar account " + get(AttrEmail)
	default:
		name := firstNonEmpty(get(AttrName), get(AttrTitle), get(AttrSubject))
		if name == "" {
			return strings.ReplaceAll(string(t), "_", " ")
		}
		return name
	}
}

// Scope is the tenant boundary every store operation runs under.
// An empty UserID is a workspace-level principal: it sees shared records and
// every user's records in the workspace. Only background engines use it.
type Scope struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id,omitempty"`
}

// ErrMissingWorkspace is returned when a scope has no workspace.
var ErrMissingWorkspace = errors.New("workspace id is required")

// Validate checks that the scope names a workspace.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.WorkspaceID) == "" {
		return ErrMissingWorkspace
	}
	return nil
}

// Workspace drops the user part of the scope.
func (s Scope) Workspace() Scope {
	return Scope{WorkspaceID: s.WorkspaceID}
}

func (s Scope) String() string {
	if s.UserID == "" {
		return s.WorkspaceID
	}
	return s.WorkspaceID + "/" + s.UserID
}

// Deal stages.
const (
	StageProspecting   = "prospecting"
	StageQualification = "qualification"
	StageProposal      = "proposal"
	StageNegotiation   = "negotiation"
	StageClosedWon     = "closed_won"
	StageClosedLost    = "closed_lost"
)

// IsClosedStage reports whether a deal in stage is no longer open.
func IsClosedStage(stage string) bool {
	return stage == StageClosedWon || stage == StageClosedLost
}

// Provider names recorded as entity provenance.
const (
	SourceGmail          = "gmail"
	SourceGoogleCalendar = "google_calendar"
	SourceInternal       = "internal"
	SourceEnrichment     = "enrichment"
)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ABOUTME: The polymorphic Entity record and its partial-merge patch
// ABOUTME: Attribute/metadata key conventions and typed accessors live here
package models

import (
	"slices"
	"strings"
	"time"
)

// Attribute keys shared across entity types.
const (
	AttrName        = "name"
	AttrTitle       = "title"
	AttrSubject     = "subject"
	AttrBody        = "body"
	AttrBodyHTML    = "bodyHtml"
	AttrSnippet     = "snippet"
	AttrDescription = "description"
	AttrLocation    = "location"
	AttrEmail       = "email"
	AttrDomain      = "domain"
	AttrIndustry    = "industry"
	AttrStage       = "stage"
	AttrFirstName   = "firstName"
	AttrLastName    = "lastName"
	AttrFullName    = "fullName"

	AttrMessageID   = "messageId"
	AttrThreadID    = "threadId"
	AttrFrom        = "from"
	AttrTo          = "to"
	AttrCc          = "cc"
	AttrDate        = "date"
	AttrIsRead      = "isRead"
	AttrIsStarred   = "isStarred"
	AttrIsDraft     = "isDraft"
	AttrIsSent      = "isSent"
	AttrIsImportant = "isImportant"
	AttrIsSpam      = "isSpam"
	AttrIsTrash     = "isTrash"
	AttrLabels      = "labels"

	AttrExternalID = "externalId"
	AttrCalendarID = "calendarId"
	AttrStart      = "start"
	AttrEnd        = "end"
	AttrAllDay     = "allDay"
	AttrStatus     = "status"
	AttrOrganizer  = "organizer"
	AttrAttendees  = "attendees"
	AttrHTMLLink   = "htmlLink"

	AttrSentimentScore   = "sentimentScore"
	AttrLastContactedAt  = "lastContactedAt"
	AttrInteractionCount = "interactionCount"
	AttrEmployeeCount    = "employeeCount"
	AttrHealthScore      = "healthScore"

	AttrProvider      = "provider"
	AttrAccessToken   = "accessToken"
	AttrRefreshToken  = "refreshToken"
	AttrTokenType     = "tokenType"
	AttrExpiresAt     = "expiresAt"
	AttrConnected     = "connected"
	AttrLastSyncAt    = "lastSyncAt"
	AttrMessagesTotal = "messagesTotal"
	AttrThreadsTotal  = "threadsTotal"
	AttrTimeZone      = "timeZone"
)

// Metadata keys.
const (
	MetaSource             = "source"
	MetaSyncedAt           = "syncedAt"
	MetaProcessedByCRM     = "processedByCRM"
	MetaProcessedAt        = "processedAt"
	MetaAutoCreated        = "autoCreated"
	MetaCreatedFrom        = "createdFrom"
	MetaDealIntentDetected = "dealIntentDetected"
	MetaDealIntentKeywords = "dealIntentKeywords"
	MetaEnrichedAt         = "enrichedAt"
	MetaEnrichmentSource   = "enrichmentSource"
	MetaHealthUpdatedAt    = "healthUpdatedAt"
	MetaHealthAlertAt      = "healthAlertAt"
	MetaHistoryID          = "historyId"
	MetaExportedAt         = "exportedAt"
	MetaExportHash         = "exportHash"
	MetaDisconnectedAt     = "disconnectedAt"
	MetaAuthError          = "authError"
)

// Relationship names.
const (
	RelCompany  = "company"
	RelContacts = "contacts"
	RelContact  = "contact"
)

// Entity is the only persisted business-data shape.
type Entity struct {
	ID            string              `json:"id"`
	WorkspaceID   string              `json:"workspace_id"`
	UserID        string              `json:"user_id,omitempty"`
	Type          EntityType          `json:"type"`
	Attributes    map[string]any      `json:"attributes"`
	Relationships map[string][]string `json:"relationships,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Scope returns the tenant scope the entity lives in.
func (e *Entity) Scope() Scope {
	return Scope{WorkspaceID: e.WorkspaceID, UserID: e.UserID}
}

// Title is a human label derived from the entity's type.
func (e *Entity) Title() string {
	return e.Type.Title(e.Attributes)
}

// String returns a string attribute; dotted keys reach into nested objects.
func (e *Entity) String(key string) string {
	s, _ := lookupPath(e.Attributes, key).(string)
	return s
}

// Bool returns a boolean attribute.
func (e *Entity) Bool(key string) bool {
	b, _ := lookupPath(e.Attributes, key).(bool)
	return b
}

// Float returns a numeric attribute and whether it was present.
func (e *Entity) Float(key string) (float64, bool) {
	return toFloat(lookupPath(e.Attributes, key))
}

// Time parses an RFC 3339 attribute.
func (e *Entity) Time(key string) (time.Time, bool) {
	return toTime(lookupPath(e.Attributes, key))
}

// Strings returns a list-of-strings attribute.
func (e *Entity) Strings(key string) []string {
	return toStrings(lookupPath(e.Attributes, key))
}

// MetaString returns a string metadata value.
func (e *Entity) MetaString(key string) string {
	s, _ := e.Metadata[key].(string)
	return s
}

// MetaBool returns a boolean metadata value.
func (e *Entity) MetaBool(key string) bool {
	b, _ := e.Metadata[key].(bool)
	return b
}

// MetaTime parses an RFC 3339 metadata value.
func (e *Entity) MetaTime(key string) (time.Time, bool) {
	return toTime(e.Metadata[key])
}

// Related returns the ids for a relationship name.
func (e *Entity) Related(name string) []string {
	return e.Relationships[name]
}

// Processed reports whether the enrichment engine has consumed this entity.
func (e *Entity) Processed() bool {
	return e.MetaBool(MetaProcessedByCRM)
}

// Patch is a partial update. Keys present overwrite; keys absent are kept.
type Patch struct {
	Attributes    map[string]any
	Relationships map[string][]string
	Metadata      map[string]any
	// Link adds ids to a relation, keeping the ids already stored.
	Link map[string][]string
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return len(p.Attributes) == 0 && len(p.Relationships) == 0 && len(p.Metadata) == 0 && len(p.Link) == 0
}

// Apply merges the patch into e in place.
func (p Patch) Apply(e *Entity) {
	e.Attributes = MergeMaps(e.Attributes, p.Attributes)
	e.Metadata = MergeMaps(e.Metadata, p.Metadata)
	if len(p.Relationships) > 0 {
		if e.Relationships == nil {
			e.Relationships = make(map[string][]string, len(p.Relationships))
		}
		for name, ids := range p.Relationships {
			if len(ids) == 0 {
				delete(e.Relationships, name)
				continue
			}
			e.Relationships[name] = append([]string(nil), ids...)
		}
	}
	for name, ids := range p.Link {
		for _, id := range ids {
			if slices.Contains(e.Relationships[name], id) {
				continue
			}
			if e.Relationships == nil {
				e.Relationships = make(map[string][]string)
			}
			e.Relationships[name] = append(slices.Clone(e.Relationships[name]), id)
		}
	}
}

// MergeMaps copies patch keys over base and returns the result.
// A nil value in the patch removes the key.
func MergeMaps(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// AddRelation appends id under name unless it is already present.
func AddRelation(rels map[string][]string, name, id string) map[string][]string {
	if rels == nil {
		rels = make(map[string][]string)
	}
	for _, existing := range rels[name] {
		if existing == id {
			return rels
		}
	}
	rels[name] = append(rels[name], id)
	return rels
}

func lookupPath(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	if v, ok := m[key]; ok {
		return v
	}
	head, rest, found := strings.Cut(key, ".")
	if !found {
		return nil
	}
	child, ok := m[head].(map[string]any)
	if !ok {
		return nil
	}
	return lookupPath(child, rest)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// FormatTime renders t the way time attributes are stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

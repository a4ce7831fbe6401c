// ABOUTME: Query criteria for the entity store
// ABOUTME: Every query carries a Scope; filters cover type, attributes, metadata, and relations
package models

// Ordering selects the sort order of Find results.
type Ordering int

const (
	OrderCreatedDesc Ordering = iota
	OrderCreatedAsc
	OrderUpdatedDesc
)

// Relation matches entities whose relationship Name contains ID.
type Relation struct {
	Name string
	ID   string
}

// Criteria describes an entity query. Scope is mandatory.
// Attribute and metadata keys may be dotted paths into nested objects.
type Criteria struct {
	Scope           Scope
	Type            EntityType
	AttributeEquals map[string]any
	MetadataEquals  map[string]any
	MetadataMissing []string
	RelatedTo       *Relation
	Limit           int
	Offset          int
	Order           Ordering
}

// DefaultLimit caps queries that do not set one.
const DefaultLimit = 100

// EffectiveLimit returns Limit or DefaultLimit when unset.
func (c Criteria) EffectiveLimit() int {
	if c.Limit <= 0 {
		return DefaultLimit
	}
	return c.Limit
}

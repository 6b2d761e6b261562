package dictionary

import (
	"cmp"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/liamcoop/datadictionary/visibility"
)

// EntryKind distinguishes field metadata from edge metadata.
type EntryKind int

const (
	KindData EntryKind = iota
	KindEdge
)

func (k EntryKind) String() string {
	if k == KindEdge {
		return "edge"
	}
	return "data"
}

// ParseEntryKind maps "data" or "edge" to an EntryKind.
func ParseEntryKind(s string) (EntryKind, bool) {
	switch strings.ToLower(s) {
	case "data":
		return KindData, true
	case "edge":
		return KindEdge, true
	}
	return KindData, false
}

// EdgeRelationship identifies an edge between two fields.
type EdgeRelationship struct {
	SourceField  string `json:"sourceField" yaml:"sourceField"`
	TargetField  string `json:"targetField" yaml:"targetField"`
	Relationship string `json:"relationship" yaml:"relationship"`
}

// MetadataEntry is a single raw row read from a metadata table.
// Rows with the same Key but different markings or descriptions stay
// distinct until aggregated.
type MetadataEntry struct {
	DataType    string              `json:"dataType"`
	FieldName   string              `json:"fieldName,omitempty"`
	Edge        *EdgeRelationship   `json:"edge,omitempty"`
	Description string              `json:"description,omitempty"`
	Markings    visibility.Markings `json:"markings,omitempty"`
	ExtraInfo   map[string]string   `json:"extraInfo,omitempty"`
	LastUpdated time.Time           `json:"lastUpdated"`
}

// Kind reports whether e describes a field or an edge.
func (e MetadataEntry) Kind() EntryKind {
	if e.Edge != nil {
		return KindEdge
	}
	return KindData
}

// Key returns the grouping key of e.
func (e MetadataEntry) Key() EntryKey {
	k := EntryKey{DataType: e.DataType, FieldName: e.FieldName}
	if e.Edge != nil {
		k.SourceField = e.Edge.SourceField
		k.TargetField = e.Edge.TargetField
		k.Relationship = e.Edge.Relationship
	}
	return k
}

// IsDescription reports whether e carries a description.
func (e MetadataEntry) IsDescription() bool {
	return strings.TrimSpace(e.Description) != ""
}

// Clone returns a deep copy of e.
func (e MetadataEntry) Clone() MetadataEntry {
	out := e
	if e.Edge != nil {
		edge := *e.Edge
		out.Edge = &edge
	}
	out.Markings = e.Markings.Clone()
	if len(e.ExtraInfo) > 0 {
		out.ExtraInfo = maps.Clone(e.ExtraInfo)
	} else {
		out.ExtraInfo = nil
	}
	return out
}

// EntryKey groups raw entries that describe the same field or edge.
type EntryKey struct {
	DataType     string
	FieldName    string
	SourceField  string
	TargetField  string
	Relationship string
}

// Compare orders keys by data type, then field name, then the edge
// relationship, source and target. Comparison is ordinal and case-sensitive.
func (k EntryKey) Compare(o EntryKey) int {
	return cmp.Or(
		strings.Compare(k.DataType, o.DataType),
		strings.Compare(k.FieldName, o.FieldName),
		strings.Compare(k.Relationship, o.Relationship),
		strings.Compare(k.SourceField, o.SourceField),
		strings.Compare(k.TargetField, o.TargetField),
	)
}

// Description is one description attached to a dictionary entry, together
// with the marking that governs it.
type Description struct {
	Text     string              `json:"description"`
	Markings visibility.Markings `json:"markings,omitempty"`
}

// DictionaryEntry is the merged view of every visible raw entry sharing a key.
type DictionaryEntry struct {
	DataType     string
	FieldName    string
	Edge         *EdgeRelationship
	Descriptions []Description
	Markings     visibility.Markings
	ExtraInfo    map[string]string
	LastUpdated  time.Time
}

// Key returns the grouping key of e.
func (e DictionaryEntry) Key() EntryKey {
	return MetadataEntry{DataType: e.DataType, FieldName: e.FieldName, Edge: e.Edge}.Key()
}

// DictionaryResult is a page of dictionary entries.
// TotalResults counts every distinct key found, visible or not, before
// paging, so TotalResults >= len(Entries).
type DictionaryResult struct {
	Entries      []DictionaryEntry
	TotalResults int
}

// Caller is the requester of a dictionary operation. It is built once per
// request and never modified afterwards.
type Caller struct {
	identity string
	roles    []string
	auths    visibility.Auths
}

// NewCaller builds a caller. Roles and auths are copied.
func NewCaller(identity string, roles []string, auths []string) *Caller {
	rs := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" && !slices.Contains(rs, r) {
			rs = append(rs, r)
		}
	}
	slices.Sort(rs)
	return &Caller{
		identity: strings.TrimSpace(identity),
		roles:    rs,
		auths:    visibility.NewAuths(auths...),
	}
}

// Identity returns the caller's identity.
func (c *Caller) Identity() string {
	if c == nil {
		return ""
	}
	return c.identity
}

// Authenticated reports whether the caller has an identity.
func (c *Caller) Authenticated() bool {
	return c != nil && c.identity != ""
}

// Roles returns a copy of the caller's roles, sorted.
func (c *Caller) Roles() []string {
	if c == nil {
		return nil
	}
	return slices.Clone(c.roles)
}

// HasRole reports whether the caller holds role.
func (c *Caller) HasRole(role string) bool {
	if c == nil {
		return false
	}
	_, found := slices.BinarySearch(c.roles, role)
	return found
}

// Auths returns a copy of the caller's credentials.
func (c *Caller) Auths() visibility.Auths {
	if c == nil {
		return visibility.Auths{}
	}
	return maps.Clone(c.auths)
}

// EffectiveAuths returns the credentials to evaluate markings with. When
// requested is non-empty the result is narrowed to the requested terms the
// caller actually holds; a caller can never widen its own credentials.
func (c *Caller) EffectiveAuths(requested []string) visibility.Auths {
	held := c.Auths()
	if len(requested) == 0 {
		return held
	}
	return held.Intersect(visibility.NewAuths(requested...))
}

// AccessDecision is the outcome of an authorization check.
type AccessDecision struct {
	Allowed bool
	Reason  string
}

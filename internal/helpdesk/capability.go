package helpdesk

import "sort"

// Relationship is how a user relates to a particular ticket.
type Relationship int

const (
	RelNone Relationship = iota
	RelOwner
	RelAssignee
)

func (r Relationship) String() string {
	switch r {
	case RelOwner:
		return "owner"
	case RelAssignee:
		return "assignee"
	}
	return "none"
}

// Field names a mutable ticket attribute, spelled as in request bodies.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldPriority    Field = "priority"
	FieldTags        Field = "tags"
	FieldStatus      Field = "status"
	FieldDueDate     Field = "dueDate"
	FieldResolution  Field = "resolution"
	FieldAssignedTo  Field = "assignedTo"
	FieldCategory    Field = "category"
)

// FieldSet is an unordered set of fields.
type FieldSet map[Field]bool

func fields(fs ...Field) FieldSet {
	out := FieldSet{}
	for _, f := range fs {
		out[f] = true
	}
	return out
}

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool { return s[f] }

// Sorted returns the members in lexical order.
func (s FieldSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, string(f))
	}
	sort.Strings(out)
	return out
}

var (
	ownerFields   = fields(FieldTitle, FieldDescription, FieldPriority, FieldTags)
	handlerFields = fields(FieldTitle, FieldDescription, FieldPriority, FieldTags,
		FieldStatus, FieldDueDate, FieldResolution, FieldAssignedTo)
	staffFields = fields(FieldTitle, FieldDescription, FieldPriority, FieldTags,
		FieldStatus, FieldDueDate, FieldResolution, FieldAssignedTo, FieldCategory)
)

type capKey struct {
	role Role
	rel  Relationship
}

type capability struct {
	fields FieldSet
	// openOnly restricts the grant to tickets whose status is open.
	openOnly bool
}

// capabilities maps (role, relationship) to the fields that pair may change.
// Pairs missing from the table may change nothing.
var capabilities = map[capKey]capability{
	{RoleUser, RelOwner}:     {fields: ownerFields, openOnly: true},
	{RoleUser, RelAssignee}:  {fields: handlerFields},
	{RoleAgent, RelNone}:     {fields: staffFields},
	{RoleAgent, RelOwner}:    {fields: staffFields},
	{RoleAgent, RelAssignee}: {fields: staffFields},
	{RoleAdmin, RelNone}:     {fields: staffFields},
	{RoleAdmin, RelOwner}:    {fields: staffFields},
	{RoleAdmin, RelAssignee}: {fields: staffFields},
}

// EditableFields returns the fields a user may change on a ticket in status.
func EditableFields(role Role, rel Relationship, status Status) FieldSet {
	cp, ok := capabilities[capKey{role, rel}]
	if !ok || (cp.openOnly && status != StatusOpen) {
		return FieldSet{}
	}
	return cp.fields
}

// Disallowed returns the requested fields missing from allowed, sorted.
func Disallowed(requested []Field, allowed FieldSet) []string {
	bad := FieldSet{}
	for _, f := range requested {
		if !allowed.Has(f) {
			bad[f] = true
		}
	}
	return bad.Sorted()
}

package helpdesk

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	p, err = ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	_, err = ParsePriority("critical")
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "Invalid priority level", ve.Message)
}

func TestParseStatusAndRole(t *testing.T) {
	s, err := ParseStatus("in-progress")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s)
	_, err = ParseStatus("pending")
	assert.Error(t, err)

	r, err := ParseRole("Agent")
	require.NoError(t, err)
	assert.True(t, r.IsStaff())
	assert.False(t, RoleUser.IsStaff())
	_, err = ParseRole("root")
	assert.Error(t, err)
}

func TestValidateSubject(t *testing.T) {
	got, err := ValidateSubject("  Printer not working ")
	require.NoError(t, err)
	assert.Equal(t, "Printer not working", got)

	_, err = ValidateSubject("abcd")
	require.Error(t, err)
	assert.Equal(t, "Ticket subject must be at least 5 characters long", err.(*ValidationError).Message)

	_, err = ValidateSubject(strings.Repeat("x", 201))
	require.Error(t, err)
	assert.Equal(t, "Ticket subject cannot exceed 200 characters", err.(*ValidationError).Message)

	_, err = ValidateSubject("   ")
	assert.Error(t, err)
}

func TestValidateDescription(t *testing.T) {
	_, err := ValidateDescription("My printer on the 3rd floor is jammed")
	assert.NoError(t, err)
	_, err = ValidateDescription("too short")
	require.Error(t, err)
	assert.Equal(t, "description", err.(*ValidationError).Field)
	_, err = ValidateDescription(strings.Repeat("y", 5001))
	assert.Error(t, err)
}

func TestNewRating(t *testing.T) {
	for _, r := range []int{1, 3, 5} {
		got, err := NewRating(r)
		require.NoError(t, err)
		assert.Equal(t, Rating(r), got)
	}
	for _, r := range []int{0, 6, -1} {
		_, err := NewRating(r)
		require.Error(t, err)
		assert.Equal(t, "Rating must be between 1 and 5", err.(*ValidationError).Message)
	}
}

func TestFormatTicketID(t *testing.T) {
	now := time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)
	id := FormatTicketID(now, 7)
	assert.Equal(t, "TKT-20240307-007", id)
	assert.True(t, ValidTicketID(id))
	assert.Equal(t, "TKT-20240307-1234", FormatTicketID(now, 1234))
	assert.False(t, ValidTicketID("TKT-2024-01"))
}

func TestCategoryValidation(t *testing.T) {
	_, err := ValidateCategoryName("a")
	assert.Error(t, err)
	n, err := ValidateCategoryName(" Hardware ")
	require.NoError(t, err)
	assert.Equal(t, "Hardware", n)

	c, err := ValidateColor("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCategoryColor, c)
	_, err = ValidateColor("blue")
	assert.Error(t, err)
	_, err = ValidateColor("#a1B2c3")
	assert.NoError(t, err)
}

func TestEditableFields(t *testing.T) {
	owner := EditableFields(RoleUser, RelOwner, StatusOpen)
	assert.Equal(t, []string{"description", "priority", "tags", "title"}, owner.Sorted())

	assert.Empty(t, EditableFields(RoleUser, RelOwner, StatusInProgress))
	assert.Empty(t, EditableFields(RoleUser, RelOwner, StatusResolved))
	assert.Empty(t, EditableFields(RoleUser, RelNone, StatusOpen))

	assignee := EditableFields(RoleUser, RelAssignee, StatusResolved)
	assert.True(t, assignee.Has(FieldStatus))
	assert.True(t, assignee.Has(FieldAssignedTo))
	assert.False(t, assignee.Has(FieldCategory))

	for _, role := range []Role{RoleAgent, RoleAdmin} {
		fs := EditableFields(role, RelNone, StatusClosed)
		assert.True(t, fs.Has(FieldCategory), role)
		assert.True(t, fs.Has(FieldResolution), role)
	}
}

func TestDisallowed(t *testing.T) {
	allowed := EditableFields(RoleUser, RelOwner, StatusOpen)
	bad := Disallowed([]Field{FieldTitle, FieldStatus, FieldAssignedTo}, allowed)
	assert.Equal(t, []string{"assignedTo", "status"}, bad)
	assert.Empty(t, Disallowed([]Field{FieldTitle}, allowed))
}

func TestRelationshipOf(t *testing.T) {
	tk := &Ticket{CreatedBy: UserRef{ID: "u1"}, AssignedTo: &UserRef{ID: "a1"}}
	assert.Equal(t, RelOwner, tk.RelationshipOf("u1"))
	assert.Equal(t, RelAssignee, tk.RelationshipOf("a1"))
	assert.Equal(t, RelNone, tk.RelationshipOf("x"))
	assert.Equal(t, RelNone, tk.RelationshipOf(""))
	assert.True(t, tk.CanView(RoleAgent, "x"))
	assert.False(t, tk.CanView(RoleUser, "x"))
}

func TestApplyStatusStampsOnce(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := &Ticket{Status: StatusOpen}
	tk.ApplyStatus(StatusResolved, "agent1", t0)
	require.NotNil(t, tk.ResolvedAt)
	assert.Equal(t, t0, *tk.ResolvedAt)
	assert.Equal(t, "agent1", *tk.ResolvedBy)

	tk.ApplyStatus(StatusResolved, "agent2", t0.Add(time.Hour))
	assert.Equal(t, t0, *tk.ResolvedAt)
	assert.Equal(t, "agent1", *tk.ResolvedBy)

	tk.ApplyStatus(StatusClosed, "agent1", t0.Add(2*time.Hour))
	require.NotNil(t, tk.ClosedAt)
	assert.Equal(t, StatusClosed, tk.Status)
}

func TestResolveReplacesEarlierStamp(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tk := &Ticket{Status: StatusOpen}
	tk.Resolve("first fix", "agent1", t0)
	tk.ApplyStatus(StatusInProgress, "agent1", t0.Add(time.Hour))
	require.NotNil(t, tk.ResolvedAt)

	t1 := t0.Add(72 * time.Hour)
	tk.Resolve("second fix", "agent2", t1)
	assert.Equal(t, StatusResolved, tk.Status)
	assert.Equal(t, "second fix", tk.Resolution)
	assert.Equal(t, t1, *tk.ResolvedAt)
	assert.Equal(t, "agent2", *tk.ResolvedBy)
}

func TestReopen(t *testing.T) {
	now := time.Now()
	tk := &Ticket{Status: StatusOpen}
	assert.ErrorIs(t, tk.Reopen(), ErrNotResolved)

	tk.Resolve("replaced toner", "agent1", now)
	require.NoError(t, tk.Reopen())
	assert.Equal(t, StatusOpen, tk.Status)
	assert.Empty(t, tk.Resolution)
	assert.Nil(t, tk.ResolvedAt)
	assert.Nil(t, tk.ResolvedBy)
}

func TestStripInternalComments(t *testing.T) {
	mk := func() *Ticket {
		return &Ticket{Comments: []Comment{
			{ID: "1", Content: "public"},
			{ID: "2", Content: "staff only", IsInternal: true},
		}}
	}
	tk := mk()
	tk.StripInternalComments(RoleUser)
	require.Len(t, tk.Comments, 1)
	assert.Equal(t, "1", tk.Comments[0].ID)

	for _, r := range []Role{RoleAgent, RoleAdmin} {
		tk = mk()
		tk.StripInternalComments(r)
		assert.Len(t, tk.Comments, 2)
	}
}

func TestCanRate(t *testing.T) {
	for _, s := range Statuses {
		tk := &Ticket{Status: s}
		want := s == StatusResolved || s == StatusClosed
		assert.Equal(t, want, tk.CanRate(), s)
	}
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"printer", "floor3"}, NormalizeTags([]string{" Printer", "printer", "", "FLOOR3"}))
}

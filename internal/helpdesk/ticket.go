package helpdesk

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// UserRef is the embedded summary of a user on ticket payloads.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// CategoryRef is the embedded summary of a category on ticket payloads.
type CategoryRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

// Attachment describes a file stored alongside a ticket.
type Attachment struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimetype"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// Comment is a message on a ticket. Internal comments are only visible to staff.
type Comment struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Author     *UserRef  `json:"author,omitempty"`
	IsInternal bool      `json:"isInternal"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Satisfaction is the creator's rating of a finished ticket.
type Satisfaction struct {
	Rating   Rating     `json:"rating"`
	Feedback string     `json:"feedback,omitempty"`
	RatedAt  *time.Time `json:"ratedAt,omitempty"`
}

// Ticket is a support request.
type Ticket struct {
	ID           string        `json:"id"`
	TicketID     string        `json:"ticketId"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Priority     Priority      `json:"priority"`
	Status       Status        `json:"status"`
	Category     *CategoryRef  `json:"category,omitempty"`
	CreatedBy    UserRef       `json:"createdBy"`
	AssignedTo   *UserRef      `json:"assignedTo,omitempty"`
	Attachments  []Attachment  `json:"attachments"`
	Comments     []Comment     `json:"comments"`
	Tags         []string      `json:"tags"`
	DueDate      *time.Time    `json:"dueDate,omitempty"`
	Resolution   string        `json:"resolution,omitempty"`
	ResolvedAt   *time.Time    `json:"resolvedAt,omitempty"`
	ResolvedBy   *string       `json:"resolvedBy,omitempty"`
	ClosedAt     *time.Time    `json:"closedAt,omitempty"`
	Satisfaction *Satisfaction `json:"satisfactionRating,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// AssigneeID returns the assignee's id or "".
func (t *Ticket) AssigneeID() string {
	if t.AssignedTo == nil {
		return ""
	}
	return t.AssignedTo.ID
}

// RelationshipOf classifies userID's relation to the ticket. Assignment wins
// over ownership when a user is both.
func (t *Ticket) RelationshipOf(userID string) Relationship {
	switch {
	case userID == "":
		return RelNone
	case t.AssigneeID() == userID:
		return RelAssignee
	case t.CreatedBy.ID == userID:
		return RelOwner
	}
	return RelNone
}

// CanView reports whether a user with role and id may read the ticket.
func (t *Ticket) CanView(role Role, userID string) bool {
	return role.IsStaff() || t.RelationshipOf(userID) != RelNone
}

// StripInternalComments removes internal comments unless role is staff.
func (t *Ticket) StripInternalComments(role Role) {
	if role.IsStaff() {
		return
	}
	out := make([]Comment, 0, len(t.Comments))
	for _, c := range t.Comments {
		if !c.IsInternal {
			out = append(out, c)
		}
	}
	t.Comments = out
}

// ApplyStatus moves the ticket to next. resolvedAt and resolvedBy are stamped
// only when the ticket first becomes resolved; closedAt is stamped on close.
func (t *Ticket) ApplyStatus(next Status, actorID string, now time.Time) {
	if next == StatusResolved && t.ResolvedAt == nil {
		ts := now
		t.ResolvedAt = &ts
		if actorID != "" {
			id := actorID
			t.ResolvedBy = &id
		}
	}
	if next == StatusClosed && t.Status != StatusClosed {
		ts := now
		t.ClosedAt = &ts
	}
	t.Status = next
}

// Resolve marks the ticket resolved by actorID now, replacing any earlier
// resolution stamp.
func (t *Ticket) Resolve(resolution, actorID string, now time.Time) {
	t.ClearResolution()
	t.Resolution = resolution
	t.ApplyStatus(StatusResolved, actorID, now)
}

// ClearResolution drops the resolution text and stamps.
func (t *Ticket) ClearResolution() {
	t.Resolution = ""
	t.ResolvedAt = nil
	t.ResolvedBy = nil
}

// ErrNotResolved is returned by Reopen for tickets that are not resolved.
var ErrNotResolved = &ValidationError{Field: "status", Message: "Only resolved tickets can be reopened"}

// Reopen returns a resolved ticket to open and clears its resolution fields.
func (t *Ticket) Reopen() error {
	if t.Status != StatusResolved {
		return ErrNotResolved
	}
	t.Status = StatusOpen
	t.ClearResolution()
	return nil
}

// CanRate reports whether the ticket is in a state that accepts a rating.
func (t *Ticket) CanRate() bool {
	return t.Status == StatusResolved || t.Status == StatusClosed
}

// Rating is a satisfaction score between 1 and 5.
type Rating int

// NewRating validates r.
func NewRating(r int) (Rating, error) {
	if r < 1 || r > 5 {
		return 0, &ValidationError{Field: "rating", Message: "Rating must be between 1 and 5"}
	}
	return Rating(r), nil
}

// FormatTicketID builds the human readable ticket identifier TKT-YYYYMMDD-NNN.
func FormatTicketID(now time.Time, seq int64) string {
	return fmt.Sprintf("TKT-%s-%03d", now.Format("20060102"), seq)
}

var ticketIDRe = regexp.MustCompile(`^TKT-\d{8}-\d{3,}$`)

// ValidTicketID reports whether s has the ticket identifier shape.
func ValidTicketID(s string) bool { return ticketIDRe.MatchString(s) }

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// ValidateSubject trims and checks a ticket title.
func ValidateSubject(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch n := runeLen(s); {
	case n == 0:
		return "", &ValidationError{Field: "title", Message: "Ticket subject is required"}
	case n < 5:
		return "", &ValidationError{Field: "title", Message: "Ticket subject must be at least 5 characters long"}
	case n > 200:
		return "", &ValidationError{Field: "title", Message: "Ticket subject cannot exceed 200 characters"}
	}
	return s, nil
}

// ValidateDescription trims and checks a ticket description.
func ValidateDescription(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch n := runeLen(s); {
	case n == 0:
		return "", &ValidationError{Field: "description", Message: "Ticket description is required"}
	case n < 10:
		return "", &ValidationError{Field: "description", Message: "Ticket description must be at least 10 characters long"}
	case n > 5000:
		return "", &ValidationError{Field: "description", Message: "Ticket description cannot exceed 5000 characters"}
	}
	return s, nil
}

// ValidateComment trims and checks a comment body.
func ValidateComment(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch n := runeLen(s); {
	case n == 0:
		return "", &ValidationError{Field: "content", Message: "Comment content is required"}
	case n > 1000:
		return "", &ValidationError{Field: "content", Message: "Comment cannot exceed 1000 characters"}
	}
	return s, nil
}

// ValidateResolution trims and checks resolution text.
func ValidateResolution(s string) (string, error) {
	s = strings.TrimSpace(s)
	if runeLen(s) > 1000 {
		return "", &ValidationError{Field: "resolution", Message: "Resolution cannot exceed 1000 characters"}
	}
	return s, nil
}

// NormalizeTags trims, lowercases and de-duplicates tags, dropping empties.
func NormalizeTags(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

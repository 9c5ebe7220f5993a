package tickets

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/cmd/api/attachments"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

// Columns selects what scanTicket reads, joined per ticketFrom.
const Columns = `t.id::text, t.ticket_id, t.title, t.description, t.priority, t.status,
  c.id::text, coalesce(c.name,''), coalesce(c.color,''),
  cu.id::text, cu.name, cu.email, cu.role,
  au.id::text, coalesce(au.name,''), coalesce(au.email,''), coalesce(au.role,''),
  t.tags, t.due_date, coalesce(t.resolution,''), t.resolved_at, t.resolved_by::text, t.closed_at,
  t.satisfaction_rating, coalesce(t.satisfaction_feedback,''), t.rated_at, t.created_at, t.updated_at`

const ticketFrom = ` from tickets t
  join users cu on cu.id=t.created_by
  left join users au on au.id=t.assigned_to
  left join categories c on c.id=t.category_id`

func scanTicket(row pgx.Row) (*helpdesk.Ticket, error) {
	var t helpdesk.Ticket
	var priority, status, creatorRole, assigneeName, assigneeEmail, assigneeRole, catName, catColor, feedback string
	var catID, assigneeID *string
	var rating *int
	var ratedAt *time.Time
	err := row.Scan(&t.ID, &t.TicketID, &t.Title, &t.Description, &priority, &status,
		&catID, &catName, &catColor,
		&t.CreatedBy.ID, &t.CreatedBy.Name, &t.CreatedBy.Email, &creatorRole,
		&assigneeID, &assigneeName, &assigneeEmail, &assigneeRole,
		&t.Tags, &t.DueDate, &t.Resolution, &t.ResolvedAt, &t.ResolvedBy, &t.ClosedAt,
		&rating, &feedback, &ratedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Priority, t.Status = helpdesk.Priority(priority), helpdesk.Status(status)
	t.CreatedBy.Role = helpdesk.Role(creatorRole)
	if catID != nil {
		t.Category = &helpdesk.CategoryRef{ID: *catID, Name: catName, Color: catColor}
	}
	if assigneeID != nil {
		t.AssignedTo = &helpdesk.UserRef{ID: *assigneeID, Name: assigneeName, Email: assigneeEmail, Role: helpdesk.Role(assigneeRole)}
	}
	if rating != nil {
		t.Satisfaction = &helpdesk.Satisfaction{Rating: helpdesk.Rating(*rating), Feedback: feedback, RatedAt: ratedAt}
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	t.Comments = []helpdesk.Comment{}
	t.Attachments = []helpdesk.Attachment{}
	return &t, nil
}

// find loads a ticket by id or ticket number, without comments or attachments.
func find(ctx context.Context, db app.DB, id string) (*helpdesk.Ticket, error) {
	return scanTicket(db.QueryRow(ctx, `select `+Columns+ticketFrom+` where t.id::text=$1 or t.ticket_id=$1`, id))
}

// load fetches a ticket with its comments and attachments.
func load(ctx context.Context, db app.DB, id string) (*helpdesk.Ticket, error) {
	t, err := find(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if t.Comments, err = comments(ctx, db, t.ID); err != nil {
		return nil, err
	}
	if t.Attachments, err = attachmentsOf(ctx, db, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func comments(ctx context.Context, db app.DB, ticketID string) ([]helpdesk.Comment, error) {
	const q = `select cm.id::text, cm.content, cm.is_internal, cm.created_at,
  u.id::text, coalesce(u.name,''), coalesce(u.email,''), coalesce(u.role,'')
from ticket_comments cm left join users u on u.id=cm.author_id
where cm.ticket_id=$1 order by cm.created_at asc`
	rows, err := db.Query(ctx, q, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []helpdesk.Comment{}
	for rows.Next() {
		var cm helpdesk.Comment
		var authorID *string
		var name, email, role string
		if err := rows.Scan(&cm.ID, &cm.Content, &cm.IsInternal, &cm.CreatedAt, &authorID, &name, &email, &role); err != nil {
			return nil, err
		}
		if authorID != nil {
			cm.Author = &helpdesk.UserRef{ID: *authorID, Name: name, Email: email, Role: helpdesk.Role(role)}
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

func attachmentsOf(ctx context.Context, db app.DB, ticketID string) ([]helpdesk.Attachment, error) {
	rows, err := db.Query(ctx, `select id::text, filename, original_name, size, mimetype, uploaded_at from ticket_attachments where ticket_id=$1 order by uploaded_at asc`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []helpdesk.Attachment{}
	for rows.Next() {
		var att helpdesk.Attachment
		if err := rows.Scan(&att.ID, &att.Filename, &att.OriginalName, &att.Size, &att.MimeType, &att.UploadedAt); err != nil {
			return nil, err
		}
		att.Path = attachments.URLPrefix + att.Filename
		out = append(out, att)
	}
	return out, rows.Err()
}

// save writes the mutable ticket fields back.
func save(ctx context.Context, db app.DB, t *helpdesk.Ticket) error {
	var category, assignee *string
	if t.Category != nil {
		category = &t.Category.ID
	}
	if t.AssignedTo != nil {
		assignee = &t.AssignedTo.ID
	}
	const q = `update tickets set
  title=$1, description=$2, priority=$3, status=$4, category_id=coalesce($5::uuid, category_id),
  assigned_to=$6::uuid, tags=$7, due_date=$8, resolution=nullif($9,''),
  resolved_at=$10, resolved_by=$11::uuid, closed_at=$12, updated_at=now()
where id=$13`
	tag, err := db.Exec(ctx, q, t.Title, t.Description, string(t.Priority), string(t.Status), category,
		assignee, t.Tags, t.DueDate, t.Resolution,
		t.ResolvedAt, t.ResolvedBy, t.ClosedAt, t.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ticketFor loads the ticket named by :id and checks the caller may view it.
func ticketFor(c *gin.Context, a *app.App, full bool) (*helpdesk.Ticket, authpkg.AuthUser, bool) {
	u, _ := authpkg.CurrentUser(c)
	var t *helpdesk.Ticket
	var err error
	if full {
		t, err = load(c.Request.Context(), a.DB, c.Param("id"))
	} else {
		t, err = find(c.Request.Context(), a.DB, c.Param("id"))
	}
	if errors.Is(err, pgx.ErrNoRows) {
		app.AbortError(c, http.StatusNotFound, "Ticket not found", nil)
		return nil, u, false
	}
	if err != nil {
		app.AbortInternal(c, err)
		return nil, u, false
	}
	if !t.CanView(u.Role, u.ID) {
		app.AbortError(c, http.StatusForbidden, "Not authorized to access this ticket", nil)
		return nil, u, false
	}
	return t, u, true
}

// activeAgent resolves an assignee id to an active agent or admin.
func activeAgent(ctx context.Context, db app.DB, id string) (*helpdesk.UserRef, error) {
	var ref helpdesk.UserRef
	var role string
	err := db.QueryRow(ctx, `select id::text, name, email, role from users where id::text=$1 and is_active and role in ('agent','admin')`, id).
		Scan(&ref.ID, &ref.Name, &ref.Email, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &helpdesk.ValidationError{Field: "assignedTo", Message: "Invalid agent assignment"}
	}
	if err != nil {
		return nil, err
	}
	ref.Role = helpdesk.Role(role)
	return &ref, nil
}

// activeCategory resolves a category id to an active category.
func activeCategory(ctx context.Context, db app.DB, id string) (*helpdesk.CategoryRef, error) {
	var ref helpdesk.CategoryRef
	err := db.QueryRow(ctx, `select id::text, name, color from categories where id::text=$1 and is_active`, id).Scan(&ref.ID, &ref.Name, &ref.Color)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &helpdesk.ValidationError{Field: "category", Message: "Invalid or inactive category"}
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

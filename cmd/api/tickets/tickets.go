package tickets

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/cmd/api/attachments"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/cmd/api/events"
	"github.com/supportdesk/helpdesk/cmd/api/metrics"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/mailer"
	"github.com/supportdesk/helpdesk/internal/notify"
)

// scope restricts queries to the tickets a user may see.
func scope(u authpkg.AuthUser, args []any) ([]string, []any) {
	if u.IsStaff() {
		return nil, args
	}
	args = append(args, u.ID)
	return []string{fmt.Sprintf("t.created_by=$%d", len(args))}, args
}

var sortColumns = map[string]string{
	"createdAt": "t.created_at",
	"updatedAt": "t.updated_at",
	"dueDate":   "t.due_date",
	"title":     "t.title",
	"status":    "t.status",
	"priority":  "array_position(array['low','medium','high','urgent'], t.priority)",
}

// List returns a page of tickets. Users only see their own tickets.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		p := app.Paginate(c, 10, 100)
		where, args := scope(u, []any{})
		if v := strings.TrimSpace(c.Query("status")); v != "" {
			s, err := helpdesk.ParseStatus(v)
			if err != nil {
				app.AbortValidation(c, err)
				return
			}
			args = append(args, string(s))
			where = append(where, fmt.Sprintf("t.status=$%d", len(args)))
		}
		if v := strings.TrimSpace(c.Query("priority")); v != "" {
			pr, err := helpdesk.ParsePriority(v)
			if err != nil {
				app.AbortValidation(c, err)
				return
			}
			args = append(args, string(pr))
			where = append(where, fmt.Sprintf("t.priority=$%d", len(args)))
		}
		if v := strings.TrimSpace(c.Query("category")); v != "" {
			args = append(args, v)
			where = append(where, fmt.Sprintf("t.category_id::text=$%d", len(args)))
		}
		switch v := strings.TrimSpace(c.Query("assignedTo")); v {
		case "":
		case "me":
			args = append(args, u.ID)
			where = append(where, fmt.Sprintf("t.assigned_to::text=$%d", len(args)))
		case "unassigned":
			where = append(where, "t.assigned_to is null")
		default:
			args = append(args, v)
			where = append(where, fmt.Sprintf("t.assigned_to::text=$%d", len(args)))
		}
		if q := strings.TrimSpace(c.Query("search")); q != "" {
			args = append(args, "%"+strings.ToLower(q)+"%")
			n := len(args)
			where = append(where, fmt.Sprintf("(lower(t.title) like $%d or lower(t.description) like $%d or lower(t.ticket_id) like $%d)", n, n, n))
		}
		cond := ""
		if len(where) > 0 {
			cond = " where " + strings.Join(where, " and ")
		}
		order, ok := sortColumns[c.DefaultQuery("sortBy", "createdAt")]
		if !ok {
			order = sortColumns["createdAt"]
		}
		dir := "desc"
		if strings.EqualFold(c.Query("sortOrder"), "asc") {
			dir = "asc"
		}
		ctx := c.Request.Context()
		var total int
		if err := a.DB.QueryRow(ctx, `select count(*) from tickets t`+cond, args...).Scan(&total); err != nil {
			app.AbortInternal(c, err)
			return
		}
		args = append(args, p.Limit, p.Offset())
		sql := fmt.Sprintf(`select %s%s%s order by %s %s nulls last, t.created_at desc limit $%d offset $%d`,
			Columns, ticketFrom, cond, order, dir, len(args)-1, len(args))
		rows, err := a.DB.Query(ctx, sql, args...)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		out := []*helpdesk.Ticket{}
		for rows.Next() {
			t, err := scanTicket(rows)
			if err != nil {
				app.AbortInternal(c, err)
				return
			}
			out = append(out, t)
		}
		if err := rows.Err(); err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "", gin.H{"tickets": out, "pagination": p.Pagination(total)})
	}
}

type ticketStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"byStatus"`
	ByPriority map[string]int `json:"byPriority"`
}

// Stats counts visible tickets by status and priority.
func Stats(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		where, args := scope(u, []any{})
		if c.Query("assignedTo") == "me" {
			args = append(args, u.ID)
			where = append(where, fmt.Sprintf("t.assigned_to::text=$%d", len(args)))
		}
		cond := ""
		if len(where) > 0 {
			cond = " where " + strings.Join(where, " and ")
		}
		s := ticketStats{ByStatus: map[string]int{}, ByPriority: map[string]int{}}
		for _, st := range helpdesk.Statuses {
			s.ByStatus[string(st)] = 0
		}
		for _, pr := range helpdesk.Priorities {
			s.ByPriority[string(pr)] = 0
		}
		rows, err := a.DB.Query(c.Request.Context(), `select t.status, t.priority, count(*) from tickets t`+cond+` group by t.status, t.priority`, args...)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var status, priority string
			var n int
			if err := rows.Scan(&status, &priority, &n); err != nil {
				app.AbortInternal(c, err)
				return
			}
			s.Total += n
			s.ByStatus[status] += n
			s.ByPriority[priority] += n
		}
		if err := rows.Err(); err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "", s)
	}
}

// Get returns a ticket with comments and attachments. Internal comments are
// hidden from users.
func Get(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, u, ok := ticketFor(c, a, true)
		if !ok {
			return
		}
		t.StripInternalComments(u.Role)
		app.OK(c, http.StatusOK, "", gin.H{"ticket": t})
	}
}

type createReq struct {
	Title       string   `json:"title" form:"title"`
	Description string   `json:"description" form:"description"`
	Priority    string   `json:"priority" form:"priority"`
	Category    string   `json:"category" form:"category"`
	Tags        []string `json:"tags" form:"tags"`
}

func bindCreate(c *gin.Context) (createReq, error) {
	var in createReq
	if c.ContentType() == binding.MIMEMultipartPOSTForm {
		if err := c.ShouldBindWith(&in, binding.FormMultipart); err != nil {
			return in, err
		}
		// multipart clients may send tags as one comma separated value
		if len(in.Tags) == 1 && strings.Contains(in.Tags[0], ",") {
			in.Tags = strings.Split(in.Tags[0], ",")
		}
		return in, nil
	}
	err := c.ShouldBindJSON(&in)
	return in, err
}

// ticketNumberAttempts bounds retries when a generated ticket number collides.
const ticketNumberAttempts = 3

// nextTicketNumber draws the next per-day sequence value.
func nextTicketNumber(ctx context.Context, db app.DB, now time.Time) (string, error) {
	const q = `insert into ticket_counters (name, value) values ($1, 1)
on conflict (name) do update set value = ticket_counters.value + 1
returning value`
	var seq int64
	if err := db.QueryRow(ctx, q, "tickets-"+now.Format("20060102")).Scan(&seq); err != nil {
		return "", err
	}
	return helpdesk.FormatTicketID(now, seq), nil
}

func insertTicket(ctx context.Context, db app.DB, in createReq, priority helpdesk.Priority, categoryID, createdBy string) (string, error) {
	const q = `insert into tickets (ticket_id, title, description, priority, category_id, created_by, tags)
values ($1, $2, $3, $4, $5, $6, $7) returning id::text`
	var lastErr error
	for i := 0; i < ticketNumberAttempts; i++ {
		number, err := nextTicketNumber(ctx, db, time.Now())
		if err != nil {
			return "", err
		}
		var id string
		err = db.QueryRow(ctx, q, number, in.Title, in.Description, string(priority), categoryID, createdBy, in.Tags).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !authpkg.IsUniqueViolation(err) {
			return "", err
		}
		lastErr = err
		log.Ctx(ctx).Warn().Str("ticket_id", number).Msg("ticket number collision, retrying")
	}
	return "", fmt.Errorf("allocate ticket number: %w", lastErr)
}

// Create opens a ticket from JSON or a multipart form with attachments.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		in, err := bindCreate(c)
		if err != nil {
			app.AbortBind(c, err)
			return
		}
		if in.Title, err = helpdesk.ValidateSubject(in.Title); err != nil {
			app.AbortValidation(c, err)
			return
		}
		if in.Description, err = helpdesk.ValidateDescription(in.Description); err != nil {
			app.AbortValidation(c, err)
			return
		}
		priority, err := helpdesk.ParsePriority(in.Priority)
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		if strings.TrimSpace(in.Category) == "" {
			app.AbortError(c, http.StatusBadRequest, "Category is required", []app.FieldError{{Field: "category", Message: "Category is required"}})
			return
		}
		in.Tags = helpdesk.NormalizeTags(in.Tags)
		ctx := c.Request.Context()
		cat, err := activeCategory(ctx, a.DB, strings.TrimSpace(in.Category))
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		var files []*multipart.FileHeader
		if form, err := c.MultipartForm(); err == nil && form != nil {
			files = form.File[attachments.FormField]
		}
		if err := attachments.ValidateFiles(files); err != nil {
			app.AbortValidation(c, err)
			return
		}
		u, _ := authpkg.CurrentUser(c)
		stored, err := attachments.Save(ctx, a, files)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		id, err := insertTicket(ctx, a.DB, in, priority, cat.ID, u.ID)
		if err != nil {
			attachments.Cleanup(ctx, a, stored)
			app.AbortInternal(c, err)
			return
		}
		for _, att := range stored {
			const q = `insert into ticket_attachments (ticket_id, filename, original_name, object_key, size, mimetype, uploaded_by)
values ($1, $2, $3, $2, $4, $5, $6)`
			if _, err := a.DB.Exec(ctx, q, id, att.Filename, att.OriginalName, att.Size, att.MimeType, u.ID); err != nil {
				if _, derr := a.DB.Exec(ctx, `delete from tickets where id=$1`, id); derr != nil {
					log.Ctx(ctx).Error().Err(derr).Str("ticket", id).Msg("remove partially created ticket")
				}
				attachments.Cleanup(ctx, a, stored)
				app.AbortInternal(c, err)
				return
			}
		}
		t, err := load(ctx, a.DB, id)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		metrics.TicketsCreatedTotal.Inc()
		events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionCreated, "", string(t.Status), "")
		notifyUsers(ctx, a, t, helpdesk.NotifyTicketCreated, []string{t.CreatedBy.ID})
		mail(ctx, a, t, mailer.TicketCreated, t.CreatedBy)
		events.PublishTicket(ctx, a.Q, events.TicketCreated, t)
		app.OK(c, http.StatusCreated, "Ticket created successfully", gin.H{"ticket": t})
	}
}

type updateReq struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Priority    *string   `json:"priority"`
	Tags        *[]string `json:"tags"`
	Status      *string   `json:"status"`
	DueDate     *string   `json:"dueDate"`
	Resolution  *string   `json:"resolution"`
	AssignedTo  *string   `json:"assignedTo"`
	Category    *string   `json:"category"`
}

func (r updateReq) fields() []helpdesk.Field {
	var out []helpdesk.Field
	add := func(set bool, f helpdesk.Field) {
		if set {
			out = append(out, f)
		}
	}
	add(r.Title != nil, helpdesk.FieldTitle)
	add(r.Description != nil, helpdesk.FieldDescription)
	add(r.Priority != nil, helpdesk.FieldPriority)
	add(r.Tags != nil, helpdesk.FieldTags)
	add(r.Status != nil, helpdesk.FieldStatus)
	add(r.DueDate != nil, helpdesk.FieldDueDate)
	add(r.Resolution != nil, helpdesk.FieldResolution)
	add(r.AssignedTo != nil, helpdesk.FieldAssignedTo)
	add(r.Category != nil, helpdesk.FieldCategory)
	return out
}

// apply validates the requested changes and writes them onto t.
func (r updateReq) apply(ctx context.Context, db app.DB, t *helpdesk.Ticket, actorID string, now time.Time) error {
	var err error
	if r.Title != nil {
		if t.Title, err = helpdesk.ValidateSubject(*r.Title); err != nil {
			return err
		}
	}
	if r.Description != nil {
		if t.Description, err = helpdesk.ValidateDescription(*r.Description); err != nil {
			return err
		}
	}
	if r.Priority != nil {
		if t.Priority, err = helpdesk.ParsePriority(*r.Priority); err != nil {
			return err
		}
	}
	if r.Tags != nil {
		t.Tags = helpdesk.NormalizeTags(*r.Tags)
	}
	if r.DueDate != nil {
		if strings.TrimSpace(*r.DueDate) == "" {
			t.DueDate = nil
		} else {
			d, err := parseDueDate(strings.TrimSpace(*r.DueDate))
			if err != nil {
				return &helpdesk.ValidationError{Field: "dueDate", Message: "Due date must be a valid date"}
			}
			t.DueDate = &d
		}
	}
	if r.Resolution != nil {
		if t.Resolution, err = helpdesk.ValidateResolution(*r.Resolution); err != nil {
			return err
		}
	}
	if r.AssignedTo != nil {
		if id := strings.TrimSpace(*r.AssignedTo); id == "" {
			t.AssignedTo = nil
		} else if t.AssignedTo, err = activeAgent(ctx, db, id); err != nil {
			return err
		}
	}
	if r.Category != nil {
		if t.Category, err = activeCategory(ctx, db, strings.TrimSpace(*r.Category)); err != nil {
			return err
		}
	}
	if r.Status != nil {
		next, err := helpdesk.ParseStatus(*r.Status)
		if err != nil {
			return err
		}
		t.ApplyStatus(next, actorID, now)
	}
	return nil
}

// parseDueDate accepts an RFC 3339 timestamp or a plain calendar date (UTC).
func parseDueDate(v string) (time.Time, error) {
	if d, err := time.Parse(time.RFC3339, v); err == nil {
		return d, nil
	}
	return time.Parse(time.DateOnly, v)
}

// Update edits a ticket. Which fields a caller may change depends on their
// role, their relationship to the ticket and its status.
func Update(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		t, u, ok := ticketFor(c, a, false)
		if !ok {
			return
		}
		requested := in.fields()
		if len(requested) == 0 {
			app.AbortError(c, http.StatusBadRequest, "No updates provided", nil)
			return
		}
		allowed := helpdesk.EditableFields(u.Role, t.RelationshipOf(u.ID), t.Status)
		if bad := helpdesk.Disallowed(requested, allowed); len(bad) > 0 {
			app.AbortError(c, http.StatusForbidden, "Not authorized to update fields: "+strings.Join(bad, ", "), nil)
			return
		}
		ctx := c.Request.Context()
		prevStatus, prevAssignee := t.Status, t.AssigneeID()
		if err := in.apply(ctx, a.DB, t, u.ID, time.Now()); err != nil {
			app.AbortValidation(c, err)
			return
		}
		if err := save(ctx, a.DB, t); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				app.AbortError(c, http.StatusNotFound, "Ticket not found", nil)
				return
			}
			app.AbortInternal(c, err)
			return
		}
		metrics.TicketsUpdatedTotal.Inc()
		if t.Status != prevStatus {
			events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionStatus, string(prevStatus), string(t.Status), "")
			typ, tmpl := helpdesk.NotifyTicketUpdated, mailer.TicketUpdated
			if t.Status == helpdesk.StatusResolved {
				typ, tmpl = helpdesk.NotifyTicketResolved, mailer.TicketResolved
			}
			notifyUsers(ctx, a, t, typ, notify.Recipients(t, u.ID))
			if t.CreatedBy.ID != u.ID {
				mail(ctx, a, t, tmpl, t.CreatedBy)
			}
		}
		if id := t.AssigneeID(); id != prevAssignee {
			events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionAssigned, prevAssignee, id, "")
			if id != "" && id != u.ID {
				notifyUsers(ctx, a, t, helpdesk.NotifyTicketAssigned, []string{id})
				mail(ctx, a, t, mailer.TicketAssigned, *t.AssignedTo)
			}
		}
		if t.Status == prevStatus && t.AssigneeID() == prevAssignee {
			events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionUpdated, "", "", strings.Join(fieldSet(requested).Sorted(), ","))
		}
		events.PublishTicket(ctx, a.Q, events.TicketUpdated, t)
		full, err := load(ctx, a.DB, t.ID)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		full.StripInternalComments(u.Role)
		app.OK(c, http.StatusOK, "Ticket updated successfully", gin.H{"ticket": full})
	}
}

func fieldSet(fs []helpdesk.Field) helpdesk.FieldSet {
	out := helpdesk.FieldSet{}
	for _, f := range fs {
		out[f] = true
	}
	return out
}

// Delete removes a ticket and its stored files. Admins may delete any ticket;
// creators only their own open tickets.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, u, ok := ticketFor(c, a, true)
		if !ok {
			return
		}
		isOwner := t.CreatedBy.ID == u.ID && t.Status == helpdesk.StatusOpen
		if u.Role != helpdesk.RoleAdmin && !isOwner {
			app.AbortError(c, http.StatusForbidden, "Not authorized to delete this ticket", nil)
			return
		}
		ctx := c.Request.Context()
		if _, err := a.DB.Exec(ctx, `delete from tickets where id=$1`, t.ID); err != nil {
			app.AbortInternal(c, err)
			return
		}
		attachments.Cleanup(ctx, a, t.Attachments)
		events.PublishTicket(ctx, a.Q, events.TicketDeleted, t)
		app.OK(c, http.StatusOK, "Ticket deleted successfully", nil)
	}
}

// History lists status and assignment changes.
func History(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, _, ok := ticketFor(c, a, false)
		if !ok {
			return
		}
		h, err := events.History(c.Request.Context(), a.DB, t.ID)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "", gin.H{"history": h})
	}
}

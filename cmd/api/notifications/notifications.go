// Package notifications serves /api/notifications.
package notifications

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/notify"
)

const columns = `n.id::text, n.recipient_id::text, n.title, n.message, n.type, n.priority, n.is_read, n.read_at,
  n.related_ticket_id::text, coalesce(n.action_url,''), n.metadata, n.created_at`

func scan(row pgx.Row) (notify.Notification, error) {
	var n notify.Notification
	var typ, priority string
	err := row.Scan(&n.ID, &n.RecipientID, &n.Title, &n.Message, &typ, &priority, &n.IsRead, &n.ReadAt,
		&n.RelatedTicketID, &n.ActionURL, &n.Metadata, &n.CreatedAt)
	n.Type, n.Priority = helpdesk.NotificationType(typ), helpdesk.NotificationPriority(priority)
	return n, err
}

func unreadCount(c *gin.Context, a *app.App, userID string) (int, error) {
	var n int
	err := a.DB.QueryRow(c.Request.Context(), `select count(*) from notifications where recipient_id=$1 and not is_read`, userID).Scan(&n)
	return n, err
}

// List returns the caller's notifications, newest first.
func List(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		p := app.Paginate(c, 20, 100)
		args := []any{u.ID}
		where := []string{"n.recipient_id=$1"}
		if c.Query("unreadOnly") == "true" {
			where = append(where, "not n.is_read")
		}
		if v := strings.TrimSpace(c.Query("type")); v != "" {
			typ, err := helpdesk.ParseNotificationType(v)
			if err != nil {
				app.AbortValidation(c, err)
				return
			}
			args = append(args, string(typ))
			where = append(where, fmt.Sprintf("n.type=$%d", len(args)))
		}
		cond := " where " + strings.Join(where, " and ")
		ctx := c.Request.Context()
		var total int
		if err := a.DB.QueryRow(ctx, `select count(*) from notifications n`+cond, args...).Scan(&total); err != nil {
			app.AbortInternal(c, err)
			return
		}
		args = append(args, p.Limit, p.Offset())
		sql := fmt.Sprintf(`select %s from notifications n%s order by n.created_at desc limit $%d offset $%d`, columns, cond, len(args)-1, len(args))
		rows, err := a.DB.Query(ctx, sql, args...)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		out := []notify.Notification{}
		for rows.Next() {
			n, err := scan(rows)
			if err != nil {
				app.AbortInternal(c, err)
				return
			}
			out = append(out, n)
		}
		if err := rows.Err(); err != nil {
			app.AbortInternal(c, err)
			return
		}
		unread, err := unreadCount(c, a, u.ID)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "", gin.H{"notifications": out, "pagination": p.Pagination(total), "unreadCount": unread})
	}
}

type stats struct {
	Total  int            `json:"total"`
	Unread int            `json:"unread"`
	Read   int            `json:"read"`
	ByType map[string]int `json:"byType"`
}

// Stats summarises the caller's notifications.
func Stats(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		rows, err := a.DB.Query(c.Request.Context(), `select type, count(*), count(*) filter (where not is_read) from notifications where recipient_id=$1 group by type`, u.ID)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		s := stats{ByType: map[string]int{}}
		for rows.Next() {
			var typ string
			var total, unread int
			if err := rows.Scan(&typ, &total, &unread); err != nil {
				app.AbortInternal(c, err)
				return
			}
			s.ByType[typ] = total
			s.Total += total
			s.Unread += unread
		}
		if err := rows.Err(); err != nil {
			app.AbortInternal(c, err)
			return
		}
		s.Read = s.Total - s.Unread
		app.OK(c, http.StatusOK, "", s)
	}
}

// MarkRead marks one of the caller's notifications read.
func MarkRead(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		const q = `update notifications n set is_read=true, read_at=coalesce(n.read_at, now())
where n.id::text=$1 and n.recipient_id=$2 returning ` + columns
		n, err := scan(a.DB.QueryRow(c.Request.Context(), q, c.Param("id"), u.ID))
		if errors.Is(err, pgx.ErrNoRows) {
			app.AbortError(c, http.StatusNotFound, "Notification not found", nil)
			return
		}
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "Notification marked as read", gin.H{"notification": n})
	}
}

// MarkAllRead marks every unread notification of the caller read.
func MarkAllRead(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		tag, err := a.DB.Exec(c.Request.Context(), `update notifications set is_read=true, read_at=now() where recipient_id=$1 and not is_read`, u.ID)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, fmt.Sprintf("%d notifications marked as read", tag.RowsAffected()), gin.H{"modifiedCount": tag.RowsAffected()})
	}
}

// Delete removes one of the caller's notifications.
func Delete(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		tag, err := a.DB.Exec(c.Request.Context(), `delete from notifications where id::text=$1 and recipient_id=$2`, c.Param("id"), u.ID)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			app.AbortError(c, http.StatusNotFound, "Notification not found", nil)
			return
		}
		app.OK(c, http.StatusOK, "Notification deleted successfully", nil)
	}
}

// ClearRead deletes the caller's read notifications.
func ClearRead(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		tag, err := a.DB.Exec(c.Request.Context(), `delete from notifications where recipient_id=$1 and is_read`, u.ID)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, fmt.Sprintf("%d read notifications cleared", tag.RowsAffected()), gin.H{"deletedCount": tag.RowsAffected()})
	}
}

type createReq struct {
	Recipients []string `json:"recipients"`
	Recipient  string   `json:"recipient"`
	Title      string   `json:"title" binding:"required,max=100"`
	Message    string   `json:"message" binding:"required,max=500"`
	Type       string   `json:"type"`
	Priority   string   `json:"priority"`
	ActionURL  string   `json:"actionUrl"`
}

func (r createReq) recipients() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append(r.Recipients, r.Recipient) {
		id = strings.TrimSpace(id)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Create sends an admin notification to one or more users.
func Create(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		recipients := in.recipients()
		if len(recipients) == 0 {
			app.AbortError(c, http.StatusBadRequest, "At least one recipient is required", []app.FieldError{{Field: "recipients", Message: "At least one recipient is required"}})
			return
		}
		typ, err := helpdesk.ParseNotificationType(in.Type)
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		priority, err := helpdesk.ParseNotificationPriority(in.Priority)
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		ctx := c.Request.Context()
		var found int
		if err := a.DB.QueryRow(ctx, `select count(*) from users where id::text = any($1) and is_active`, recipients).Scan(&found); err != nil {
			app.AbortInternal(c, err)
			return
		}
		if found != len(recipients) {
			app.AbortError(c, http.StatusBadRequest, "One or more recipients are invalid", nil)
			return
		}
		out := make([]notify.Notification, 0, len(recipients))
		for _, r := range recipients {
			n, err := a.Notify.Create(ctx, notify.Notification{
				RecipientID: r,
				Title:       strings.TrimSpace(in.Title),
				Message:     strings.TrimSpace(in.Message),
				Type:        typ,
				Priority:    priority,
				ActionURL:   strings.TrimSpace(in.ActionURL),
			})
			if err != nil {
				app.AbortInternal(c, err)
				return
			}
			out = append(out, n)
		}
		app.OK(c, http.StatusCreated, fmt.Sprintf("%d notifications created", len(out)), gin.H{"notifications": out, "count": len(out)})
	}
}

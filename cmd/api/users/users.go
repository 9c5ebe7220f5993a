package users

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	apppkg "github.com/supportdesk/helpdesk/cmd/api/app"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/mailer"
)

// List returns users for admins. Filters: role, isActive, search (name or
// email substring).
func List(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := apppkg.Paginate(c, 10, 100)
		var where []string
		args := []any{}
		if r := strings.TrimSpace(c.Query("role")); r != "" {
			role, err := helpdesk.ParseRole(r)
			if err != nil {
				apppkg.AbortValidation(c, err)
				return
			}
			args = append(args, string(role))
			where = append(where, fmt.Sprintf("u.role=$%d", len(args)))
		}
		if v := c.Query("isActive"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				apppkg.AbortError(c, http.StatusBadRequest, "isActive must be true or false", nil)
				return
			}
			args = append(args, b)
			where = append(where, fmt.Sprintf("u.is_active=$%d", len(args)))
		}
		if q := strings.TrimSpace(c.Query("search")); q != "" {
			args = append(args, "%"+strings.ToLower(q)+"%")
			where = append(where, fmt.Sprintf("(lower(u.name) like $%d or lower(u.email) like $%d)", len(args), len(args)))
		}
		cond := ""
		if len(where) > 0 {
			cond = " where " + strings.Join(where, " and ")
		}
		ctx := c.Request.Context()
		var total int
		if err := a.DB.QueryRow(ctx, `select count(*) from users u`+cond, args...).Scan(&total); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		args = append(args, p.Limit, p.Offset())
		sql := fmt.Sprintf(`select %s from users u%s order by u.created_at desc limit $%d offset $%d`, authpkg.UserColumns, cond, len(args)-1, len(args))
		rows, err := a.DB.Query(ctx, sql, args...)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		out := []authpkg.User{}
		for rows.Next() {
			u, err := authpkg.ScanUser(rows)
			if err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			out = append(out, u)
		}
		if err := rows.Err(); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "", gin.H{"users": out, "pagination": p.Pagination(total)})
	}
}

// Agents lists active agents and admins for assignment pickers.
func Agents(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(), `select `+authpkg.UserColumns+` from users u where u.role in ('agent','admin') and u.is_active order by u.name`)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		out := []authpkg.User{}
		for rows.Next() {
			u, err := authpkg.ScanUser(rows)
			if err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			out = append(out, u)
		}
		if err := rows.Err(); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "", gin.H{"agents": out})
	}
}

// Stats summarizes accounts by role and state.
func Stats(a *apppkg.App) gin.HandlerFunc {
	type stats struct {
		Total    int            `json:"total"`
		Active   int            `json:"active"`
		Inactive int            `json:"inactive"`
		NewUsers int            `json:"newUsersLast30Days"`
		ByRole   map[string]int `json:"byRole"`
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		s := stats{ByRole: map[string]int{}}
		for _, r := range []helpdesk.Role{helpdesk.RoleUser, helpdesk.RoleAgent, helpdesk.RoleAdmin} {
			s.ByRole[string(r)] = 0
		}
		const q = `select count(*),
  count(*) filter (where is_active),
  count(*) filter (where created_at >= $1)
from users`
		if err := a.DB.QueryRow(ctx, q, time.Now().AddDate(0, 0, -30)).Scan(&s.Total, &s.Active, &s.NewUsers); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		s.Inactive = s.Total - s.Active
		rows, err := a.DB.Query(ctx, `select role, count(*) from users group by role`)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var role string
			var n int
			if err := rows.Scan(&role, &n); err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			s.ByRole[role] = n
		}
		if err := rows.Err(); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "", s)
	}
}

func load(c *gin.Context, a *apppkg.App, id string) (authpkg.User, bool) {
	u, err := authpkg.ScanUser(a.DB.QueryRow(c.Request.Context(), `select `+authpkg.UserColumns+` from users u where u.id::text=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		apppkg.AbortError(c, http.StatusNotFound, "User not found", nil)
		return authpkg.User{}, false
	}
	if err != nil {
		apppkg.AbortInternal(c, err)
		return authpkg.User{}, false
	}
	return u, true
}

// Get returns a single user.
func Get(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := load(c, a, c.Param("id"))
		if !ok {
			return
		}
		apppkg.OK(c, http.StatusOK, "", gin.H{"user": u})
	}
}

type createReq struct {
	Name       string `json:"name" binding:"required,min=2,max=50"`
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=6"`
	Role       string `json:"role" binding:"omitempty,oneof=user agent admin"`
	Phone      string `json:"phone" binding:"omitempty,max=30"`
	Department string `json:"department" binding:"omitempty,max=100"`
}

// Create adds an account with any role.
func Create(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortBind(c, err)
			return
		}
		role, err := authpkg.RoleOf(in.Role)
		if err != nil {
			apppkg.AbortValidation(c, err)
			return
		}
		ctx := c.Request.Context()
		email := strings.ToLower(strings.TrimSpace(in.Email))
		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from users where lower(email)=$1)`, email).Scan(&exists); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		if exists {
			apppkg.AbortError(c, http.StatusBadRequest, "User already exists with this email", nil)
			return
		}
		hash, err := authpkg.HashPassword(in.Password)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		const q = `insert into users as u (name, email, password_hash, role, phone, department)
values ($1, $2, $3, $4, nullif($5,''), nullif($6,''))
returning ` + authpkg.UserColumns
		u, err := authpkg.ScanUser(a.DB.QueryRow(ctx, q, strings.TrimSpace(in.Name), email, hash, string(role), strings.TrimSpace(in.Phone), strings.TrimSpace(in.Department)))
		if authpkg.IsUniqueViolation(err) {
			apppkg.AbortError(c, http.StatusBadRequest, "User already exists with this email", nil)
			return
		}
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		if err := a.Mail.Enqueue(ctx, mailer.EmailJob{To: u.Email, Template: mailer.Welcome, Data: map[string]any{
			"Name": u.Name,
			"URL":  a.Cfg.FrontendURL,
		}}); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("user", u.ID).Msg("enqueue welcome email")
		}
		apppkg.OK(c, http.StatusCreated, "User created successfully", gin.H{"user": u})
	}
}

type updateReq struct {
	Name       *string `json:"name" binding:"omitempty,min=2,max=50"`
	Email      *string `json:"email" binding:"omitempty,email"`
	Role       *string `json:"role" binding:"omitempty,oneof=user agent admin"`
	IsActive   *bool   `json:"isActive"`
	Phone      *string `json:"phone" binding:"omitempty,max=30"`
	Department *string `json:"department" binding:"omitempty,max=100"`
}

// Update edits any account. Admins cannot demote or deactivate themselves here.
func Update(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortBind(c, err)
			return
		}
		cur, _ := authpkg.CurrentUser(c)
		id := c.Param("id")
		if id == cur.ID {
			if in.Role != nil && *in.Role != string(cur.Role) {
				apppkg.AbortError(c, http.StatusBadRequest, "You cannot change your own role", nil)
				return
			}
			if in.IsActive != nil && !*in.IsActive {
				apppkg.AbortError(c, http.StatusBadRequest, "You cannot deactivate your own account", nil)
				return
			}
		}
		ctx := c.Request.Context()
		if in.Email != nil {
			e := strings.ToLower(strings.TrimSpace(*in.Email))
			in.Email = &e
			var taken bool
			if err := a.DB.QueryRow(ctx, `select exists(select 1 from users where lower(email)=$1 and id::text<>$2)`, e, id).Scan(&taken); err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			if taken {
				apppkg.AbortError(c, http.StatusBadRequest, "Email is already in use", nil)
				return
			}
		}
		const q = `update users u set
  name = coalesce($1, name),
  email = coalesce($2, email),
  role = coalesce($3, role),
  is_active = coalesce($4, is_active),
  phone = coalesce($5, phone),
  department = coalesce($6, department),
  updated_at = now()
where u.id::text=$7
returning ` + authpkg.UserColumns
		u, err := authpkg.ScanUser(a.DB.QueryRow(ctx, q, in.Name, in.Email, in.Role, in.IsActive, in.Phone, in.Department, id))
		switch {
		case authpkg.IsUniqueViolation(err):
			apppkg.AbortError(c, http.StatusBadRequest, "Email is already in use", nil)
			return
		case errors.Is(err, pgx.ErrNoRows):
			apppkg.AbortError(c, http.StatusNotFound, "User not found", nil)
			return
		case err != nil:
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "User updated successfully", gin.H{"user": u})
	}
}

// Delete removes an account that has never created a ticket.
func Delete(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, _ := authpkg.CurrentUser(c)
		id := c.Param("id")
		if id == cur.ID {
			apppkg.AbortError(c, http.StatusBadRequest, "You cannot delete your own account", nil)
			return
		}
		ctx := c.Request.Context()
		target, ok := load(c, a, id)
		if !ok {
			return
		}
		id = target.ID
		var n int
		if err := a.DB.QueryRow(ctx, `select count(*) from tickets where created_by=$1`, id).Scan(&n); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		if n > 0 {
			apppkg.AbortError(c, http.StatusBadRequest, fmt.Sprintf("Cannot delete user. They have created %d tickets. Deactivate the account instead.", n), nil)
			return
		}
		if _, err := a.DB.Exec(ctx, `update tickets set assigned_to=null, updated_at=now() where assigned_to=$1`, id); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		if _, err := a.DB.Exec(ctx, `delete from users where id=$1`, id); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "User deleted successfully", nil)
	}
}

// UpdateRole changes another user's role.
func UpdateRole(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Role string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortBind(c, err)
			return
		}
		role, err := helpdesk.ParseRole(in.Role)
		if err != nil {
			apppkg.AbortValidation(c, err)
			return
		}
		cur, _ := authpkg.CurrentUser(c)
		id := c.Param("id")
		if id == cur.ID {
			apppkg.AbortError(c, http.StatusBadRequest, "You cannot change your own role", nil)
			return
		}
		u, err := authpkg.ScanUser(a.DB.QueryRow(c.Request.Context(), `update users u set role=$1, updated_at=now() where u.id::text=$2 returning `+authpkg.UserColumns, string(role), id))
		if errors.Is(err, pgx.ErrNoRows) {
			apppkg.AbortError(c, http.StatusNotFound, "User not found", nil)
			return
		}
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, fmt.Sprintf("User role updated to %s", role), gin.H{"user": u})
	}
}

// ToggleStatus flips is_active on another user's account.
func ToggleStatus(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, _ := authpkg.CurrentUser(c)
		id := c.Param("id")
		if id == cur.ID {
			apppkg.AbortError(c, http.StatusBadRequest, "You cannot deactivate your own account", nil)
			return
		}
		u, err := authpkg.ScanUser(a.DB.QueryRow(c.Request.Context(), `update users u set is_active = not is_active, updated_at=now() where u.id::text=$1 returning `+authpkg.UserColumns, id))
		if errors.Is(err, pgx.ErrNoRows) {
			apppkg.AbortError(c, http.StatusNotFound, "User not found", nil)
			return
		}
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		state := "deactivated"
		if u.IsActive {
			state = "activated"
		}
		apppkg.OK(c, http.StatusOK, "User "+state+" successfully", gin.H{"user": u})
	}
}

type activityTicket struct {
	ID        string            `json:"id"`
	TicketID  string            `json:"ticketId"`
	Title     string            `json:"title"`
	Status    helpdesk.Status   `json:"status"`
	Priority  helpdesk.Priority `json:"priority"`
	CreatedAt time.Time         `json:"createdAt"`
}

type activityEntry struct {
	TicketID  string    `json:"ticketId"`
	Action    string    `json:"action"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Activity returns a user's recent tickets and ticket history entries.
func Activity(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		u, ok := load(c, a, id)
		if !ok {
			return
		}
		id = u.ID
		ctx := c.Request.Context()
		created, err := scanActivityTickets(c, a, `select id::text, ticket_id, title, status, priority, created_at from tickets where created_by=$1 order by created_at desc limit 10`, id)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		var assigned []activityTicket
		if u.Role.IsStaff() {
			assigned, err = scanActivityTickets(c, a, `select id::text, ticket_id, title, status, priority, created_at from tickets where assigned_to=$1 order by updated_at desc limit 10`, id)
			if err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
		}
		rows, err := a.DB.Query(ctx, `select t.ticket_id, h.action, coalesce(h.from_value,''), coalesce(h.to_value,''), h.created_at
from ticket_history h join tickets t on t.id=h.ticket_id
where h.actor_id=$1 order by h.created_at desc limit 20`, id)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		history := []activityEntry{}
		for rows.Next() {
			var e activityEntry
			if err := rows.Scan(&e.TicketID, &e.Action, &e.From, &e.To, &e.CreatedAt); err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			history = append(history, e)
		}
		if err := rows.Err(); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		resp := gin.H{"user": u, "createdTickets": created, "history": history}
		if assigned != nil {
			resp["assignedTickets"] = assigned
		}
		apppkg.OK(c, http.StatusOK, "", resp)
	}
}

func scanActivityTickets(c *gin.Context, a *apppkg.App, sql, id string) ([]activityTicket, error) {
	rows, err := a.DB.Query(c.Request.Context(), sql, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []activityTicket{}
	for rows.Next() {
		var t activityTicket
		var status, priority string
		if err := rows.Scan(&t.ID, &t.TicketID, &t.Title, &status, &priority, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status, t.Priority = helpdesk.Status(status), helpdesk.Priority(priority)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResetPassword sets a new password on another user's account.
func ResetPassword(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			NewPassword string `json:"newPassword" binding:"required,min=6"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortBind(c, err)
			return
		}
		hash, err := authpkg.HashPassword(in.NewPassword)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		tag, err := a.DB.Exec(c.Request.Context(), `update users set password_hash=$1, reset_password_token=null, reset_password_expire=null, updated_at=now() where id::text=$2`, hash, c.Param("id"))
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		if tag.RowsAffected() == 0 {
			apppkg.AbortError(c, http.StatusNotFound, "User not found", nil)
			return
		}
		apppkg.OK(c, http.StatusOK, "Password reset successfully", nil)
	}
}

// Package categories serves /api/categories.
package categories

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	apppkg "github.com/supportdesk/helpdesk/cmd/api/app"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

// Category is a ticket classification.
type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Color       string    `json:"color"`
	IsActive    bool      `json:"isActive"`
	CreatedBy   *string   `json:"createdBy,omitempty"`
	TicketCount int       `json:"ticketCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

const columns = `c.id::text, c.name, coalesce(c.description,''), c.color, c.is_active, c.created_by::text,
  (select count(*) from tickets t where t.category_id=c.id), c.created_at, c.updated_at`

func scan(row pgx.Row) (Category, error) {
	var cat Category
	err := row.Scan(&cat.ID, &cat.Name, &cat.Description, &cat.Color, &cat.IsActive, &cat.CreatedBy, &cat.TicketCount, &cat.CreatedAt, &cat.UpdatedAt)
	return cat, err
}

// List returns active categories. Staff may pass includeInactive=true.
func List(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		sql := `select ` + columns + ` from categories c`
		if !(u.IsStaff() && c.Query("includeInactive") == "true") {
			sql += ` where c.is_active`
		}
		rows, err := a.DB.Query(c.Request.Context(), sql+` order by c.name`)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		out := []Category{}
		for rows.Next() {
			cat, err := scan(rows)
			if err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			out = append(out, cat)
		}
		if err := rows.Err(); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "", gin.H{"categories": out, "count": len(out)})
	}
}

type categoryStats struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	IsActive   bool   `json:"isActive"`
	Total      int    `json:"totalTickets"`
	Open       int    `json:"openTickets"`
	InProgress int    `json:"inProgressTickets"`
	Resolved   int    `json:"resolvedTickets"`
	Closed     int    `json:"closedTickets"`
}

// Stats returns per-category ticket counts by status.
func Stats(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		const q = `select c.id::text, c.name, c.color, c.is_active,
  count(t.id),
  count(t.id) filter (where t.status='open'),
  count(t.id) filter (where t.status='in-progress'),
  count(t.id) filter (where t.status='resolved'),
  count(t.id) filter (where t.status='closed')
from categories c left join tickets t on t.category_id=c.id
group by c.id order by count(t.id) desc, c.name`
		rows, err := a.DB.Query(c.Request.Context(), q)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		out := []categoryStats{}
		for rows.Next() {
			var s categoryStats
			if err := rows.Scan(&s.ID, &s.Name, &s.Color, &s.IsActive, &s.Total, &s.Open, &s.InProgress, &s.Resolved, &s.Closed); err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			out = append(out, s)
		}
		if err := rows.Err(); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "", gin.H{"categories": out})
	}
}

func load(c *gin.Context, a *apppkg.App, id string) (Category, bool) {
	cat, err := scan(a.DB.QueryRow(c.Request.Context(), `select `+columns+` from categories c where c.id::text=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		apppkg.AbortError(c, http.StatusNotFound, "Category not found", nil)
		return Category{}, false
	}
	if err != nil {
		apppkg.AbortInternal(c, err)
		return Category{}, false
	}
	return cat, true
}

// Get returns one category. Inactive categories are hidden from users.
func Get(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		cat, ok := load(c, a, c.Param("id"))
		if !ok {
			return
		}
		if u, _ := authpkg.CurrentUser(c); !cat.IsActive && !u.IsStaff() {
			apppkg.AbortError(c, http.StatusNotFound, "Category not found", nil)
			return
		}
		apppkg.OK(c, http.StatusOK, "", gin.H{"category": cat})
	}
}

// nameTaken checks case-insensitive uniqueness, ignoring exceptID.
func nameTaken(c *gin.Context, a *apppkg.App, name, exceptID string) (bool, error) {
	var taken bool
	err := a.DB.QueryRow(c.Request.Context(), `select exists(select 1 from categories where lower(name)=lower($1) and ($2='' or id::text<>$2))`, name, exceptID).Scan(&taken)
	return taken, err
}

type createReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// Create adds a category.
func Create(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in createReq
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortBind(c, err)
			return
		}
		name, err := helpdesk.ValidateCategoryName(in.Name)
		if err != nil {
			apppkg.AbortValidation(c, err)
			return
		}
		desc, err := helpdesk.ValidateCategoryDescription(in.Description)
		if err != nil {
			apppkg.AbortValidation(c, err)
			return
		}
		color, err := helpdesk.ValidateColor(in.Color)
		if err != nil {
			apppkg.AbortValidation(c, err)
			return
		}
		taken, err := nameTaken(c, a, name, "")
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		if taken {
			apppkg.AbortError(c, http.StatusBadRequest, "Category with this name already exists", nil)
			return
		}
		u, _ := authpkg.CurrentUser(c)
		const q = `with c as (
  insert into categories (name, description, color, created_by) values ($1, nullif($2,''), $3, $4) returning *
)
select ` + columns + ` from c`
		cat, err := scan(a.DB.QueryRow(c.Request.Context(), q, name, desc, color, u.ID))
		if authpkg.IsUniqueViolation(err) {
			apppkg.AbortError(c, http.StatusBadRequest, "Category with this name already exists", nil)
			return
		}
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusCreated, "Category created successfully", gin.H{"category": cat})
	}
}

type updateReq struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Color       *string `json:"color"`
	IsActive    *bool   `json:"isActive"`
}

// Update edits a category.
func Update(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in updateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortBind(c, err)
			return
		}
		cur, ok := load(c, a, c.Param("id"))
		if !ok {
			return
		}
		id := cur.ID
		if in.Name != nil {
			name, err := helpdesk.ValidateCategoryName(*in.Name)
			if err != nil {
				apppkg.AbortValidation(c, err)
				return
			}
			taken, err := nameTaken(c, a, name, id)
			if err != nil {
				apppkg.AbortInternal(c, err)
				return
			}
			if taken {
				apppkg.AbortError(c, http.StatusBadRequest, "Category with this name already exists", nil)
				return
			}
			in.Name = &name
		}
		if in.Description != nil {
			d, err := helpdesk.ValidateCategoryDescription(*in.Description)
			if err != nil {
				apppkg.AbortValidation(c, err)
				return
			}
			in.Description = &d
		}
		if in.Color != nil {
			col, err := helpdesk.ValidateColor(*in.Color)
			if err != nil {
				apppkg.AbortValidation(c, err)
				return
			}
			in.Color = &col
		}
		const q = `with c as (
  update categories set
    name = coalesce($1, name),
    description = case when $2::text is null then description else nullif($2,'') end,
    color = coalesce($3, color),
    is_active = coalesce($4, is_active),
    updated_at = now()
  where id=$5 returning *
)
select ` + columns + ` from c`
		cat, err := scan(a.DB.QueryRow(c.Request.Context(), q, in.Name, in.Description, in.Color, in.IsActive, id))
		switch {
		case authpkg.IsUniqueViolation(err):
			apppkg.AbortError(c, http.StatusBadRequest, "Category with this name already exists", nil)
			return
		case errors.Is(err, pgx.ErrNoRows):
			apppkg.AbortError(c, http.StatusNotFound, "Category not found", nil)
			return
		case err != nil:
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "Category updated successfully", gin.H{"category": cat})
	}
}

// Delete removes a category that no ticket references.
func Delete(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		cat, ok := load(c, a, c.Param("id"))
		if !ok {
			return
		}
		if cat.TicketCount > 0 {
			apppkg.AbortError(c, http.StatusBadRequest, fmt.Sprintf("Cannot delete category. It has %d associated tickets.", cat.TicketCount), nil)
			return
		}
		if _, err := a.DB.Exec(c.Request.Context(), `delete from categories where id=$1`, cat.ID); err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		apppkg.OK(c, http.StatusOK, "Category deleted successfully", nil)
	}
}

type bulkReq struct {
	CategoryIDs []string `json:"categoryIds" binding:"required,min=1,dive,required"`
	IsActive    *bool    `json:"isActive"`
	Color       *string  `json:"color"`
}

// BulkUpdate sets isActive and/or color on several categories.
func BulkUpdate(a *apppkg.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in bulkReq
		if err := c.ShouldBindJSON(&in); err != nil {
			apppkg.AbortBind(c, err)
			return
		}
		if in.IsActive == nil && in.Color == nil {
			apppkg.AbortError(c, http.StatusBadRequest, "No updates provided", nil)
			return
		}
		var sets []string
		args := []any{in.CategoryIDs}
		if in.IsActive != nil {
			args = append(args, *in.IsActive)
			sets = append(sets, fmt.Sprintf("is_active=$%d", len(args)))
		}
		if in.Color != nil {
			col, err := helpdesk.ValidateColor(*in.Color)
			if err != nil {
				apppkg.AbortValidation(c, err)
				return
			}
			args = append(args, col)
			sets = append(sets, fmt.Sprintf("color=$%d", len(args)))
		}
		sql := `update categories set ` + strings.Join(sets, ", ") + `, updated_at=now() where id::text = any($1)`
		tag, err := a.DB.Exec(c.Request.Context(), sql, args...)
		if err != nil {
			apppkg.AbortInternal(c, err)
			return
		}
		n := tag.RowsAffected()
		apppkg.OK(c, http.StatusOK, fmt.Sprintf("%d categories updated successfully", n), gin.H{"modifiedCount": n})
	}
}

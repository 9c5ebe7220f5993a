// Package dashboard serves the read-only reporting endpoints under
// /api/dashboard.
package dashboard

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

// StatusCounts counts tickets per status.
type StatusCounts struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	InProgress int `json:"inProgress"`
	Resolved   int `json:"resolved"`
	Closed     int `json:"closed"`
}

// RecentTicket is the short form of a ticket shown on the dashboard.
type RecentTicket struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticketId"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserCounts summarises accounts for admins.
type UserCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// Summary is the role-scoped dashboard payload.
type Summary struct {
	Role          helpdesk.Role  `json:"role"`
	Tickets       StatusCounts   `json:"tickets"`
	ByPriority    map[string]int `json:"byPriority"`
	Unassigned    *int           `json:"unassigned,omitempty"`
	Users         *UserCounts    `json:"users,omitempty"`
	RecentTickets []RecentTicket `json:"recentTickets"`
}

// scopeFor returns the ticket filter for a dashboard viewer. Users see their
// own tickets, agents what is assigned to them, admins everything.
func scopeFor(u authpkg.AuthUser) (string, []any) {
	switch u.Role {
	case helpdesk.RoleAdmin:
		return "", nil
	case helpdesk.RoleAgent:
		return " where t.assigned_to::text=$1", []any{u.ID}
	}
	return " where t.created_by::text=$1", []any{u.ID}
}

func countByStatusAndPriority(ctx context.Context, db app.DB, cond string, args []any) (StatusCounts, map[string]int, error) {
	var s StatusCounts
	byPriority := map[string]int{}
	for _, p := range helpdesk.Priorities {
		byPriority[string(p)] = 0
	}
	rows, err := db.Query(ctx, `select t.status, t.priority, count(*) from tickets t`+cond+` group by t.status, t.priority`, args...)
	if err != nil {
		return s, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, priority string
		var n int
		if err := rows.Scan(&status, &priority, &n); err != nil {
			return s, nil, err
		}
		s.Total += n
		byPriority[priority] += n
		switch helpdesk.Status(status) {
		case helpdesk.StatusOpen:
			s.Open += n
		case helpdesk.StatusInProgress:
			s.InProgress += n
		case helpdesk.StatusResolved:
			s.Resolved += n
		case helpdesk.StatusClosed:
			s.Closed += n
		}
	}
	return s, byPriority, rows.Err()
}

func recent(ctx context.Context, db app.DB, cond string, args []any) ([]RecentTicket, error) {
	rows, err := db.Query(ctx, `select t.id::text, t.ticket_id, t.title, t.status, t.priority, t.created_at from tickets t`+cond+` order by t.created_at desc limit 5`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []RecentTicket{}
	for rows.Next() {
		var r RecentTicket
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Title, &r.Status, &r.Priority, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns counts and recent tickets scoped to the caller's role.
func Stats(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		ctx := c.Request.Context()
		cond, args := scopeFor(u)
		s := Summary{Role: u.Role}
		var err error
		if s.Tickets, s.ByPriority, err = countByStatusAndPriority(ctx, a.DB, cond, args); err != nil {
			app.AbortInternal(c, err)
			return
		}
		if u.IsStaff() {
			var n int
			if err := a.DB.QueryRow(ctx, `select count(*) from tickets where assigned_to is null and status='open'`).Scan(&n); err != nil {
				app.AbortInternal(c, err)
				return
			}
			s.Unassigned = &n
		}
		if u.Role == helpdesk.RoleAdmin {
			var uc UserCounts
			if err := a.DB.QueryRow(ctx, `select count(*), count(*) filter (where is_active) from users`).Scan(&uc.Total, &uc.Active); err != nil {
				app.AbortInternal(c, err)
				return
			}
			s.Users = &uc
		}
		if s.RecentTickets, err = recent(ctx, a.DB, cond, args); err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "", s)
	}
}

var periods = map[string]int{"7d": 7, "30d": 30, "90d": 90}

// DayCount is one point of the created/resolved trend.
type DayCount struct {
	Date     string `json:"date"`
	Created  int    `json:"created"`
	Resolved int    `json:"resolved"`
}

// NamedCount is a label with a count.
type NamedCount struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Count int    `json:"count"`
}

// Analytics is the trend report for a period.
type Analytics struct {
	Period             string       `json:"period"`
	Since              time.Time    `json:"since"`
	Trend              []DayCount   `json:"trend"`
	ByCategory         []NamedCount `json:"byCategory"`
	ByPriority         []NamedCount `json:"byPriority"`
	AvgResolutionHours float64      `json:"avgResolutionHours"`
	AvgSatisfaction    float64      `json:"avgSatisfaction"`
}

// round1 rounds to one decimal place.
func round1(f float64) float64 { return math.Round(f*10) / 10 }

// AnalyticsHandler reports ticket trends for period=7d|30d|90d.
func AnalyticsHandler(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		period := c.DefaultQuery("period", "30d")
		days, ok := periods[period]
		if !ok {
			app.AbortError(c, http.StatusBadRequest, "Invalid period. Use 7d, 30d or 90d", []app.FieldError{{Field: "period", Message: "Invalid period"}})
			return
		}
		now := time.Now().UTC()
		since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))
		ctx := c.Request.Context()
		out := Analytics{Period: period, Since: since, Trend: []DayCount{}, ByCategory: []NamedCount{}, ByPriority: []NamedCount{}}

		const trendQ = `select to_char(d, 'YYYY-MM-DD'),
  (select count(*) from tickets where created_at >= d and created_at < d + interval '1 day'),
  (select count(*) from tickets where resolved_at >= d and resolved_at < d + interval '1 day')
from generate_series($1::timestamptz, now(), interval '1 day') d order by d`
		if err := collect(ctx, a.DB, trendQ, []any{since}, func(scan func(...any) error) error {
			var d DayCount
			if err := scan(&d.Date, &d.Created, &d.Resolved); err != nil {
				return err
			}
			out.Trend = append(out.Trend, d)
			return nil
		}); err != nil {
			app.AbortInternal(c, err)
			return
		}

		const categoryQ = `select coalesce(c.name,'Uncategorized'), coalesce(c.color,''), count(*)
from tickets t left join categories c on c.id=t.category_id
where t.created_at >= $1 group by c.name, c.color order by count(*) desc`
		if err := collect(ctx, a.DB, categoryQ, []any{since}, func(scan func(...any) error) error {
			var n NamedCount
			if err := scan(&n.Name, &n.Color, &n.Count); err != nil {
				return err
			}
			out.ByCategory = append(out.ByCategory, n)
			return nil
		}); err != nil {
			app.AbortInternal(c, err)
			return
		}

		const priorityQ = `select t.priority, count(*) from tickets t where t.created_at >= $1
group by t.priority order by array_position(array['low','medium','high','urgent'], t.priority)`
		if err := collect(ctx, a.DB, priorityQ, []any{since}, func(scan func(...any) error) error {
			var n NamedCount
			if err := scan(&n.Name, &n.Count); err != nil {
				return err
			}
			out.ByPriority = append(out.ByPriority, n)
			return nil
		}); err != nil {
			app.AbortInternal(c, err)
			return
		}

		const avgQ = `select
  coalesce(avg(extract(epoch from (resolved_at - created_at)) / 3600) filter (where resolved_at is not null), 0)::float8,
  coalesce(avg(satisfaction_rating), 0)::float8
from tickets where created_at >= $1`
		if err := a.DB.QueryRow(ctx, avgQ, since).Scan(&out.AvgResolutionHours, &out.AvgSatisfaction); err != nil {
			app.AbortInternal(c, err)
			return
		}
		out.AvgResolutionHours = round1(out.AvgResolutionHours)
		out.AvgSatisfaction = round1(out.AvgSatisfaction)
		app.OK(c, http.StatusOK, "", out)
	}
}

// AgentPerformance is one agent's row in the performance report.
type AgentPerformance struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Email              string  `json:"email"`
	Role               string  `json:"role"`
	Assigned           int     `json:"assigned"`
	Resolved           int     `json:"resolved"`
	ResolutionRate     float64 `json:"resolutionRate"`
	AvgResolutionHours float64 `json:"avgResolutionHours"`
	AvgSatisfaction    float64 `json:"avgSatisfaction"`
	Ratings            int     `json:"ratings"`
}

// resolutionRate is resolved as a percentage of assigned, one decimal.
func resolutionRate(resolved, assigned int) float64 {
	if assigned == 0 {
		return 0
	}
	return round1(float64(resolved) * 100 / float64(assigned))
}

// Performance reports per-agent throughput.
func Performance(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		const q = `select u.id::text, u.name, u.email, u.role,
  count(t.id),
  count(t.id) filter (where t.status in ('resolved','closed')),
  coalesce(avg(extract(epoch from (t.resolved_at - t.created_at)) / 3600) filter (where t.resolved_at is not null), 0)::float8,
  coalesce(avg(t.satisfaction_rating), 0)::float8,
  count(t.satisfaction_rating)
from users u left join tickets t on t.assigned_to=u.id
where u.role in ('agent','admin') and u.is_active
group by u.id order by count(t.id) filter (where t.status in ('resolved','closed')) desc, u.name`
		out := []AgentPerformance{}
		err := collect(c.Request.Context(), a.DB, q, nil, func(scan func(...any) error) error {
			var p AgentPerformance
			if err := scan(&p.ID, &p.Name, &p.Email, &p.Role, &p.Assigned, &p.Resolved, &p.AvgResolutionHours, &p.AvgSatisfaction, &p.Ratings); err != nil {
				return err
			}
			p.ResolutionRate = resolutionRate(p.Resolved, p.Assigned)
			p.AvgResolutionHours = round1(p.AvgResolutionHours)
			p.AvgSatisfaction = round1(p.AvgSatisfaction)
			out = append(out, p)
			return nil
		})
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "", gin.H{"agents": out, "count": len(out)})
	}
}

// collect runs q and hands each row's Scan to fn.
func collect(ctx context.Context, db app.DB, q string, args []any, fn func(scan func(...any) error) error) error {
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

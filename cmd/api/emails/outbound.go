// Package emails exposes the worker's delivery log.
package emails

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
)

// Outbound is one delivery attempt recorded by the worker.
type Outbound struct {
	ID       string    `json:"id"`
	To       string    `json:"to"`
	Template string    `json:"template"`
	Subject  string    `json:"subject"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Retries  int       `json:"retries"`
	TicketID *string   `json:"ticketId,omitempty"`
	Created  time.Time `json:"createdAt"`
}

// ListOutbound returns the last 100 delivery log rows.
func ListOutbound(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := a.DB.Query(c.Request.Context(), `select id::text, to_addr, template, coalesce(subject,''), status, coalesce(error,''), retries, ticket_id::text, created_at from email_outbound order by created_at desc limit 100`)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		defer rows.Close()
		out := []Outbound{}
		for rows.Next() {
			var e Outbound
			var tid *string
			if err := rows.Scan(&e.ID, &e.To, &e.Template, &e.Subject, &e.Status, &e.Error, &e.Retries, &tid, &e.Created); err != nil {
				app.AbortInternal(c, err)
				return
			}
			if tid != nil && *tid != "" {
				e.TicketID = tid
			}
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "", gin.H{"emails": out, "count": len(out)})
	}
}

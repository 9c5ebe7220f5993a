package tickets

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/cmd/api/events"
	"github.com/supportdesk/helpdesk/cmd/api/metrics"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/mailer"
	"github.com/supportdesk/helpdesk/internal/notify"
)

type commentReq struct {
	Content    string `json:"content"`
	IsInternal bool   `json:"isInternal"`
}

// AddComment appends a comment. Only staff may post internal comments, and
// internal comments never notify a requester.
func AddComment(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in commentReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		content, err := helpdesk.ValidateComment(in.Content)
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		t, u, ok := ticketFor(c, a, false)
		if !ok {
			return
		}
		internal := in.IsInternal && u.IsStaff()
		ctx := c.Request.Context()
		cm := helpdesk.Comment{Content: content, IsInternal: internal}
		author := u.Ref()
		cm.Author = &author
		const q = `insert into ticket_comments (ticket_id, author_id, content, is_internal)
values ($1, $2, $3, $4) returning id::text, created_at`
		if err := a.DB.QueryRow(ctx, q, t.ID, u.ID, content, internal).Scan(&cm.ID, &cm.CreatedAt); err != nil {
			app.AbortInternal(c, err)
			return
		}
		if _, err := a.DB.Exec(ctx, `update tickets set updated_at=now() where id=$1`, t.ID); err != nil {
			app.AbortInternal(c, err)
			return
		}
		events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionCommented, "", "", "")
		recipients := notify.Recipients(t, u.ID)
		if internal && t.CreatedBy.Role == helpdesk.RoleUser {
			recipients = without(recipients, t.CreatedBy.ID)
		}
		notifyUsers(ctx, a, t, helpdesk.NotifyTicketCommented, recipients)
		events.PublishTicket(ctx, a.Q, events.TicketUpdated, t)
		app.OK(c, http.StatusCreated, "Comment added successfully", gin.H{"comment": cm})
	}
}

type rateReq struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback" binding:"max=500"`
}

// Rate records the creator's satisfaction with a finished ticket.
func Rate(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in rateReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		rating, err := helpdesk.NewRating(in.Rating)
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		t, u, ok := ticketFor(c, a, false)
		if !ok {
			return
		}
		if t.CreatedBy.ID != u.ID {
			app.AbortError(c, http.StatusForbidden, "Only the ticket creator can rate this ticket", nil)
			return
		}
		if !t.CanRate() {
			app.AbortError(c, http.StatusBadRequest, "Can only rate resolved or closed tickets", nil)
			return
		}
		ctx := c.Request.Context()
		now := time.Now()
		feedback := strings.TrimSpace(in.Feedback)
		const q = `update tickets set satisfaction_rating=$1, satisfaction_feedback=nullif($2,''), rated_at=$3, updated_at=now() where id=$4`
		if _, err := a.DB.Exec(ctx, q, int(rating), feedback, now, t.ID); err != nil {
			app.AbortInternal(c, err)
			return
		}
		t.Satisfaction = &helpdesk.Satisfaction{Rating: rating, Feedback: feedback, RatedAt: &now}
		events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionRated, "", "", "")
		app.OK(c, http.StatusOK, "Ticket rated successfully", gin.H{"ticket": t})
	}
}

type assignReq struct {
	AssignedTo string `json:"assignedTo" binding:"required"`
}

// Assign hands a ticket to an agent and moves it in progress.
func Assign(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in assignReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		t, u, ok := ticketFor(c, a, false)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		agent, err := activeAgent(ctx, a.DB, strings.TrimSpace(in.AssignedTo))
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		prevAssignee, prevStatus := t.AssigneeID(), t.Status
		t.AssignedTo = agent
		if prevStatus == helpdesk.StatusResolved {
			t.ClearResolution()
		}
		t.ApplyStatus(helpdesk.StatusInProgress, u.ID, time.Now())
		if err := save(ctx, a.DB, t); err != nil {
			app.AbortInternal(c, err)
			return
		}
		metrics.TicketsUpdatedTotal.Inc()
		if prevStatus != t.Status {
			events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionStatus, string(prevStatus), string(t.Status), "")
		}
		if prevAssignee != agent.ID {
			events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionAssigned, prevAssignee, agent.ID, "")
			notifyUsers(ctx, a, t, helpdesk.NotifyTicketAssigned, []string{agent.ID})
			mail(ctx, a, t, mailer.TicketAssigned, *agent)
		}
		events.PublishTicket(ctx, a.Q, events.TicketUpdated, t)
		app.OK(c, http.StatusOK, "Ticket assigned successfully", gin.H{"ticket": t})
	}
}

type closeReq struct {
	Resolution string `json:"resolution"`
}

// Close resolves a ticket with a resolution note.
func Close(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in closeReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		resolution, err := helpdesk.ValidateResolution(in.Resolution)
		if err != nil {
			app.AbortValidation(c, err)
			return
		}
		if resolution == "" {
			app.AbortError(c, http.StatusBadRequest, "Resolution is required", []app.FieldError{{Field: "resolution", Message: "Resolution is required"}})
			return
		}
		t, u, ok := ticketFor(c, a, false)
		if !ok {
			return
		}
		if !u.IsStaff() && t.AssigneeID() != u.ID {
			app.AbortError(c, http.StatusForbidden, "Not authorized to close this ticket", nil)
			return
		}
		ctx := c.Request.Context()
		prev := t.Status
		t.Resolve(resolution, u.ID, time.Now())
		if err := save(ctx, a.DB, t); err != nil {
			app.AbortInternal(c, err)
			return
		}
		metrics.TicketsUpdatedTotal.Inc()
		events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionStatus, string(prev), string(t.Status), resolution)
		notifyUsers(ctx, a, t, helpdesk.NotifyTicketResolved, notify.Recipients(t, u.ID))
		if t.CreatedBy.ID != u.ID {
			mail(ctx, a, t, mailer.TicketResolved, t.CreatedBy)
		}
		events.PublishTicket(ctx, a.Q, events.TicketUpdated, t)
		app.OK(c, http.StatusOK, "Ticket closed successfully", gin.H{"ticket": t})
	}
}

type reopenReq struct {
	Reason string `json:"reason" binding:"max=500"`
}

// Reopen returns a resolved ticket to open.
func Reopen(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in reopenReq
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&in); err != nil {
				app.AbortBind(c, err)
				return
			}
		}
		t, u, ok := ticketFor(c, a, false)
		if !ok {
			return
		}
		if !u.IsStaff() && t.CreatedBy.ID != u.ID {
			app.AbortError(c, http.StatusForbidden, "Not authorized to reopen this ticket", nil)
			return
		}
		if err := t.Reopen(); err != nil {
			app.AbortValidation(c, err)
			return
		}
		ctx := c.Request.Context()
		if err := save(ctx, a.DB, t); err != nil {
			app.AbortInternal(c, err)
			return
		}
		metrics.TicketsUpdatedTotal.Inc()
		events.Emit(ctx, a.DB, t.ID, u.ID, events.ActionReopened, string(helpdesk.StatusResolved), string(t.Status), strings.TrimSpace(in.Reason))
		notifyUsers(ctx, a, t, helpdesk.NotifyTicketReopened, notify.Recipients(t, u.ID))
		events.PublishTicket(ctx, a.Q, events.TicketUpdated, t)
		app.OK(c, http.StatusOK, "Ticket reopened successfully", gin.H{"ticket": t})
	}
}

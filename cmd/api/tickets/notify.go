package tickets

import (
	"context"

	"github.com/rs/zerolog/log"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/mailer"
)

// notifyUsers creates in-app notifications. Failures are logged and dropped.
func notifyUsers(ctx context.Context, a *app.App, t *helpdesk.Ticket, typ helpdesk.NotificationType, recipients []string) {
	if len(recipients) == 0 {
		return
	}
	if _, err := a.Notify.NotifyUsers(ctx, t, typ, recipients); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("ticket", t.TicketID).Str("type", string(typ)).Msg("create notification")
	}
}

// mail queues a ticket email to user. Failures are logged and dropped.
func mail(ctx context.Context, a *app.App, t *helpdesk.Ticket, tmpl string, to helpdesk.UserRef) {
	if to.Email == "" {
		return
	}
	err := a.Mail.Enqueue(ctx, mailer.EmailJob{
		To:       to.Email,
		Template: tmpl,
		TicketID: t.ID,
		Data: map[string]any{
			"Name":       to.Name,
			"TicketID":   t.TicketID,
			"Title":      t.Title,
			"Priority":   string(t.Priority),
			"Status":     string(t.Status),
			"Resolution": t.Resolution,
			"URL":        a.Cfg.FrontendURL + "/tickets/" + t.ID,
		},
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("ticket", t.TicketID).Str("template", tmpl).Msg("enqueue ticket email")
	}
}

// without drops id from ids.
func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	apppkg "github.com/supportdesk/helpdesk/cmd/api/app"
)

// History actions.
const (
	ActionCreated   = "created"
	ActionStatus    = "status_changed"
	ActionAssigned  = "assigned"
	ActionCommented = "commented"
	ActionRated     = "rated"
	ActionReopened  = "reopened"
	ActionUpdated   = "updated"
)

// Entry is one row of a ticket's history.
type Entry struct {
	ID        string    `json:"id"`
	ActorID   *string   `json:"actorId,omitempty"`
	ActorName string    `json:"actorName,omitempty"`
	Action    string    `json:"action"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Emit records a ticket history entry. Best effort; errors are logged.
func Emit(ctx context.Context, db apppkg.DB, ticketID, actorID, action, from, to, note string) {
	if db == nil {
		return
	}
	const q = `insert into ticket_history (ticket_id, actor_id, action, from_value, to_value, note)
values ($1, nullif($2,'')::uuid, $3, nullif($4,''), nullif($5,''), nullif($6,''))`
	if _, err := db.Exec(ctx, q, ticketID, actorID, action, from, to, note); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("ticket", ticketID).Str("action", action).Msg("record ticket history")
	}
}

// History returns a ticket's history, oldest first.
func History(ctx context.Context, db apppkg.DB, ticketID string) ([]Entry, error) {
	const q = `select h.id::text, h.actor_id::text, coalesce(u.name,''), h.action, coalesce(h.from_value,''), coalesce(h.to_value,''), coalesce(h.note,''), h.created_at
from ticket_history h left join users u on u.id=h.actor_id
where h.ticket_id=$1 order by h.created_at asc`
	rows, err := db.Query(ctx, q, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorName, &e.Action, &e.From, &e.To, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

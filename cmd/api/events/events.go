// Package events records ticket history and publishes ticket changes for
// realtime clients.
package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/notify"
)

// Event represents a message broadcast to subscribers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Ticket event types.
const (
	TicketCreated = "ticket_created"
	TicketUpdated = "ticket_updated"
	TicketDeleted = "ticket_deleted"
)

// TicketData is the payload of ticket events. Delivery is limited to staff
// and the users named here.
type TicketData struct {
	ID         string          `json:"id"`
	TicketID   string          `json:"ticketId"`
	Status     helpdesk.Status `json:"status"`
	CreatedBy  string          `json:"createdBy"`
	AssignedTo string          `json:"assignedTo,omitempty"`
}

// Publish sends an event to the Redis events channel.
func Publish(ctx context.Context, rdb *redis.Client, ev Event) {
	if rdb == nil {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := rdb.Publish(ctx, notify.EventsChannel, b).Err(); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("type", ev.Type).Msg("publish event")
	}
}

// PublishTicket announces a change to t.
func PublishTicket(ctx context.Context, rdb *redis.Client, typ string, t *helpdesk.Ticket) {
	Publish(ctx, rdb, Event{Type: typ, Data: TicketData{
		ID:         t.ID,
		TicketID:   t.TicketID,
		Status:     t.Status,
		CreatedBy:  t.CreatedBy.ID,
		AssignedTo: t.AssigneeID(),
	}})
}

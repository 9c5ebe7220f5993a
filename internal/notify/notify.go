// Package notify turns ticket events into per-recipient notification rows and
// pushes each new row to the realtime channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

// EventsChannel is the Redis pubsub channel shared with the websocket hub.
const EventsChannel = "events"

// EventType is the event type used for new notifications on EventsChannel.
const EventType = "notification"

// Notification is an in-app message for a single user.
type Notification struct {
	ID              string                        `json:"id"`
	RecipientID     string                        `json:"recipientId"`
	Title           string                        `json:"title"`
	Message         string                        `json:"message"`
	Type            helpdesk.NotificationType     `json:"type"`
	Priority        helpdesk.NotificationPriority `json:"priority"`
	IsRead          bool                          `json:"isRead"`
	ReadAt          *time.Time                    `json:"readAt,omitempty"`
	RelatedTicketID *string                       `json:"relatedTicket,omitempty"`
	ActionURL       string                        `json:"actionUrl,omitempty"`
	Metadata        map[string]any                `json:"metadata,omitempty"`
	CreatedAt       time.Time                     `json:"createdAt"`
}

// DB is the subset of the pool used to insert notifications.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Service creates notifications.
type Service struct {
	DB    DB
	Redis *redis.Client
	// Created is incremented once per inserted row when set.
	Created prometheus.Counter
}

// New returns a Service. rdb may be nil to skip realtime publishing.
func New(db DB, rdb *redis.Client, created prometheus.Counter) *Service {
	return &Service{DB: db, Redis: rdb, Created: created}
}

// Compose builds the notification for a ticket event, without a recipient.
func Compose(t *helpdesk.Ticket, typ helpdesk.NotificationType) Notification {
	n := Notification{
		Type:            typ,
		Priority:        PriorityFor(t.Priority),
		RelatedTicketID: &t.ID,
		ActionURL:       "/tickets/" + t.ID,
		Metadata: map[string]any{
			"ticketId": t.TicketID,
			"status":   string(t.Status),
			"priority": string(t.Priority),
		},
	}
	switch typ {
	case helpdesk.NotifyTicketCreated:
		n.Title = "New Ticket Created"
		n.Message = fmt.Sprintf("Ticket %s: %s has been created with %s priority", t.TicketID, t.Title, t.Priority)
	case helpdesk.NotifyTicketAssigned:
		n.Title = "Ticket Assigned"
		n.Message = fmt.Sprintf("Ticket %s: %s has been assigned to you", t.TicketID, t.Title)
	case helpdesk.NotifyTicketResolved:
		n.Title = "Ticket Resolved"
		n.Message = fmt.Sprintf("Ticket %s: %s has been resolved", t.TicketID, t.Title)
	case helpdesk.NotifyTicketClosed:
		n.Title = "Ticket Closed"
		n.Message = fmt.Sprintf("Ticket %s: %s has been closed", t.TicketID, t.Title)
	case helpdesk.NotifyTicketReopened:
		n.Title = "Ticket Reopened"
		n.Message = fmt.Sprintf("Ticket %s: %s has been reopened", t.TicketID, t.Title)
	case helpdesk.NotifyTicketCommented:
		n.Title = "New Comment"
		n.Message = fmt.Sprintf("A new comment was added to ticket %s: %s", t.TicketID, t.Title)
	default:
		n.Title = "Ticket Updated"
		n.Message = fmt.Sprintf("Ticket %s: %s status changed to %s", t.TicketID, t.Title, t.Status)
	}
	return n
}

// PriorityFor maps a ticket priority onto the notification scale.
func PriorityFor(p helpdesk.Priority) helpdesk.NotificationPriority {
	switch p {
	case helpdesk.PriorityHigh, helpdesk.PriorityUrgent:
		return helpdesk.NotificationHigh
	case helpdesk.PriorityLow:
		return helpdesk.NotificationLow
	}
	return helpdesk.NotificationMedium
}

// Recipients returns the creator and, if distinct, the assignee, skipping exclude.
func Recipients(t *helpdesk.Ticket, exclude string) []string {
	var out []string
	if id := t.CreatedBy.ID; id != "" && id != exclude {
		out = append(out, id)
	}
	if id := t.AssigneeID(); id != "" && id != t.CreatedBy.ID && id != exclude {
		out = append(out, id)
	}
	return out
}

// NotifyTicket notifies the ticket's creator and assignee, except exclude.
func (s *Service) NotifyTicket(ctx context.Context, t *helpdesk.Ticket, typ helpdesk.NotificationType, exclude string) ([]Notification, error) {
	return s.NotifyUsers(ctx, t, typ, Recipients(t, exclude))
}

// NotifyUsers sends the ticket event notification to the given users. It stops
// at the first failed insert.
func (s *Service) NotifyUsers(ctx context.Context, t *helpdesk.Ticket, typ helpdesk.NotificationType, recipients []string) ([]Notification, error) {
	tmpl := Compose(t, typ)
	out := make([]Notification, 0, len(recipients))
	for _, r := range recipients {
		n := tmpl
		n.RecipientID = r
		created, err := s.Create(ctx, n)
		if err != nil {
			return out, fmt.Errorf("notify %s: %w", r, err)
		}
		out = append(out, created)
	}
	return out, nil
}

// Create inserts n and publishes it.
func (s *Service) Create(ctx context.Context, n Notification) (Notification, error) {
	if s == nil || s.DB == nil {
		return n, fmt.Errorf("notification store not configured")
	}
	if n.Type == "" {
		n.Type = helpdesk.NotifySystem
	}
	if n.Priority == "" {
		n.Priority = helpdesk.NotificationMedium
	}
	var meta []byte
	if len(n.Metadata) > 0 {
		b, err := json.Marshal(n.Metadata)
		if err != nil {
			return n, err
		}
		meta = b
	}
	const q = `insert into notifications (recipient_id, title, message, type, priority, related_ticket_id, action_url, metadata)
values ($1, $2, $3, $4, $5, $6, nullif($7,''), coalesce($8::jsonb, '{}'::jsonb))
returning id::text, created_at`
	if err := s.DB.QueryRow(ctx, q, n.RecipientID, n.Title, n.Message, string(n.Type), string(n.Priority), n.RelatedTicketID, n.ActionURL, meta).Scan(&n.ID, &n.CreatedAt); err != nil {
		return n, err
	}
	if s.Created != nil {
		s.Created.Inc()
	}
	s.publish(ctx, n)
	return n, nil
}

func (s *Service) publish(ctx context.Context, n Notification) {
	if s.Redis == nil {
		return
	}
	b, err := json.Marshal(map[string]any{"type": EventType, "data": n})
	if err != nil {
		return
	}
	if err := s.Redis.Publish(ctx, EventsChannel, b).Err(); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("notification", n.ID).Msg("publish notification")
	}
}

// Package helpdesk holds the value types and ticket rules shared by the API
// handlers, the notification service and the worker.
package helpdesk

import (
	"fmt"
	"strings"
)

// Role is the access level of a user account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// ParseRole returns the Role named by s.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleAgent, RoleAdmin:
		return r, nil
	}
	return "", &ValidationError{Field: "role", Message: "Invalid role"}
}

// IsStaff reports whether the role may be assigned tickets and see internal comments.
func (r Role) IsStaff() bool { return r == RoleAgent || r == RoleAdmin }

// Priority is the urgency of a ticket.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every priority in ascending order.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// ParsePriority returns the Priority named by s. An empty string yields the
// default priority, medium.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PriorityMedium, nil
	}
	for _, p := range Priorities {
		if Priority(s) == p {
			return p, nil
		}
	}
	return "", &ValidationError{Field: "priority", Message: "Invalid priority level"}
}

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusResolved, StatusClosed}

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range Statuses {
		if Status(s) == st {
			return st, nil
		}
	}
	return "", &ValidationError{Field: "status", Message: "Invalid status"}
}

// NotificationType identifies the event a notification reports.
type NotificationType string

const (
	NotifyTicketCreated   NotificationType = "ticket_created"
	NotifyTicketAssigned  NotificationType = "ticket_assigned"
	NotifyTicketUpdated   NotificationType = "ticket_updated"
	NotifyTicketResolved  NotificationType = "ticket_resolved"
	NotifyTicketClosed    NotificationType = "ticket_closed"
	NotifyTicketReopened  NotificationType = "ticket_reopened"
	NotifyTicketCommented NotificationType = "ticket_commented"
	NotifySystem          NotificationType = "system"
)

var notificationTypes = []NotificationType{
	NotifyTicketCreated, NotifyTicketAssigned, NotifyTicketUpdated, NotifyTicketResolved,
	NotifyTicketClosed, NotifyTicketReopened, NotifyTicketCommented, NotifySystem,
}

// ParseNotificationType returns the NotificationType named by s. Empty means system.
func ParseNotificationType(s string) (NotificationType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NotifySystem, nil
	}
	for _, t := range notificationTypes {
		if NotificationType(s) == t {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "type", Message: "Invalid notification type"}
}

// NotificationPriority ranks how prominently a notification is shown.
type NotificationPriority string

const (
	NotificationLow    NotificationPriority = "low"
	NotificationMedium NotificationPriority = "medium"
	NotificationHigh   NotificationPriority = "high"
)

// ParseNotificationPriority returns the priority named by s. Empty means medium.
func ParseNotificationPriority(s string) (NotificationPriority, error) {
	switch p := NotificationPriority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return NotificationMedium, nil
	case NotificationLow, NotificationMedium, NotificationHigh:
		return p, nil
	}
	return "", &ValidationError{Field: "priority", Message: "Invalid notification priority"}
}

// ValidationError reports an invalid input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

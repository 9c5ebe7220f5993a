// Package mailer renders transactional emails, queues them on Redis for the
// worker and delivers them over SMTP.
package mailer

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net/smtp"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// QueueKey is the Redis list the worker consumes.
const QueueKey = "jobs"

// JobSendEmail is the job type for outbound email.
const JobSendEmail = "send_email"

// Template names.
const (
	Welcome        = "welcome"
	TicketCreated  = "ticket_created"
	TicketUpdated  = "ticket_updated"
	TicketResolved = "ticket_resolved"
	TicketAssigned = "ticket_assigned"
	PasswordReset  = "password_reset"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// Job is the envelope pushed on QueueKey.
type Job struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EmailJob asks the worker to render Template with Data and send it to To.
type EmailJob struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
	TicketID string         `json:"ticket_id,omitempty"`
}

// Queue pushes email jobs for the worker.
type Queue struct {
	rdb      *redis.Client
	enqueued prometheus.Counter
}

// NewQueue returns a Queue. rdb may be nil, in which case jobs are dropped.
func NewQueue(rdb *redis.Client, enqueued prometheus.Counter) *Queue {
	return &Queue{rdb: rdb, enqueued: enqueued}
}

// Enqueue pushes an email job.
func (q *Queue) Enqueue(ctx context.Context, j EmailJob) error {
	if q == nil || q.rdb == nil {
		log.Ctx(ctx).Warn().Str("template", j.Template).Msg("email queue unavailable, dropping email")
		return nil
	}
	if templates.Lookup(j.Template+"_subject") == nil {
		return fmt.Errorf("unknown email template %q", j.Template)
	}
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Job{Type: JobSendEmail, Data: data})
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, QueueKey, payload).Err(); err != nil {
		return err
	}
	if q.enqueued != nil {
		q.enqueued.Inc()
	}
	return nil
}

// Config is the SMTP transport configuration.
type Config struct {
	Host string
	Port string
	User string
	Pass string
	From string
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Sender renders and delivers email.
type Sender struct {
	Cfg      Config
	SendMail SendMailFunc
}

// NewSender returns a Sender delivering through net/smtp.
func NewSender(cfg Config) *Sender {
	return &Sender{Cfg: cfg, SendMail: smtp.SendMail}
}

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	htmlPolicy = bluemonday.UGCPolicy()
)

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}

// ValidAddress reports whether s is a plausible email address.
func ValidAddress(s string) bool { return emailRegex.MatchString(s) }

func cleanAddress(s string) (string, error) {
	s = sanitizeHeader(s)
	if s == "" {
		return "", fmt.Errorf("email address cannot be empty")
	}
	if !ValidAddress(s) {
		return "", fmt.Errorf("invalid email address format: %s", s)
	}
	return s, nil
}

// Render executes the named template pair and returns subject and sanitized body.
func Render(name string, data any) (string, string, error) {
	if templates.Lookup(name+"_subject") == nil || templates.Lookup(name+"_body") == nil {
		return "", "", fmt.Errorf("unknown email template %q", name)
	}
	var subj, body bytes.Buffer
	if err := templates.ExecuteTemplate(&subj, name+"_subject", data); err != nil {
		return "", "", err
	}
	if err := templates.ExecuteTemplate(&body, name+"_body", data); err != nil {
		return "", "", err
	}
	return sanitizeHeader(subj.String()), string(htmlPolicy.SanitizeBytes(body.Bytes())), nil
}

// Send renders j and delivers it. It returns the rendered subject so callers
// can record the delivery.
func (s *Sender) Send(j EmailJob) (string, error) {
	to, err := cleanAddress(j.To)
	if err != nil {
		return "", fmt.Errorf("invalid To address: %w", err)
	}
	from, err := cleanAddress(s.Cfg.From)
	if err != nil {
		return "", fmt.Errorf("invalid From address: %w", err)
	}
	subject, body, err := Render(j.Template, j.Data)
	if err != nil {
		return "", err
	}
	var msg bytes.Buffer
	msg.WriteString("From: " + from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(body)
	var auth smtp.Auth
	if s.Cfg.User != "" {
		auth = smtp.PlainAuth("", s.Cfg.User, s.Cfg.Pass, s.Cfg.Host)
	}
	send := s.SendMail
	if send == nil {
		send = smtp.SendMail
	}
	return subject, send(s.Cfg.Host+":"+s.Cfg.Port, auth, from, []string{to}, msg.Bytes())
}

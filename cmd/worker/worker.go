package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/supportdesk/helpdesk/internal/mailer"
)

// DB is the part of the pool used to record deliveries.
type DB interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Mailer sends a rendered email job.
type Mailer interface {
	Send(j mailer.EmailJob) (string, error)
}

// Worker consumes mailer jobs from Redis.
type Worker struct {
	DB     DB
	Redis  *redis.Client
	Mailer Mailer
	// MaxAttempts bounds delivery attempts per email; Backoff grows linearly between them.
	MaxAttempts int
	Backoff     time.Duration
	// PollTimeout bounds each BLPOP so shutdown is noticed.
	PollTimeout time.Duration
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Msg("worker started")
	for ctx.Err() == nil {
		if _, err := w.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("process job")
			time.Sleep(time.Second)
		}
	}
	log.Info().Msg("worker stopped")
}

// ProcessNext waits up to PollTimeout for a job and handles it. It reports
// whether a job was taken off the queue.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	res, err := w.Redis.BLPop(ctx, w.PollTimeout, mailer.QueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blpop: %w", err)
	}
	if len(res) < 2 {
		return false, nil
	}
	return true, w.Handle(ctx, []byte(res[1]))
}

// Handle decodes and runs one queued job.
func (w *Worker) Handle(ctx context.Context, payload []byte) error {
	var job mailer.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	switch job.Type {
	case mailer.JobSendEmail:
		var ej mailer.EmailJob
		if err := json.Unmarshal(job.Data, &ej); err != nil {
			return fmt.Errorf("unmarshal email job: %w", err)
		}
		return w.deliver(ctx, ej)
	default:
		log.Warn().Str("type", job.Type).Msg("unknown job type")
		return nil
	}
}

func (w *Worker) deliver(ctx context.Context, j mailer.EmailJob) error {
	attempts := w.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var subject string
	var err error
	retries := 0
	for i := 0; i < attempts; i++ {
		if i > 0 {
			retries++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * w.Backoff):
			}
		}
		if subject, err = w.Mailer.Send(j); err == nil {
			break
		}
		log.Warn().Err(err).Str("template", j.Template).Int("attempt", i+1).Msg("send email")
	}
	status, errText := "sent", ""
	if err != nil {
		status, errText = "failed", err.Error()
	}
	const q = `insert into email_outbound (to_addr, template, subject, status, error, retries, ticket_id)
values ($1, $2, nullif($3,''), $4, nullif($5,''), $6, nullif($7,'')::uuid)`
	if _, dbErr := w.DB.Exec(ctx, q, j.To, j.Template, subject, status, errText, retries, j.TicketID); dbErr != nil {
		log.Error().Err(dbErr).Str("to", j.To).Msg("record email")
	}
	if err != nil {
		return fmt.Errorf("send %s email: %w", j.Template, err)
	}
	log.Info().Str("template", j.Template).Msg("email sent")
	return nil
}

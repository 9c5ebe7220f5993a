package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/pgxfake"
)

func ticket() *helpdesk.Ticket {
	return &helpdesk.Ticket{
		ID:         "t1",
		TicketID:   "TKT-20240101-001",
		Title:      "Printer not working",
		Priority:   helpdesk.PriorityUrgent,
		Status:     helpdesk.StatusResolved,
		CreatedBy:  helpdesk.UserRef{ID: "owner"},
		AssignedTo: &helpdesk.UserRef{ID: "agent"},
	}
}

func TestRecipients(t *testing.T) {
	tk := ticket()
	assert.Equal(t, []string{"owner", "agent"}, Recipients(tk, ""))
	assert.Equal(t, []string{"owner"}, Recipients(tk, "agent"))
	assert.Equal(t, []string{"agent"}, Recipients(tk, "owner"))

	tk.AssignedTo = &helpdesk.UserRef{ID: "owner"}
	assert.Equal(t, []string{"owner"}, Recipients(tk, ""))
	assert.Empty(t, Recipients(tk, "owner"))

	tk.AssignedTo = nil
	assert.Equal(t, []string{"owner"}, Recipients(tk, "someone"))
}

func TestCompose(t *testing.T) {
	tk := ticket()
	n := Compose(tk, helpdesk.NotifyTicketResolved)
	assert.Equal(t, "Ticket Resolved", n.Title)
	assert.Contains(t, n.Message, "TKT-20240101-001")
	assert.Equal(t, "/tickets/t1", n.ActionURL)
	assert.Equal(t, helpdesk.NotificationHigh, n.Priority)

	n = Compose(tk, helpdesk.NotifyTicketUpdated)
	assert.Equal(t, "Ticket Updated", n.Title)
	assert.Contains(t, n.Message, "resolved")

	assert.Equal(t, helpdesk.NotificationLow, PriorityFor(helpdesk.PriorityLow))
	assert.Equal(t, helpdesk.NotificationMedium, PriorityFor(helpdesk.PriorityMedium))
}

func TestNotifyTicketInsertsAndPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()
	sub := rdb.Subscribe(ctx, EventsChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	now := time.Now()
	db := pgxfake.New().On("insert into notifications", func(args []any) pgxfake.Result {
		return pgxfake.Result{Rows: [][]any{{"n-" + args[0].(string), now}}}
	})
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_notifications_total"})
	svc := New(db, rdb, counter)

	out, err := svc.NotifyTicket(ctx, ticket(), helpdesk.NotifyTicketResolved, "agent")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "n-owner", out[0].ID)
	assert.Equal(t, "owner", out[0].RecipientID)
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))

	calls := db.Calls("insert into notifications")
	require.Len(t, calls, 1)
	assert.Equal(t, "owner", calls[0].Args[0])
	assert.Equal(t, "ticket_resolved", calls[0].Args[3])

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var ev struct {
		Type string       `json:"type"`
		Data Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, EventType, ev.Type)
	assert.Equal(t, "owner", ev.Data.RecipientID)
}

func TestCreateLogsPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())
	db := pgxfake.New().Returns("insert into notifications", []any{"n1", time.Now()})
	n, err := New(db, rdb, nil).Create(ctx, Notification{RecipientID: "u1", Title: "Hi", Message: "There"})
	require.NoError(t, err)
	assert.Equal(t, "n1", n.ID)
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), `"notification":"n1"`)
	assert.Contains(t, buf.String(), "publish notification")
}

func TestNotifyStopsOnError(t *testing.T) {
	db := pgxfake.New().Fails("insert into notifications", errors.New("down"))
	svc := New(db, nil, nil)
	out, err := svc.NotifyTicket(context.Background(), ticket(), helpdesk.NotifyTicketUpdated, "")
	assert.Error(t, err)
	assert.Empty(t, out)
}

func TestCreateDefaults(t *testing.T) {
	db := pgxfake.New().Returns("insert into notifications", []any{"n1", time.Now()})
	svc := New(db, nil, nil)
	n, err := svc.Create(context.Background(), Notification{RecipientID: "u1", Title: "Maintenance", Message: "Tonight"})
	require.NoError(t, err)
	assert.Equal(t, helpdesk.NotifySystem, n.Type)
	assert.Equal(t, helpdesk.NotificationMedium, n.Priority)

	var nilSvc *Service
	_, err = nilSvc.Create(context.Background(), Notification{})
	assert.Error(t, err)
}

package emails_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/supportdesk/helpdesk/cmd/api/apptest"
	"github.com/supportdesk/helpdesk/cmd/api/emails"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

func TestListOutbound(t *testing.T) {
	e := apptest.New(t)
	e.DB.Returns("from email_outbound",
		[]any{"1", "to@example.com", "ticket_created", "subject", "sent", "", 1, nil, time.Unix(0, 0)},
		[]any{"2", "to@example.com", "welcome", "hi", "failed", "dial tcp: refused", 3, "t1", time.Unix(0, 0)})
	rr := e.Do(http.MethodGet, "/api/emails/outbound", "", e.Login("admin", helpdesk.RoleAdmin))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Emails []emails.Outbound `json:"emails"`
		Count  int               `json:"count"`
	}
	apptest.Data(t, rr, &out)
	if out.Count != 2 || out.Emails[0].Retries != 1 || out.Emails[0].TicketID != nil {
		t.Fatalf("unexpected response %+v", out)
	}
	if out.Emails[1].TicketID == nil || *out.Emails[1].TicketID != "t1" || out.Emails[1].Error == "" {
		t.Fatalf("unexpected failed row %+v", out.Emails[1])
	}
}

func TestListOutboundAdminOnly(t *testing.T) {
	e := apptest.New(t)
	rr := e.Do(http.MethodGet, "/api/emails/outbound", "", e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

package tickets_test

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/supportdesk/helpdesk/cmd/api/apptest"
	"github.com/supportdesk/helpdesk/cmd/api/events"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/mailer"
	"github.com/supportdesk/helpdesk/internal/pgxfake"
)

type ticket struct {
	id, status, creator, assignee string
	creatorRole                   helpdesk.Role
	resolvedAt                    *time.Time
	resolvedBy                    string
}

// row matches tickets.Columns.
func (tk ticket) row() []any {
	var assignee any
	if tk.assignee != "" {
		assignee = tk.assignee
	}
	role := tk.creatorRole
	if role == "" {
		role = helpdesk.RoleUser
	}
	var resolvedAt, resolvedBy, resolution any
	if tk.resolvedAt != nil {
		resolvedAt, resolvedBy, resolution = *tk.resolvedAt, tk.resolvedBy, "Earlier fix"
	}
	now := time.Now()
	return []any{tk.id, "TKT-20240101-001", "Printer is broken", "The office printer jams on every page", "medium", tk.status,
		"c1", "Hardware", "#3B82F6",
		tk.creator, "Creator", tk.creator + "@example.com", string(role),
		assignee, "Assignee", "assignee@example.com", "agent",
		[]string{"printer"}, nil, resolution, resolvedAt, resolvedBy, nil,
		nil, "", nil, now, now}
}

func serve(e *apptest.Env, tk ticket) {
	e.DB.Returns("t.ticket_id=$1", tk.row())
}

func notifiedUsers(e *apptest.Env) map[string]string {
	out := map[string]string{}
	for _, c := range e.DB.Calls("insert into notifications") {
		out[c.Args[0].(string)] = c.Args[3].(string)
	}
	return out
}

func saved(t *testing.T, e *apptest.Env) []any {
	t.Helper()
	calls := e.DB.Calls("update tickets set title=$1")
	if len(calls) != 1 {
		t.Fatalf("expected one save, got %d", len(calls))
	}
	return calls[0].Args
}

func TestGetStripsInternalCommentsForUsers(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "open", creator: "u1"})
	now := time.Now()
	e.DB.Returns("from ticket_comments cm",
		[]any{"cm1", "public note", false, now, "a1", "Agent", "a1@example.com", "agent"},
		[]any{"cm2", "internal note", true, now, "a1", "Agent", "a1@example.com", "agent"})

	var out struct {
		Ticket helpdesk.Ticket `json:"ticket"`
	}
	rr := e.Do(http.MethodGet, "/api/tickets/t1", "", e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	apptest.Data(t, rr, &out)
	if len(out.Ticket.Comments) != 1 || out.Ticket.Comments[0].ID != "cm1" {
		t.Fatalf("user should only see public comments, got %+v", out.Ticket.Comments)
	}

	rr = e.Do(http.MethodGet, "/api/tickets/t1", "", e.Login("a1", helpdesk.RoleAgent))
	apptest.Data(t, rr, &out)
	if len(out.Ticket.Comments) != 2 {
		t.Fatalf("agent should see every comment, got %d", len(out.Ticket.Comments))
	}
}

func TestGetAccess(t *testing.T) {
	e := apptest.New(t)
	if rr := e.Do(http.MethodGet, "/api/tickets/nope", "", e.Login("u1", helpdesk.RoleUser)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	serve(e, ticket{id: "t1", status: "open", creator: "u1", assignee: "u3"})
	if rr := e.Do(http.MethodGet, "/api/tickets/t1", "", e.Login("u2", helpdesk.RoleUser)); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", rr.Code)
	}
	if rr := e.Do(http.MethodGet, "/api/tickets/t1", "", e.Login("u3", helpdesk.RoleUser)); rr.Code != http.StatusOK {
		t.Fatalf("assignee: expected 200, got %d", rr.Code)
	}
}

func TestListScopesUsersToOwnTickets(t *testing.T) {
	e := apptest.New(t)
	e.DB.Returns("select count(*) from tickets t", []any{1})
	e.DB.Returns("join users cu on cu.id=t.created_by", ticket{id: "t1", status: "open", creator: "u1"}.row())
	rr := e.Do(http.MethodGet, "/api/tickets?status=open&page=1&limit=10", "", e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Tickets    []helpdesk.Ticket `json:"tickets"`
		Pagination struct{ Total int } `json:"pagination"`
	}
	apptest.Data(t, rr, &out)
	if len(out.Tickets) != 1 || out.Pagination.Total != 1 {
		t.Fatalf("unexpected page %+v", out)
	}
	calls := e.DB.Calls("select count(*) from tickets t")
	if len(calls) != 1 || !strings.Contains(calls[0].SQL, "t.created_by=$1") {
		t.Fatalf("count query not scoped: %+v", calls)
	}
	if args := calls[0].Args; args[0] != "u1" || args[1] != "open" {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestListAssignedToMe(t *testing.T) {
	e := apptest.New(t)
	e.DB.Returns("select count(*) from tickets t", []any{0})
	rr := e.Do(http.MethodGet, "/api/tickets?assignedTo=me&sortBy=priority&sortOrder=asc", "", e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	calls := e.DB.Calls("order by array_position")
	if len(calls) != 1 {
		t.Fatalf("expected list query sorted by priority")
	}
	if strings.Contains(calls[0].SQL, "created_by=$") || !strings.Contains(calls[0].SQL, "t.assigned_to::text=$1") || calls[0].Args[0] != "a1" {
		t.Fatalf("unexpected list query %+v", calls[0])
	}
	if !strings.Contains(calls[0].SQL, " asc nulls last") {
		t.Fatalf("expected ascending order: %s", calls[0].SQL)
	}
}

func TestListRejectsBadStatus(t *testing.T) {
	e := apptest.New(t)
	rr := e.Do(http.MethodGet, "/api/tickets?status=waiting", "", e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStatsCountsByStatusAndPriority(t *testing.T) {
	e := apptest.New(t)
	e.DB.Returns("group by t.status, t.priority",
		[]any{"open", "high", 2},
		[]any{"open", "low", 1},
		[]any{"closed", "high", 4})
	rr := e.Do(http.MethodGet, "/api/tickets/stats", "", e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out struct {
		Total      int
		ByStatus   map[string]int `json:"byStatus"`
		ByPriority map[string]int `json:"byPriority"`
	}
	apptest.Data(t, rr, &out)
	if out.Total != 7 || out.ByStatus["open"] != 3 || out.ByStatus["in-progress"] != 0 || out.ByPriority["high"] != 6 {
		t.Fatalf("unexpected stats %+v", out)
	}
	if c := e.DB.Calls("group by t.status, t.priority"); c[0].Args[0] != "u1" {
		t.Fatalf("stats should be scoped to the user")
	}
}

// creationRoutes scripts a successful ticket insert returning id t1.
func creationRoutes(e *apptest.Env) {
	e.DB.Returns("from categories where id::text=$1 and is_active", []any{"c1", "Hardware", "#3B82F6"})
	e.DB.Returns("insert into ticket_counters", []any{int64(7)})
	e.DB.Returns("insert into tickets (", []any{"t1"})
	e.DB.Returns("insert into notifications", []any{"n1", time.Now()})
	serve(e, ticket{id: "t1", status: "open", creator: "u1"})
}

var ticketNumber = regexp.MustCompile(`^TKT-\d{8}-007$`)

func TestCreateTicket(t *testing.T) {
	e := apptest.NewWithRedis(t)
	creationRoutes(e)
	body := `{"title":"Printer is broken","description":"The office printer jams on every page","priority":"high","category":"c1","tags":["Printer"," printer ","office"]}`
	rr := e.Do(http.MethodPost, "/api/tickets", body, e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	ins := e.DB.Calls("insert into tickets (")
	if len(ins) != 1 {
		t.Fatalf("expected one insert, got %d", len(ins))
	}
	args := ins[0].Args
	if !ticketNumber.MatchString(args[0].(string)) || args[3] != "high" || args[4] != "c1" || args[5] != "u1" {
		t.Fatalf("unexpected insert args %v", args)
	}
	if tags := args[6].([]string); len(tags) != 2 || tags[0] != "printer" || tags[1] != "office" {
		t.Fatalf("tags not normalised: %v", tags)
	}
	if got := notifiedUsers(e); got["u1"] != string(helpdesk.NotifyTicketCreated) {
		t.Fatalf("creator not notified: %v", got)
	}
	if h := e.DB.Calls("insert into ticket_history"); len(h) != 1 || h[0].Args[2] != events.ActionCreated {
		t.Fatalf("expected created history row, got %+v", h)
	}
	jobs, _ := e.Redis.List(mailer.QueueKey)
	if len(jobs) != 1 || !strings.Contains(jobs[0], mailer.TicketCreated) {
		t.Fatalf("expected ticket_created email, got %v", jobs)
	}
}

func TestCreateRetriesTicketNumberCollision(t *testing.T) {
	e := apptest.New(t)
	attempts := 0
	e.DB.On("insert into tickets (", func([]any) pgxfake.Result {
		attempts++
		if attempts == 1 {
			return pgxfake.Result{Err: &pgconn.PgError{Code: "23505"}}
		}
		return pgxfake.Result{Rows: [][]any{{"t1"}}}
	})
	creationRoutes(e)
	body := `{"title":"Printer is broken","description":"The office printer jams on every page","category":"c1"}`
	rr := e.Do(http.MethodPost, "/api/tickets", body, e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if n := len(e.DB.Calls("insert into ticket_counters")); n != 2 {
		t.Fatalf("expected two counter draws, got %d", n)
	}
	if ins := e.DB.Calls("insert into tickets ("); ins[1].Args[3] != "medium" {
		t.Fatalf("priority should default to medium, got %v", ins[1].Args[3])
	}
}

func TestCreateValidation(t *testing.T) {
	e := apptest.New(t)
	authz := e.Login("u1", helpdesk.RoleUser)
	tests := []struct {
		name, body, field, message string
	}{
		{"short title", `{"title":"Hey","description":"The office printer jams","category":"c1"}`, "title", "Ticket subject must be at least 5 characters long"},
		{"short description", `{"title":"Printer broken","description":"jams","category":"c1"}`, "description", "Ticket description must be at least 10 characters long"},
		{"bad priority", `{"title":"Printer broken","description":"The office printer jams","priority":"asap","category":"c1"}`, "priority", ""},
		{"no category", `{"title":"Printer broken","description":"The office printer jams"}`, "category", "Category is required"},
		{"inactive category", `{"title":"Printer broken","description":"The office printer jams","category":"c9"}`, "category", "Invalid or inactive category"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := e.Do(http.MethodPost, "/api/tickets", tc.body, authz)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			res := apptest.Decode(t, rr)
			if len(res.Errors) != 1 || res.Errors[0].Field != tc.field {
				t.Fatalf("unexpected errors %+v", res.Errors)
			}
			if tc.message != "" && res.Message != tc.message {
				t.Fatalf("want %q, got %q", tc.message, res.Message)
			}
		})
	}
	if e.DB.Called("insert into tickets (") {
		t.Fatal("invalid tickets must not be inserted")
	}
}

func multipartTicket(t *testing.T, files map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	_ = w.WriteField("title", "Printer is broken")
	_ = w.WriteField("description", "The office printer jams on every page")
	_ = w.WriteField("category", "c1")
	_ = w.WriteField("tags", "printer,office")
	for name, content := range files {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="attachments"; filename="`+name+`"`)
		h.Set("Content-Type", "text/plain")
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = part.Write([]byte(content))
	}
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/tickets", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestCreateWithAttachments(t *testing.T) {
	dir := t.TempDir()
	e := apptest.New(t, apptest.WithUploads(dir))
	creationRoutes(e)
	rr := e.Send(multipartTicket(t, map[string]string{"log.txt": "paper jam at tray 2"}), e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if tags := e.DB.Calls("insert into tickets (")[0].Args[6].([]string); len(tags) != 2 {
		t.Fatalf("expected comma separated tags to split, got %v", tags)
	}
	rows := e.DB.Calls("insert into ticket_attachments")
	if len(rows) != 1 || rows[0].Args[0] != "t1" || rows[0].Args[2] != "log.txt" {
		t.Fatalf("unexpected attachment rows %+v", rows)
	}
	stored, _ := os.ReadDir(dir)
	if len(stored) != 1 {
		t.Fatalf("expected one stored file, got %d", len(stored))
	}
}

func TestCreateRejectsDisallowedFile(t *testing.T) {
	dir := t.TempDir()
	e := apptest.New(t, apptest.WithUploads(dir))
	creationRoutes(e)
	rr := e.Send(multipartTicket(t, map[string]string{"run.exe": "MZ"}), e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if msg := apptest.Decode(t, rr).Message; msg != "File type not allowed: run.exe" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestCreateRemovesFilesWhenInsertFails(t *testing.T) {
	dir := t.TempDir()
	e := apptest.New(t, apptest.WithUploads(dir))
	e.DB.Fails("insert into tickets (", errors.New("boom"))
	creationRoutes(e)
	rr := e.Send(multipartTicket(t, map[string]string{"log.txt": "paper jam"}), e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if stored, _ := os.ReadDir(dir); len(stored) != 0 {
		t.Fatalf("stored files should be removed, found %d", len(stored))
	}
}

func TestUpdateCapabilities(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		role    helpdesk.Role
		userID  string
		body    string
		code    int
		message string
	}{
		{"owner edits open ticket", "open", helpdesk.RoleUser, "u1", `{"title":"Printer still broken"}`, http.StatusOK, "Ticket updated successfully"},
		{"owner cannot change status", "open", helpdesk.RoleUser, "u1", `{"status":"closed","title":"Printer fixed now"}`, http.StatusForbidden, "Not authorized to update fields: status"},
		{"owner locked after open", "in-progress", helpdesk.RoleUser, "u1", `{"title":"Printer still broken"}`, http.StatusForbidden, "Not authorized to update fields: title"},
		{"stranger", "open", helpdesk.RoleUser, "u2", `{"title":"Printer still broken"}`, http.StatusForbidden, "Not authorized to access this ticket"},
		{"assignee cannot recategorise", "open", helpdesk.RoleUser, "u3", `{"category":"c2"}`, http.StatusForbidden, "Not authorized to update fields: category"},
		{"agent may recategorise", "open", helpdesk.RoleAgent, "a1", `{"category":"c2"}`, http.StatusOK, ""},
		{"empty body", "open", helpdesk.RoleAgent, "a1", `{}`, http.StatusBadRequest, "No updates provided"},
		{"assign to non agent", "open", helpdesk.RoleAgent, "a1", `{"assignedTo":"u2"}`, http.StatusBadRequest, "Invalid agent assignment"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := apptest.New(t)
			serve(e, ticket{id: "t1", status: tc.status, creator: "u1", assignee: "u3"})
			e.DB.Returns("from categories where id::text=$1 and is_active", []any{"c2", "Software", "#000000"})
			rr := e.Do(http.MethodPut, "/api/tickets/t1", tc.body, e.Login(tc.userID, tc.role))
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rr.Code, rr.Body.String())
			}
			if tc.message != "" {
				if msg := apptest.Decode(t, rr).Message; msg != tc.message {
					t.Fatalf("want %q, got %q", tc.message, msg)
				}
			}
			if wrote := e.DB.Called("update tickets set title=$1"); wrote != (tc.code == http.StatusOK) {
				t.Fatalf("save called = %v", wrote)
			}
		})
	}
}

func TestUpdateDueDateFormats(t *testing.T) {
	tests := []struct {
		in   string
		code int
		want time.Time
	}{
		{"2024-12-31", http.StatusOK, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
		{"2024-12-31T15:30:00Z", http.StatusOK, time.Date(2024, 12, 31, 15, 30, 0, 0, time.UTC)},
		{"31/12/2024", http.StatusBadRequest, time.Time{}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			e := apptest.New(t)
			serve(e, ticket{id: "t1", status: "open", creator: "u1", assignee: "a1"})
			rr := e.Do(http.MethodPut, "/api/tickets/t1", `{"dueDate":"`+tc.in+`"}`, e.Login("a1", helpdesk.RoleAgent))
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rr.Code, rr.Body.String())
			}
			if tc.code != http.StatusOK {
				return
			}
			due, _ := saved(t, e)[7].(*time.Time)
			if due == nil || !due.Equal(tc.want) {
				t.Fatalf("want due date %v, got %v", tc.want, due)
			}
		})
	}
}

func TestUpdateToResolvedNotifiesAndStamps(t *testing.T) {
	e := apptest.NewWithRedis(t)
	serve(e, ticket{id: "t1", status: "in-progress", creator: "u1", assignee: "a1"})
	e.DB.Returns("insert into notifications", []any{"n1", time.Now()})
	rr := e.Do(http.MethodPut, "/api/tickets/t1", `{"status":"resolved","resolution":"Replaced the roller"}`, e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	args := saved(t, e)
	if args[3] != "resolved" || args[8] != "Replaced the roller" {
		t.Fatalf("unexpected save %v", args)
	}
	if ts, _ := args[9].(*time.Time); ts == nil {
		t.Fatal("resolvedAt should be stamped")
	}
	if by, _ := args[10].(*string); by == nil || *by != "a1" {
		t.Fatalf("resolvedBy should be the actor, got %v", args[10])
	}
	got := notifiedUsers(e)
	if len(got) != 1 || got["u1"] != string(helpdesk.NotifyTicketResolved) {
		t.Fatalf("expected only the creator to be told, got %v", got)
	}
	h := e.DB.Calls("insert into ticket_history")
	if len(h) != 1 || h[0].Args[2] != events.ActionStatus || h[0].Args[3] != "in-progress" || h[0].Args[4] != "resolved" {
		t.Fatalf("unexpected history %+v", h)
	}
	jobs, _ := e.Redis.List(mailer.QueueKey)
	if len(jobs) != 1 || !strings.Contains(jobs[0], mailer.TicketResolved) {
		t.Fatalf("expected ticket_resolved email, got %v", jobs)
	}
}

func TestAddComment(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "open", creator: "u1", assignee: "a2"})
	e.DB.Returns("insert into ticket_comments", []any{"cm1", time.Now()})
	e.DB.Returns("insert into notifications", []any{"n1", time.Now()})

	rr := e.Do(http.MethodPost, "/api/tickets/t1/comments", `{"content":"Checked the logs","isInternal":true}`, e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if args := e.DB.Calls("insert into ticket_comments")[0].Args; args[3] != true || args[1] != "a1" {
		t.Fatalf("unexpected comment args %v", args)
	}
	if got := notifiedUsers(e); len(got) != 1 || got["a2"] != string(helpdesk.NotifyTicketCommented) {
		t.Fatalf("internal comment should only notify staff, got %v", got)
	}

	rr = e.Do(http.MethodPost, "/api/tickets/t1/comments", `{"content":"Any update?","isInternal":true}`, e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if args := e.DB.Calls("insert into ticket_comments")[1].Args; args[3] != false {
		t.Fatal("users cannot post internal comments")
	}

	rr = e.Do(http.MethodPost, "/api/tickets/t1/comments", `{"content":"   "}`, e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty comment: expected 400, got %d", rr.Code)
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		name   string
		status string
		userID string
		body   string
		code   int
	}{
		{"out of range", "resolved", "u1", `{"rating":6}`, http.StatusBadRequest},
		{"not creator", "resolved", "u2", `{"rating":4}`, http.StatusForbidden},
		{"still open", "open", "u1", `{"rating":4}`, http.StatusBadRequest},
		{"resolved", "resolved", "u1", `{"rating":5,"feedback":"Quick fix"}`, http.StatusOK},
		{"closed", "closed", "u1", `{"rating":1}`, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := apptest.New(t)
			serve(e, ticket{id: "t1", status: tc.status, creator: "u1", assignee: "u2"})
			rr := e.Do(http.MethodPut, "/api/tickets/t1/rating", tc.body, e.Login(tc.userID, helpdesk.RoleUser))
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rr.Code, rr.Body.String())
			}
			if rated := e.DB.Called("set satisfaction_rating=$1"); rated != (tc.code == http.StatusOK) {
				t.Fatalf("rating written = %v", rated)
			}
		})
	}
}

func TestAssign(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "open", creator: "u1"})
	e.DB.Returns("from users where id::text=$1 and is_active and role in", []any{"a2", "Agent Two", "a2@example.com", "agent"})
	e.DB.Returns("insert into notifications", []any{"n1", time.Now()})

	if rr := e.Do(http.MethodPut, "/api/tickets/t1/assign", `{"assignedTo":"a2"}`, e.Login("u1", helpdesk.RoleUser)); rr.Code != http.StatusForbidden {
		t.Fatalf("users cannot assign, got %d", rr.Code)
	}
	rr := e.Do(http.MethodPut, "/api/tickets/t1/assign", `{"assignedTo":"a2"}`, e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	args := saved(t, e)
	if args[3] != "in-progress" {
		t.Fatalf("assign should force in-progress, got %v", args[3])
	}
	if id, _ := args[5].(*string); id == nil || *id != "a2" {
		t.Fatalf("unexpected assignee %v", args[5])
	}
	if got := notifiedUsers(e); len(got) != 1 || got["a2"] != string(helpdesk.NotifyTicketAssigned) {
		t.Fatalf("new assignee should be notified, got %v", got)
	}
}

func TestAssignSameAgentDoesNotNotify(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "in-progress", creator: "u1", assignee: "a2"})
	e.DB.Returns("from users where id::text=$1 and is_active and role in", []any{"a2", "Agent Two", "a2@example.com", "agent"})
	rr := e.Do(http.MethodPut, "/api/tickets/t1/assign", `{"assignedTo":"a2"}`, e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if e.DB.Called("insert into notifications") {
		t.Fatal("unchanged assignee should not be notified")
	}
}

func TestAssignRejectsNonAgent(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "open", creator: "u1"})
	rr := e.Do(http.MethodPut, "/api/tickets/t1/assign", `{"assignedTo":"u2"}`, e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if msg := apptest.Decode(t, rr).Message; msg != "Invalid agent assignment" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestClose(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "in-progress", creator: "u1", assignee: "u3"})
	if rr := e.Do(http.MethodPut, "/api/tickets/t1/close", `{"resolution":""}`, e.Login("a1", helpdesk.RoleAgent)); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing resolution: expected 400, got %d", rr.Code)
	}
	if rr := e.Do(http.MethodPut, "/api/tickets/t1/close", `{"resolution":"Fixed"}`, e.Login("u1", helpdesk.RoleUser)); rr.Code != http.StatusForbidden {
		t.Fatalf("creator: expected 403, got %d", rr.Code)
	}
	rr := e.Do(http.MethodPut, "/api/tickets/t1/close", `{"resolution":"Fixed"}`, e.Login("u3", helpdesk.RoleUser))
	if rr.Code != http.StatusOK {
		t.Fatalf("assignee: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	args := saved(t, e)
	if args[3] != "resolved" || args[8] != "Fixed" {
		t.Fatalf("unexpected save %v", args)
	}
	if by, _ := args[10].(*string); by == nil || *by != "u3" {
		t.Fatalf("resolvedBy should be u3, got %v", args[10])
	}
}

func TestCloseRestampsPreviouslyResolvedTicket(t *testing.T) {
	e := apptest.New(t)
	earlier := time.Now().Add(-72 * time.Hour)
	serve(e, ticket{id: "t1", status: "in-progress", creator: "u1", resolvedAt: &earlier, resolvedBy: "a0"})
	before := time.Now()
	rr := e.Do(http.MethodPut, "/api/tickets/t1/close", `{"resolution":"Replaced the fuser"}`, e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	args := saved(t, e)
	if args[8] != "Replaced the fuser" {
		t.Fatalf("unexpected resolution %v", args[8])
	}
	if by, _ := args[10].(*string); by == nil || *by != "a1" {
		t.Fatalf("resolvedBy should be a1, got %v", args[10])
	}
	if at, _ := args[9].(*time.Time); at == nil || at.Before(before) {
		t.Fatalf("resolvedAt should be restamped, got %v", args[9])
	}
}

func TestAssignClearsResolution(t *testing.T) {
	e := apptest.New(t)
	earlier := time.Now().Add(-time.Hour)
	serve(e, ticket{id: "t1", status: "resolved", creator: "u1", resolvedAt: &earlier, resolvedBy: "a0"})
	e.DB.Returns("from users where id::text=$1 and is_active and role in", []any{"a2", "Agent Two", "a2@example.com", "agent"})
	rr := e.Do(http.MethodPut, "/api/tickets/t1/assign", `{"assignedTo":"a2"}`, e.Login("a1", helpdesk.RoleAgent))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	args := saved(t, e)
	if args[3] != "in-progress" || args[8] != "" {
		t.Fatalf("unexpected save %v", args)
	}
	if at, _ := args[9].(*time.Time); at != nil {
		t.Fatalf("resolvedAt should be cleared, got %v", at)
	}
	if by, _ := args[10].(*string); by != nil {
		t.Fatalf("resolvedBy should be cleared, got %v", *by)
	}
}

func TestReopen(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "open", creator: "u1"})
	rr := e.Do(http.MethodPut, "/api/tickets/t1/reopen", `{"reason":"still broken"}`, e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if msg := apptest.Decode(t, rr).Message; msg != "Only resolved tickets can be reopened" {
		t.Fatalf("unexpected message %q", msg)
	}

	e = apptest.New(t)
	serve(e, ticket{id: "t1", status: "resolved", creator: "u1"})
	if rr := e.Do(http.MethodPut, "/api/tickets/t1/reopen", "", e.Login("u2", helpdesk.RoleUser)); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", rr.Code)
	}
	rr = e.Do(http.MethodPut, "/api/tickets/t1/reopen", `{"reason":"still broken"}`, e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	args := saved(t, e)
	if args[3] != "open" || args[8] != "" {
		t.Fatalf("unexpected save %v", args)
	}
	if ts, _ := args[9].(*time.Time); ts != nil {
		t.Fatal("resolvedAt should be cleared")
	}
	h := e.DB.Calls("insert into ticket_history")
	if len(h) != 1 || h[0].Args[2] != events.ActionReopened || h[0].Args[5] != "still broken" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name   string
		status string
		role   helpdesk.Role
		userID string
		code   int
	}{
		{"creator while open", "open", helpdesk.RoleUser, "u1", http.StatusOK},
		{"creator after triage", "in-progress", helpdesk.RoleUser, "u1", http.StatusForbidden},
		{"agent", "open", helpdesk.RoleAgent, "a1", http.StatusForbidden},
		{"admin", "closed", helpdesk.RoleAdmin, "admin", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := apptest.New(t)
			serve(e, ticket{id: "t1", status: tc.status, creator: "u1"})
			rr := e.Do(http.MethodDelete, "/api/tickets/t1", "", e.Login(tc.userID, tc.role))
			if rr.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rr.Code)
			}
			if deleted := e.DB.Called("delete from tickets where id=$1"); deleted != (tc.code == http.StatusOK) {
				t.Fatalf("delete issued = %v", deleted)
			}
		})
	}
}

func TestHistory(t *testing.T) {
	e := apptest.New(t)
	serve(e, ticket{id: "t1", status: "open", creator: "u1"})
	e.DB.Returns("from ticket_history h", []any{"h1", "u1", "Creator", "created", "", "open", "", time.Now()})
	rr := e.Do(http.MethodGet, "/api/tickets/t1/history", "", e.Login("u1", helpdesk.RoleUser))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var out struct {
		History []events.Entry `json:"history"`
	}
	apptest.Data(t, rr, &out)
	if len(out.History) != 1 || out.History[0].Action != events.ActionCreated {
		t.Fatalf("unexpected history %+v", out.History)
	}
}

// Package apptest builds an App backed by pgxfake for handler tests.
package apptest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/cmd/api/routes"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/pgxfake"
)

// Secret signs tokens issued by Env.Login.
const Secret = "test-secret"

// Env is a test API with a scripted database.
type Env struct {
	t     *testing.T
	App   *app.App
	DB    *pgxfake.DB
	Redis *miniredis.Miniredis

	mu    sync.Mutex
	users map[string]principal
}

type principal struct {
	name   string
	email  string
	role   helpdesk.Role
	active bool
}

// Option adjusts the test configuration.
type Option func(*app.Config)

// WithUploads stores attachments under dir.
func WithUploads(dir string) Option {
	return func(c *app.Config) { c.UploadPath = dir }
}

// New returns an Env with no Redis. Attachments need WithUploads.
func New(t *testing.T, opts ...Option) *Env {
	return build(t, false, opts)
}

// NewWithRedis returns an Env backed by miniredis.
func NewWithRedis(t *testing.T, opts ...Option) *Env {
	return build(t, true, opts)
}

func build(t *testing.T, withRedis bool, opts []Option) *Env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := app.Config{Env: "test", JWTSecret: Secret, JWTExpiresIn: time.Hour, FrontendURL: "http://frontend.test"}
	for _, o := range opts {
		o(&cfg)
	}
	e := &Env{t: t, DB: pgxfake.New(), users: map[string]principal{}}
	var rdb *redis.Client
	if withRedis {
		e.Redis = miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: e.Redis.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
	}
	e.DB.On("role, is_active from users where id=$1", func(args []any) pgxfake.Result {
		e.mu.Lock()
		defer e.mu.Unlock()
		id, _ := args[0].(string)
		p, ok := e.users[id]
		if !ok {
			return pgxfake.Result{}
		}
		return pgxfake.Result{Rows: [][]any{{id, p.name, p.email, string(p.role), p.active}}}
	})
	var store app.ObjectStore
	if cfg.UploadPath != "" {
		store = &app.FsObjectStore{Base: cfg.UploadPath}
	}
	e.App = app.NewApp(cfg, e.DB, store, rdb)
	routes.Register(e.App, nil)
	return e
}

// Login registers an active user and returns an Authorization header value.
func (e *Env) Login(id string, role helpdesk.Role) string {
	e.t.Helper()
	e.mu.Lock()
	e.users[id] = principal{name: "User " + id, email: id + "@example.com", role: role, active: true}
	e.mu.Unlock()
	tok, err := e.App.Tokens.Issue(id, string(role))
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + tok
}

// Deactivate marks a logged in user inactive.
func (e *Env) Deactivate(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.users[id]
	p.active = false
	e.users[id] = p
}

// Do sends a JSON request through the router.
func (e *Env) Do(method, path, body, authz string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.Send(req, authz)
}

// Send serves req with an optional Authorization header.
func (e *Env) Send(req *http.Request, authz string) *httptest.ResponseRecorder {
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	rr := httptest.NewRecorder()
	e.App.R.ServeHTTP(rr, req)
	return rr
}

// Response is a decoded envelope with raw data.
type Response struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
	Errors  []app.FieldError `json:"errors"`
}

// Decode parses an envelope, failing the test on malformed output.
func Decode(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var r Response
	if err := json.Unmarshal(rr.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode response: %v: %s", err, rr.Body.String())
	}
	return r
}

// Data decodes the envelope's data field into v.
func Data(t *testing.T, rr *httptest.ResponseRecorder, v any) Response {
	t.Helper()
	r := Decode(t, rr)
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode data: %v: %s", err, string(r.Data))
	}
	return r
}

// UserRow builds a row matching auth.UserColumns.
func UserRow(id, name, email string, role helpdesk.Role, active bool) []any {
	now := time.Now()
	return []any{id, name, email, string(role), active, "", "", "", nil, now, now}
}

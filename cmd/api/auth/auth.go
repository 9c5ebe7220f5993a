package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

// CookieName is the cookie carrying the session token for browser clients.
const CookieName = "auth"

// AuthUser represents the authenticated user.
type AuthUser struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Email string        `json:"email"`
	Role  helpdesk.Role `json:"role"`
}

func (u AuthUser) GetRoles() []string { return []string{string(u.Role)} }

// IsStaff reports whether the user is an agent or admin.
func (u AuthUser) IsStaff() bool { return u.Role.IsStaff() }

// Ref returns the user as a ticket reference.
func (u AuthUser) Ref() helpdesk.UserRef {
	return helpdesk.UserRef{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

// CurrentUser returns the user set by Middleware.
func CurrentUser(c *gin.Context) (AuthUser, bool) {
	v, ok := c.Get("user")
	if !ok {
		return AuthUser{}, false
	}
	u, ok := v.(AuthUser)
	return u, ok
}

func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if v, err := c.Cookie(CookieName); err == nil {
		return v
	}
	// browsers cannot set headers on websocket upgrades
	if c.IsWebsocket() {
		return c.Query("token")
	}
	return ""
}

var (
	errNoToken      = errors.New("Not authorized to access this route")
	errUnknownUser  = errors.New("User not found")
	errDeactivated  = errors.New("Account is deactivated. Please contact administrator.")
	errInvalidToken = errors.New("Not authorized, token failed")
)

// Authenticate resolves a raw token to an active user.
func Authenticate(c *gin.Context, a *app.App, raw string) (AuthUser, error) {
	if raw == "" {
		return AuthUser{}, errNoToken
	}
	claims, err := a.Tokens.Parse(raw)
	if err != nil {
		return AuthUser{}, errInvalidToken
	}
	if a.DB == nil {
		return AuthUser{}, errUnknownUser
	}
	var u AuthUser
	var role string
	var active bool
	err = a.DB.QueryRow(c.Request.Context(), `select id::text, name, email, role, is_active from users where id=$1`, claims.Subject).
		Scan(&u.ID, &u.Name, &u.Email, &role, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return AuthUser{}, errUnknownUser
	}
	if err != nil {
		return AuthUser{}, fmt.Errorf("user lookup: %w", err)
	}
	if !active {
		return AuthUser{}, errDeactivated
	}
	u.Role = helpdesk.Role(role)
	return u, nil
}

// Middleware authenticates the request from a bearer token or the auth cookie.
func Middleware(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := Authenticate(c, a, bearer(c))
		switch {
		case err == nil:
		case errors.Is(err, errNoToken), errors.Is(err, errUnknownUser), errors.Is(err, errDeactivated), errors.Is(err, errInvalidToken):
			app.AbortError(c, http.StatusUnauthorized, err.Error(), nil)
			return
		default:
			app.AbortInternal(c, err)
			return
		}
		c.Set("user", u)
		c.Next()
	}
}

// RequireRole ensures the user has one of the required roles. Admins pass every check.
func RequireRole(roles ...helpdesk.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			app.AbortError(c, http.StatusUnauthorized, errNoToken.Error(), nil)
			return
		}
		if user.Role == helpdesk.RoleAdmin {
			c.Next()
			return
		}
		for _, want := range roles {
			if user.Role == want {
				c.Next()
				return
			}
		}
		app.AbortError(c, http.StatusForbidden, fmt.Sprintf("User role %s is not authorized to access this route", user.Role), nil)
	}
}

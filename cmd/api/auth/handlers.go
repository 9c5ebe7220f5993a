package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
	"github.com/supportdesk/helpdesk/internal/mailer"
)

// ResetTokenTTL is how long a password reset link stays valid.
const ResetTokenTTL = 10 * time.Minute

// IsUniqueViolation reports whether err is a Postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type session struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

func issue(c *gin.Context, a *app.App, u User) (session, error) {
	tok, err := a.Tokens.Issue(u.ID, string(u.Role))
	if err != nil {
		return session{}, err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, tok, int(a.Tokens.TTL().Seconds()), "/", "", a.Cfg.Production(), true)
	return session{User: u, Token: tok}, nil
}

type registerReq struct {
	Name     string `json:"name" binding:"required,min=2,max=50"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

// Register creates a user account with the user role.
func Register(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in registerReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		ctx := c.Request.Context()
		email := strings.ToLower(strings.TrimSpace(in.Email))
		var exists bool
		if err := a.DB.QueryRow(ctx, `select exists(select 1 from users where lower(email)=$1)`, email).Scan(&exists); err != nil {
			app.AbortInternal(c, err)
			return
		}
		if exists {
			app.AbortError(c, http.StatusBadRequest, "User already exists with this email", nil)
			return
		}
		hash, err := HashPassword(in.Password)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		row := a.DB.QueryRow(ctx, `insert into users as u (name, email, password_hash, role) values ($1, $2, $3, 'user') returning `+UserColumns,
			strings.TrimSpace(in.Name), email, hash)
		u, err := ScanUser(row)
		if IsUniqueViolation(err) {
			app.AbortError(c, http.StatusBadRequest, "User already exists with this email", nil)
			return
		}
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		s, err := issue(c, a, u)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		if err := a.Mail.Enqueue(ctx, mailer.EmailJob{To: u.Email, Template: mailer.Welcome, Data: map[string]any{
			"Name": u.Name,
			"URL":  a.Cfg.FrontendURL,
		}}); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("user", u.ID).Msg("enqueue welcome email")
		}
		app.OK(c, http.StatusCreated, "User registered successfully", s)
	}
}

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges credentials for a session token.
func Login(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		ctx := c.Request.Context()
		var hash string
		u, err := ScanUser(a.DB.QueryRow(ctx, `select `+UserColumns+`, u.password_hash from users u where lower(u.email)=lower($1)`, strings.TrimSpace(in.Email)), &hash)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !CheckPassword(hash, in.Password)) {
			app.AbortError(c, http.StatusUnauthorized, "Invalid credentials", nil)
			return
		}
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		if !u.IsActive {
			app.AbortError(c, http.StatusUnauthorized, errDeactivated.Error(), nil)
			return
		}
		now := time.Now()
		if _, err := a.DB.Exec(ctx, `update users set last_login=$1 where id=$2`, now, u.ID); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("user", u.ID).Msg("stamp last login")
		} else {
			u.LastLogin = &now
		}
		s, err := issue(c, a, u)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "Login successful", s)
	}
}

// Logout clears the auth cookie.
func Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(CookieName, "", -1, "/", "", false, true)
		app.OK(c, http.StatusOK, "Logged out successfully", nil)
	}
}

func loadUser(c *gin.Context, a *app.App, id string) (User, bool) {
	u, err := ScanUser(a.DB.QueryRow(c.Request.Context(), `select `+UserColumns+` from users u where u.id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		app.AbortError(c, http.StatusNotFound, "User not found", nil)
		return User{}, false
	}
	if err != nil {
		app.AbortInternal(c, err)
		return User{}, false
	}
	return u, true
}

// Me returns the authenticated user's profile.
func Me(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		cur, _ := CurrentUser(c)
		u, ok := loadUser(c, a, cur.ID)
		if !ok {
			return
		}
		app.OK(c, http.StatusOK, "", gin.H{"user": u})
	}
}

type profileReq struct {
	Name       *string `json:"name" binding:"omitempty,min=2,max=50"`
	Email      *string `json:"email" binding:"omitempty,email"`
	Phone      *string `json:"phone" binding:"omitempty,max=30"`
	Department *string `json:"department" binding:"omitempty,max=100"`
	Avatar     *string `json:"avatar" binding:"omitempty,max=500"`
}

// UpdateProfile changes the caller's own profile fields.
func UpdateProfile(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in profileReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		cur, _ := CurrentUser(c)
		ctx := c.Request.Context()
		if in.Email != nil {
			e := strings.ToLower(strings.TrimSpace(*in.Email))
			in.Email = &e
			var taken bool
			if err := a.DB.QueryRow(ctx, `select exists(select 1 from users where lower(email)=$1 and id<>$2)`, e, cur.ID).Scan(&taken); err != nil {
				app.AbortInternal(c, err)
				return
			}
			if taken {
				app.AbortError(c, http.StatusBadRequest, "Email is already in use", nil)
				return
			}
		}
		const q = `update users u set
  name = coalesce($1, name),
  email = coalesce($2, email),
  phone = coalesce($3, phone),
  department = coalesce($4, department),
  avatar = coalesce($5, avatar),
  updated_at = now()
where u.id=$6
returning ` + UserColumns
		u, err := ScanUser(a.DB.QueryRow(ctx, q, trimPtr(in.Name), in.Email, trimPtr(in.Phone), trimPtr(in.Department), trimPtr(in.Avatar), cur.ID))
		if IsUniqueViolation(err) {
			app.AbortError(c, http.StatusBadRequest, "Email is already in use", nil)
			return
		}
		if errors.Is(err, pgx.ErrNoRows) {
			app.AbortError(c, http.StatusNotFound, "User not found", nil)
			return
		}
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "Profile updated successfully", gin.H{"user": u})
	}
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

type changePasswordReq struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required,min=6"`
}

// ChangePassword replaces the caller's password after verifying the current one.
func ChangePassword(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in changePasswordReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		cur, _ := CurrentUser(c)
		ctx := c.Request.Context()
		var hash string
		if err := a.DB.QueryRow(ctx, `select password_hash from users where id=$1`, cur.ID).Scan(&hash); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				app.AbortError(c, http.StatusNotFound, "User not found", nil)
				return
			}
			app.AbortInternal(c, err)
			return
		}
		if !CheckPassword(hash, in.CurrentPassword) {
			app.AbortError(c, http.StatusBadRequest, "Current password is incorrect", nil)
			return
		}
		newHash, err := HashPassword(in.NewPassword)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		if _, err := a.DB.Exec(ctx, `update users set password_hash=$1, updated_at=now() where id=$2`, newHash, cur.ID); err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "Password changed successfully", nil)
	}
}

// HashResetToken is the stored form of a reset token.
func HashResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newResetToken() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

const forgotMessage = "If an account with that email exists, a password reset link has been sent"

// ForgotPassword emails a reset link. The response does not reveal whether
// the address is registered.
func ForgotPassword(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Email string `json:"email" binding:"required,email"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		ctx := c.Request.Context()
		var id, name, email string
		err := a.DB.QueryRow(ctx, `select id::text, name, email from users where lower(email)=lower($1) and is_active`, strings.TrimSpace(in.Email)).Scan(&id, &name, &email)
		if errors.Is(err, pgx.ErrNoRows) {
			app.OK(c, http.StatusOK, forgotMessage, nil)
			return
		}
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		raw, err := newResetToken()
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		expires := time.Now().Add(ResetTokenTTL)
		if _, err := a.DB.Exec(ctx, `update users set reset_password_token=$1, reset_password_expire=$2 where id=$3`, HashResetToken(raw), expires, id); err != nil {
			app.AbortInternal(c, err)
			return
		}
		if err := a.Mail.Enqueue(ctx, mailer.EmailJob{To: email, Template: mailer.PasswordReset, Data: map[string]any{
			"Name":      name,
			"URL":       a.Cfg.FrontendURL + "/reset-password/" + raw,
			"ExpiresIn": "10 minutes",
		}}); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("user", id).Msg("enqueue password reset email")
		}
		app.OK(c, http.StatusOK, forgotMessage, nil)
	}
}

// ResetPassword sets a new password using an emailed token.
func ResetPassword(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var in struct {
			Password string `json:"password" binding:"required,min=6"`
		}
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortBind(c, err)
			return
		}
		ctx := c.Request.Context()
		hash, err := HashPassword(in.Password)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		const q = `update users u set password_hash=$1, reset_password_token=null, reset_password_expire=null, updated_at=now()
where u.reset_password_token=$2 and u.reset_password_expire > now() and u.is_active
returning ` + UserColumns
		u, err := ScanUser(a.DB.QueryRow(ctx, q, hash, HashResetToken(c.Param("token"))))
		if errors.Is(err, pgx.ErrNoRows) {
			app.AbortError(c, http.StatusBadRequest, "Invalid or expired reset token", nil)
			return
		}
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		s, err := issue(c, a, u)
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		app.OK(c, http.StatusOK, "Password reset successful", s)
	}
}

// RoleOf parses a role, defaulting to user.
func RoleOf(s string) (helpdesk.Role, error) {
	if strings.TrimSpace(s) == "" {
		return helpdesk.RoleUser, nil
	}
	return helpdesk.ParseRole(s)
}

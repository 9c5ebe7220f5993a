package auth

import (
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

// User is the public representation of an account.
type User struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Email      string        `json:"email"`
	Role       helpdesk.Role `json:"role"`
	IsActive   bool          `json:"isActive"`
	Phone      string        `json:"phone,omitempty"`
	Department string        `json:"department,omitempty"`
	Avatar     string        `json:"avatar,omitempty"`
	LastLogin  *time.Time    `json:"lastLogin,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// UserColumns selects the columns read by ScanUser from table alias u.
const UserColumns = `u.id::text, u.name, u.email, u.role, u.is_active, coalesce(u.phone,''), coalesce(u.department,''), coalesce(u.avatar,''), u.last_login, u.created_at, u.updated_at`

// ScanUser scans UserColumns followed by any extra destinations.
func ScanUser(row pgx.Row, extra ...any) (User, error) {
	var u User
	var role string
	dest := []any{&u.ID, &u.Name, &u.Email, &role, &u.IsActive, &u.Phone, &u.Department, &u.Avatar, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return User{}, err
	}
	u.Role = helpdesk.Role(role)
	return u, nil
}

// HashCost is the bcrypt cost for new password hashes.
var HashCost = bcrypt.DefaultCost

// HashPassword returns the bcrypt hash of pw.
func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), HashCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether pw matches hash.
func CheckPassword(hash, pw string) bool {
	return hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

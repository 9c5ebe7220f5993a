package auth

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
)

// SeedAdmin creates the configured admin account when no active admin exists.
// It does nothing without ADMIN_PASSWORD.
func SeedAdmin(ctx context.Context, db app.DB, cfg app.Config) (bool, error) {
	if cfg.AdminPassword == "" {
		return false, nil
	}
	var exists bool
	if err := db.QueryRow(ctx, `select exists(select 1 from users where role='admin' and is_active)`).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	hash, err := HashPassword(cfg.AdminPassword)
	if err != nil {
		return false, err
	}
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	const q = `insert into users (name, email, password_hash, role)
values ($1, $2, $3, 'admin')
on conflict (lower(email)) do update set role='admin', is_active=true, password_hash=excluded.password_hash, updated_at=now()`
	if _, err := db.Exec(ctx, q, cfg.AdminName, email, hash); err != nil {
		return false, err
	}
	log.Info().Str("email", email).Msg("seeded admin user")
	return true, nil
}

package authapi

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pulse/cmd/identity"
	"pulse/cmd/security/password"
)

// DemoPassword is the shared password of the seeded demo accounts.
const DemoPassword = "demo123"

// DemoUsers are the accounts created by SeedDemoUsers.
var DemoUsers = []struct{ FullName, Email string }{
	{FullName: "Demo One", Email: "demo1@example.com"},
	{FullName: "Demo Two", Email: "demo2@example.com"},
}

// SeedDemoUsers creates the demo accounts. Existing accounts are left as is.
func SeedDemoUsers(ctx context.Context, log *slog.Logger, users identity.Store, pw password.Config) error {
	if log == nil {
		log = slog.Default()
	}
	hash, err := pw.Hash(DemoPassword)
	if err != nil {
		return fmt.Errorf("seed: hash: %w", err)
	}
	for _, d := range DemoUsers {
		u, err := users.CreateUser(ctx, identity.CreateUserInput{
			FullName:     d.FullName,
			Email:        d.Email,
			PasswordHash: hash,
			Now:          time.Now().UTC(),
		})
		switch {
		case identity.IsConflict(err):
			log.Debug("auth.seed.exists", "email", d.Email)
		case err != nil:
			return fmt.Errorf("seed %s: %w", d.Email, err)
		default:
			log.Info("auth.seed.created", "email", u.Email, "user_id", u.ID)
		}
	}
	return nil
}

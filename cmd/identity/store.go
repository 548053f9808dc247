package identity

import (
	"context"
	"time"
)

// User is a chat account.
type User struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	Email      string    `json:"email"`
	ProfilePic string    `json:"profile_pic"`
	CreatedAt  time.Time `json:"created_at"`
}

// Credentials pairs a user with its stored password hash.
// The hash never leaves the auth boundary.
type Credentials struct {
	User         User
	PasswordHash string
}

// CreateUserInput describes a registration. PasswordHash is already encoded.
type CreateUserInput struct {
	FullName     string
	Email        string
	PasswordHash string
	Now          time.Time
}

// Store is the account persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	GetCredentialsByEmail(ctx context.Context, email string) (Credentials, error)

	// ListUsers returns every user except excludeID, ordered by full name.
	ListUsers(ctx context.Context, excludeID string) ([]User, error)

	UpdateProfilePic(ctx context.Context, id, url string) (User, error)

	// UpdatePasswordHash replaces the stored hash, e.g. after a cost upgrade.
	UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error
}

// validateCreate normalizes and checks a registration.
func validateCreate(op string, in CreateUserInput) (CreateUserInput, error) {
	in.FullName = NormalizeFullName(in.FullName)
	in.Email = NormalizeEmail(in.Email)

	if in.FullName == "" {
		return in, OpError{Op: op, Kind: ErrInvalidInput, Msg: "full name is required"}
	}
	if in.Email == "" || !ValidEmail(in.Email) {
		return in, OpError{Op: op, Kind: ErrInvalidInput, Msg: "valid email is required"}
	}
	if in.PasswordHash == "" {
		return in, OpError{Op: op, Kind: ErrInvalidInput, Msg: "password hash is required"}
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}

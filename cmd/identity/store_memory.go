package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for dev and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Credentials
	byEmail map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Credentials),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	in, err := validateCreate(op, in)
	if err != nil {
		return User{}, err
	}

	id, err := NewULID(in.Now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[in.Email]; taken {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	u := User{ID: id, FullName: in.FullName, Email: in.Email, CreatedAt: in.Now}
	s.byID[id] = Credentials{User: u, PasswordHash: in.PasswordHash}
	s.byEmail[in.Email] = id
	return u, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetByID", Resource: "user"}
	}
	return c.User, nil
}

func (s *MemoryStore) GetCredentialsByEmail(ctx context.Context, email string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return Credentials{}, NotFoundError{Op: "identity.GetCredentialsByEmail", Resource: "user"}
	}
	return s.byID[id], nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for id, c := range s.byID {
		if id == excludeID {
			continue
		}
		out = append(out, c.User)
	}
	s.mu.RUnlock()

	sortUsers(out)
	return out, nil
}

func (s *MemoryStore) UpdateProfilePic(ctx context.Context, id, url string) (User, error) {
	const op = "identity.UpdateProfilePic"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return User{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "profile pic is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	c.User.ProfilePic = url
	s.byID[id] = c
	return c.User, nil
}

func (s *MemoryStore) UpdatePasswordHash(ctx context.Context, id, hash string, _ time.Time) error {
	const op = "identity.UpdatePasswordHash"

	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(hash) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "password hash is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return NotFoundError{Op: op, Resource: "user"}
	}
	c.PasswordHash = hash
	s.byID[id] = c
	return nil
}

func sortUsers(us []User) {
	sort.SliceStable(us, func(i, j int) bool {
		a, b := strings.ToLower(us[i].FullName), strings.ToLower(us[j].FullName)
		if a != b {
			return a < b
		}
		return us[i].ID < us[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)

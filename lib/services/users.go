package services

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const userPrefix = "/users/"

// UserService stores and retrieves User entities.
type UserService struct {
	backend backend.Backend
	clock   clockwork.Clock
}

// NewUserService returns a UserService backed by bk.
func NewUserService(bk backend.Backend, clock clockwork.Clock) *UserService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &UserService{backend: bk, clock: clock}
}

func userKey(id string) []byte {
	return []byte(userPrefix + id)
}

// normalizeEmail lower-cases an email for case-insensitive uniqueness.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func emailIndexKey(email string) []byte {
	return []byte("/users_by_email/" + normalizeEmail(email))
}

// CreateUser persists a new user, failing with trace.AlreadyExists if
// the email is already taken.
func (s *UserService) CreateUser(ctx context.Context, u *types.User) error {
	u.Email = normalizeEmail(u.Email)

	if _, err := s.backend.Create(ctx, backend.Item{
		Key:   emailIndexKey(u.Email),
		Value: []byte(u.ID),
	}); err != nil {
		if trace.IsAlreadyExists(err) {
			return trace.AlreadyExists("email %q already registered", u.Email)
		}
		return trace.Wrap(err)
	}

	value, err := marshal(u)
	if err != nil {
		return trace.Wrap(err)
	}

	if _, err := s.backend.Create(ctx, backend.Item{Key: userKey(u.ID), Value: value}); err != nil {
		// roll back the email index so a later retry is not blocked
		_ = s.backend.Delete(ctx, emailIndexKey(u.Email))
		return trace.Wrap(err)
	}
	return nil
}

// GetUser reads a user by id.
func (s *UserService) GetUser(ctx context.Context, id string) (*types.User, error) {
	item, err := s.backend.Get(ctx, userKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var u types.User
	if err := unmarshal(item.Value, &u); err != nil {
		return nil, trace.Wrap(err)
	}
	return &u, nil
}

// GetUserByEmail reads a user by its normalized email.
func (s *UserService) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	item, err := s.backend.Get(ctx, emailIndexKey(email))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("user with email %q not found", email)
		}
		return nil, trace.Wrap(err)
	}
	return s.GetUser(ctx, string(item.Value))
}

// UpdateUser overwrites an existing user record.
func (s *UserService) UpdateUser(ctx context.Context, u *types.User) error {
	value, err := marshal(u)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := s.backend.Update(ctx, backend.Item{Key: userKey(u.ID), Value: value}); err != nil {
		if trace.IsNotFound(err) {
			return trace.NotFound("user %q not found", u.ID)
		}
		return trace.Wrap(err)
	}
	return nil
}

// DeleteUser removes a user and its email index entry.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.backend.Delete(ctx, userKey(id)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.backend.Delete(ctx, emailIndexKey(u.Email)))
}

// ListUsers returns up to limit users (0 = backend default page size).
func (s *UserService) ListUsers(ctx context.Context, limit int) ([]*types.User, error) {
	prefix := []byte(userPrefix)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.User, 0, len(result.Items))
	for _, item := range result.Items {
		var u types.User
		if err := unmarshal(item.Value, &u); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &u)
	}
	return out, nil
}

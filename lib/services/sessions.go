package services

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/backend"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const sessionPrefix = "/sessions/"

// SessionService stores and retrieves Session entities, expiring them
// in the backend at ExpiresAt so a crashed revoke still self-heals.
type SessionService struct {
	backend backend.Backend
	clock   clockwork.Clock
}

// NewSessionService returns a SessionService backed by bk.
func NewSessionService(bk backend.Backend, clock clockwork.Clock) *SessionService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionService{backend: bk, clock: clock}
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

// userSessionsPrefix scopes a range scan to one user's sessions.
func userSessionsPrefix(userID string) []byte {
	return []byte(sessionPrefix + "by_user/" + userID + "/")
}

func userSessionKey(userID, sessionID string) []byte {
	return []byte(sessionPrefix + "by_user/" + userID + "/" + sessionID)
}

// CreateSession persists a new session under both the flat index and
// the per-user index.
func (s *SessionService) CreateSession(ctx context.Context, sess *types.Session) error {
	value, err := marshal(sess)
	if err != nil {
		return trace.Wrap(err)
	}
	item := backend.Item{Value: value, Expires: sess.ExpiresAt}
	item.Key = sessionKey(sess.ID)
	if _, err := s.backend.Put(ctx, item); err != nil {
		return trace.Wrap(err)
	}
	item.Key = userSessionKey(sess.UserID, sess.ID)
	if _, err := s.backend.Put(ctx, item); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// GetSession reads a session by id. A session whose backend record has
// expired is reported as trace.NotFound; a revoked session is still
// returned, with Revoked set, so callers that need a live session go
// through ValidateLive.
func (s *SessionService) GetSession(ctx context.Context, id string) (*types.Session, error) {
	item, err := s.backend.Get(ctx, sessionKey(id))
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("session %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	var sess types.Session
	if err := unmarshal(item.Value, &sess); err != nil {
		return nil, trace.Wrap(err)
	}
	return &sess, nil
}

// RevokeSession marks a session revoked and persists the change.
func (s *SessionService) RevokeSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	sess.Revoked = true

	value, err := marshal(sess)
	if err != nil {
		return trace.Wrap(err)
	}
	item := backend.Item{Value: value, Expires: sess.ExpiresAt}
	item.Key = sessionKey(sess.ID)
	if _, err := s.backend.Put(ctx, item); err != nil {
		return trace.Wrap(err)
	}
	item.Key = userSessionKey(sess.UserID, sess.ID)
	if _, err := s.backend.Put(ctx, item); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// RevokeAllUserSessions revokes every live session belonging to
// userID, used by forceLogout and by device-policy violations.
func (s *SessionService) RevokeAllUserSessions(ctx context.Context, userID string) error {
	sessions, err := s.ListUserSessions(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, sess := range sessions {
		if sess.Revoked {
			continue
		}
		if err := s.RevokeSession(ctx, sess.ID); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ListUserSessions returns every session (live or not) on record for
// userID.
func (s *SessionService) ListUserSessions(ctx context.Context, userID string) ([]*types.Session, error) {
	prefix := userSessionsPrefix(userID)
	result, err := s.backend.GetRange(ctx, prefix, backend.ExclusiveEndKey(prefix), 0)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*types.Session, 0, len(result.Items))
	for _, item := range result.Items {
		var sess types.Session
		if err := unmarshal(item.Value, &sess); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &sess)
	}
	return out, nil
}

// ValidateLive reads the session and confirms it is live as of now,
// returning trace.AccessDenied tagged "code"="TokenExpired" when the
// session itself (not just a derived token) has expired or been
// revoked.
func (s *SessionService) ValidateLive(ctx context.Context, id string, now time.Time) (*types.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !sess.IsLive(now) {
		return nil, trace.WithField(trace.AccessDenied("session %q is no longer live", id), "code", "TokenExpired")
	}
	return sess, nil
}

package auth

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
)

// WithUserLock executes authenticateFn, which performs credential
// verification. If authenticateFn returns a non-nil error the failed
// attempt is recorded against username and, once the configured
// threshold is exceeded, the account is locked for AccountLockInterval.
// A ConnectionProblem error is passed through without being recorded,
// so a flaky backend cannot lock users out by itself.
func (s *Server) WithUserLock(ctx context.Context, username string, authenticateFn func() error) error {
	u, err := s.Users.GetUserByEmail(ctx, username)
	if err != nil {
		if trace.IsNotFound(err) {
			// still invoke authenticateFn, which will fail on the
			// missing user; this avoids a username oracle based on
			// response latency/shape.
			return authenticateFn()
		}
		return trace.Wrap(err)
	}

	if u.Locked && u.LockUntil != nil && u.LockUntil.After(s.clock.Now().UTC()) {
		log.WithField("user", username).Debug("User exceeds failed login attempts, still locked.")
		return trace.WithField(trace.AccessDenied(MaxFailedAttemptsErrMsg), ErrFieldKeyUserMaxedAttempts, true)
	}

	fnErr := authenticateFn()
	if fnErr == nil {
		if u.FailedLoginCount != 0 {
			u.FailedLoginCount = 0
			if err := s.Users.UpdateUser(ctx, u); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	}

	if trace.IsConnectionProblem(fnErr) {
		return trace.Wrap(fnErr)
	}

	u.FailedLoginCount++
	if u.FailedLoginCount < defaults.MaxLoginAttempts {
		if err := s.Users.UpdateUser(ctx, u); err != nil {
			log.WithError(err).Error("Failed to persist login attempt counter.")
		}
		return trace.Wrap(fnErr)
	}

	lockUntil := s.clock.Now().UTC().Add(defaults.AccountLockInterval)
	log.WithField("user", username).Debugf("User exceeds %d failed login attempts, locked until %s",
		defaults.MaxLoginAttempts, lockUntil)
	u.Locked = true
	u.LockUntil = &lockUntil
	if err := s.Users.UpdateUser(ctx, u); err != nil {
		log.WithError(err).Error("Failed to persist account lock.")
		return trace.Wrap(fnErr)
	}

	return trace.WithField(trace.AccessDenied(MaxFailedAttemptsErrMsg), ErrFieldKeyUserMaxedAttempts, true)
}

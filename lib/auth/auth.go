/*
Copyright 2015-2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth implements device-bound identity: credentialed
// registration and login, per-device session lifecycle, the
// single-active-device policy, and brute-force lockout.
package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
	"github.com/MOhammedRiaad/secure-audio/lib/metrics"
	"github.com/MOhammedRiaad/secure-audio/lib/services"
	"github.com/MOhammedRiaad/secure-audio/lib/types"
)

const (
	// ErrFieldKeyUserMaxedAttempts marks errors returned once an account
	// has exceeded its failed-login budget, so callers can special-case
	// the message without string matching.
	ErrFieldKeyUserMaxedAttempts = "maxed-attempts"

	// MaxFailedAttemptsErrMsg is shown to a user whose account is locked.
	MaxFailedAttemptsErrMsg = "too many incorrect attempts, please try again later"
)

var log = logrus.WithField(trace.Component, "auth")

// Server implements the identity and device-binding operations:
// registration, login, device approval and session lifecycle.
type Server struct {
	Users    *services.UserService
	Devices  *services.DeviceService
	Sessions *services.SessionService

	clock clockwork.Clock
}

// Config configures a Server.
type Config struct {
	Users    *services.UserService
	Devices  *services.DeviceService
	Sessions *services.SessionService
	Clock    clockwork.Clock
}

// NewServer constructs a Server from cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Users == nil || cfg.Devices == nil || cfg.Sessions == nil {
		return nil, trace.BadParameter("users, devices and sessions services are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Server{
		Users:    cfg.Users,
		Devices:  cfg.Devices,
		Sessions: cfg.Sessions,
		clock:    cfg.Clock,
	}, nil
}

// RegisterRequest is the payload of POST /auth/register.
type RegisterRequest struct {
	Email    string
	Password string
	Name     string
}

// Register creates a new user with a hashed password verifier.
// Fails with EmailTaken (AlreadyExists) if the email is in use.
func (s *Server) Register(ctx context.Context, req RegisterRequest) (*types.User, error) {
	if req.Email == "" || req.Password == "" {
		return nil, trace.BadParameter("email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), defaults.BcryptCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	u := &types.User{
		ID:               uuid.NewString(),
		Email:            req.Email,
		PasswordVerifier: string(hash),
		Name:             req.Name,
		Role:             types.RoleUser,
		CreatedAt:        s.clock.Now().UTC(),
	}

	if err := s.Users.CreateUser(ctx, u); err != nil {
		if trace.IsAlreadyExists(err) {
			return nil, trace.WithField(trace.AlreadyExists("email already registered"), "code", "EmailTaken")
		}
		return nil, trace.Wrap(err)
	}

	return u, nil
}

// DeviceData describes the client-supplied device fingerprint data
// carried on every login request.
type DeviceData struct {
	DeviceID    string
	Fingerprint string
	Name        string
	Type        types.DeviceType
}

// LoginRequest is the payload of POST /auth/login.
type LoginRequest struct {
	Email          string
	Password       string
	DeviceApproved bool
	Device         DeviceData
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User     *types.User
	Session  *types.Session
	Device   *types.Device
	Warnings []string
}

// DeviceApprovalRequiredError is returned, not as a wrapped trace
// error but as a typed sentinel via errors.As-compatible wrapping,
// when a second device attempts to log in without acknowledging the
// single-device policy. It is "not an error per se": callers should
// present requiresDeviceApproval to the client rather than a generic
// failure page.
type DeviceApprovalRequiredError struct{}

func (*DeviceApprovalRequiredError) Error() string { return "device approval required" }

// Login authenticates (email, password) and enforces the
// single-active-device policy.
//
// Only credential mismatches and the account-lock check count toward
// the failed-attempt budget WithUserLock enforces: a DeviceApprovalRequired
// reply or a PolicyViolation lock both follow a *correct* password, so
// neither is treated as a failed login attempt.
func (s *Server) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	metrics.LoginAttempts.Inc()

	var authedUser *types.User

	if err := s.WithUserLock(ctx, req.Email, func() error {
		u, err := s.Users.GetUserByEmail(ctx, req.Email)
		if err != nil {
			if trace.IsNotFound(err) {
				return trace.AccessDenied("invalid credentials")
			}
			return trace.Wrap(err)
		}

		if bcrypt.CompareHashAndPassword([]byte(u.PasswordVerifier), []byte(req.Password)) != nil {
			return trace.AccessDenied("invalid credentials")
		}

		if u.Locked && (u.LockUntil == nil || u.LockUntil.After(s.clock.Now().UTC())) {
			return trace.WithField(trace.AccessDenied("account is locked"), "code", "Locked")
		}

		authedUser = u
		return nil
	}); err != nil {
		metrics.LoginFailures.Inc()
		return nil, trace.Wrap(err)
	}

	u := authedUser
	active, err := s.Devices.ActiveDevice(ctx, u.ID)
	hasOtherActive := err == nil && active.ID != req.Device.DeviceID

	switch {
	case hasOtherActive && !req.DeviceApproved:
		return nil, &DeviceApprovalRequiredError{}

	case hasOtherActive && req.DeviceApproved:
		u.Locked = true
		u.LockUntil = nil
		if uerr := s.Users.UpdateUser(ctx, u); uerr != nil {
			return nil, trace.Wrap(uerr)
		}
		if serr := s.Sessions.RevokeAllUserSessions(ctx, u.ID); serr != nil {
			log.WithError(serr).Warn("Failed to revoke sessions after policy violation.")
		}
		return nil, trace.WithField(trace.AccessDenied("second device acknowledged after single-device violation"), "code", "PolicyViolation")

	default:
		dev, err := s.bindDevice(ctx, u, req.Device)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		if _, err := s.Devices.DeactivateOtherDevices(ctx, u.ID, dev.ID); err != nil {
			return nil, trace.Wrap(err)
		}

		sess := &types.Session{
			ID:        uuid.NewString(),
			UserID:    u.ID,
			DeviceID:  dev.ID,
			IssuedAt:  s.clock.Now().UTC(),
			ExpiresAt: s.clock.Now().UTC().Add(defaults.TokenTTL),
		}
		if err := s.Sessions.CreateSession(ctx, sess); err != nil {
			return nil, trace.Wrap(err)
		}

		return &LoginResult{User: u, Session: sess, Device: dev}, nil
	}
}

// bindDevice creates the device record if new, or reactivates and
// touches last-activity on an existing one.
func (s *Server) bindDevice(ctx context.Context, u *types.User, data DeviceData) (*types.Device, error) {
	now := s.clock.Now().UTC()

	existing, err := s.Devices.GetDevice(ctx, u.ID, data.DeviceID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}

	if existing != nil {
		existing.Active = true
		existing.LastActivity = now
		if data.Fingerprint != "" {
			existing.Fingerprint = data.Fingerprint
		}
		if err := s.Devices.UpdateDevice(ctx, existing); err != nil {
			return nil, trace.Wrap(err)
		}
		return existing, nil
	}

	dev := &types.Device{
		ID:           data.DeviceID,
		UserID:       u.ID,
		Fingerprint:  data.Fingerprint,
		Name:         data.Name,
		Type:         data.Type,
		FirstSeen:    now,
		LastActivity: now,
		Active:       true,
	}
	if err := s.Devices.CreateDevice(ctx, dev); err != nil {
		return nil, trace.Wrap(err)
	}
	return dev, nil
}

// Logout revokes the caller's session and deactivates the bound
// device.
func (s *Server) Logout(ctx context.Context, sessionID string) error {
	sess, err := s.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := s.Sessions.RevokeSession(ctx, sessionID); err != nil {
		return trace.Wrap(err)
	}

	dev, err := s.Devices.GetDevice(ctx, sess.UserID, sess.DeviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	dev.Active = false
	return trace.Wrap(s.Devices.UpdateDevice(ctx, dev))
}

// ForceLogout is a server-initiated revocation used by signing-key
// rotation, admin tooling, or repeated auth failures.
func (s *Server) ForceLogout(ctx context.Context, userID string, reason string) error {
	log.WithFields(logrus.Fields{"user": userID, "reason": reason}).Info("Forcing logout.")
	return trace.Wrap(s.Sessions.RevokeAllUserSessions(ctx, userID))
}

// ListDevices returns every device on record for userID.
func (s *Server) ListDevices(ctx context.Context, userID string) ([]*types.Device, error) {
	return s.Devices.ListDevices(ctx, userID)
}

// DeactivateDevice deactivates a single device and revokes any
// session bound to it.
func (s *Server) DeactivateDevice(ctx context.Context, userID, deviceID string) error {
	dev, err := s.Devices.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return trace.Wrap(err)
	}
	dev.Active = false
	if err := s.Devices.UpdateDevice(ctx, dev); err != nil {
		return trace.Wrap(err)
	}

	sessions, err := s.Sessions.ListUserSessions(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, sess := range sessions {
		if sess.DeviceID == deviceID && !sess.Revoked {
			if err := s.Sessions.RevokeSession(ctx, sess.ID); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// DeactivateOtherDevices deactivates every device except keepDeviceID
// and revokes their sessions.
func (s *Server) DeactivateOtherDevices(ctx context.Context, userID, keepDeviceID string) error {
	changed, err := s.Devices.DeactivateOtherDevices(ctx, userID, keepDeviceID)
	if err != nil {
		return trace.Wrap(err)
	}

	sessions, err := s.Sessions.ListUserSessions(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	deactivated := make(map[string]bool, len(changed))
	for _, d := range changed {
		deactivated[d.ID] = true
	}
	for _, sess := range sessions {
		if deactivated[sess.DeviceID] && !sess.Revoked {
			if err := s.Sessions.RevokeSession(ctx, sess.ID); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// Unlock clears an account's locked state; admin-only action.
func (s *Server) Unlock(ctx context.Context, userID string) error {
	u, err := s.Users.GetUser(ctx, userID)
	if err != nil {
		return trace.Wrap(err)
	}
	u.Locked = false
	u.LockUntil = nil
	u.FailedLoginCount = 0
	return trace.Wrap(s.Users.UpdateUser(ctx, u))
}

// UpdateDetails updates a user's name/email (email re-validated for
// case-insensitive uniqueness by UserService.CreateUser's sibling
// index, enforced here by re-reading the index before committing).
func (s *Server) UpdateDetails(ctx context.Context, userID, name, email string) (*types.User, error) {
	u, err := s.Users.GetUser(ctx, userID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if name != "" {
		u.Name = name
	}
	if email != "" && email != u.Email {
		if _, err := s.Users.GetUserByEmail(ctx, email); err == nil {
			return nil, trace.WithField(trace.AlreadyExists("email already registered"), "code", "EmailTaken")
		}
		u.Email = email
	}
	if err := s.Users.UpdateUser(ctx, u); err != nil {
		return nil, trace.Wrap(err)
	}
	return u, nil
}

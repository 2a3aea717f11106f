// Package tokens mints and validates the three short-lived
// credentials C5 redeems: DRM session tokens, signed URLs and
// chapter stream tokens. All three are compact, self-contained
// HMAC-signed JWTs rather than opaque server-side lookups, so
// validation is a pure function of the signing key and wall-clock
// time, per the "re-check exp on every request" rule.
package tokens

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/MOhammedRiaad/secure-audio/lib/defaults"
)

// Kind identifies which of the three token forms a Claims value is.
type Kind string

const (
	KindDRMSession   Kind = "drm_session"
	KindSignedURL    Kind = "signed_url"
	KindChapterStream Kind = "chapter_stream"
)

// Claims is the canonical payload signed into every token.
type Claims struct {
	jwt.RegisteredClaims

	Kind      Kind    `json:"knd"`
	FileID    string  `json:"fid"`
	ChapterID string  `json:"cid,omitempty"`
	StartTime float64 `json:"st,omitempty"`
	EndTime   float64 `json:"et,omitempty"`
	SessionID string  `json:"sid"`
	DeviceID  string  `json:"did"`
	Epoch     int     `json:"epc"`
}

// Minter issues and validates Claims-bearing tokens. The signing key
// is a process-wide, rotatable secret: RotateKey bumps Epoch so every
// outstanding token, regardless of its own exp, fails validation.
type Minter struct {
	mu         sync.RWMutex
	signingKey []byte
	epoch      int

	clock clockwork.Clock
	ttl   time.Duration
}

// NewMinter constructs a Minter. ttl <= 0 uses defaults.TokenTTL.
func NewMinter(signingKey []byte, ttl time.Duration, clock clockwork.Clock) (*Minter, error) {
	if len(signingKey) == 0 {
		return nil, trace.BadParameter("signing key is required")
	}
	if ttl <= 0 {
		ttl = defaults.TokenTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Minter{signingKey: signingKey, clock: clock, ttl: ttl}, nil
}

// RotateKey replaces the signing key and advances the epoch,
// invalidating every token minted under the previous key.
func (m *Minter) RotateKey(newKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signingKey = newKey
	m.epoch++
}

func (m *Minter) keyAndEpoch() ([]byte, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signingKey, m.epoch
}

func (m *Minter) sign(c Claims, ttl time.Duration) (string, time.Time, error) {
	key, epoch := m.keyAndEpoch()
	now := m.clock.Now().UTC()
	if ttl <= 0 {
		ttl = m.ttl
	}
	exp := now.Add(ttl)

	c.Epoch = epoch
	c.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, trace.Wrap(err)
	}
	return signed, exp, nil
}

// IssueDRMSession mints a full-file streaming token bound to
// (sessionID, deviceID, fileID).
func (m *Minter) IssueDRMSession(sessionID, deviceID, fileID string) (string, time.Time, error) {
	return m.sign(Claims{Kind: KindDRMSession, FileID: fileID, SessionID: sessionID, DeviceID: deviceID}, 0)
}

// IssueSignedURL mints a time-window-bound partial-stream token.
// endTime of -1 means "to the end of the resource".
func (m *Minter) IssueSignedURL(sessionID, deviceID, fileID string, startTime, endTime float64, ttl time.Duration) (string, time.Time, error) {
	return m.sign(Claims{
		Kind:      KindSignedURL,
		FileID:    fileID,
		SessionID: sessionID,
		DeviceID:  deviceID,
		StartTime: startTime,
		EndTime:   endTime,
	}, ttl)
}

// IssueChapterStream mints a single-chapter streaming token.
func (m *Minter) IssueChapterStream(sessionID, deviceID, fileID, chapterID string, ttl time.Duration) (string, time.Time, error) {
	return m.sign(Claims{
		Kind:      KindChapterStream,
		FileID:    fileID,
		ChapterID: chapterID,
		SessionID: sessionID,
		DeviceID:  deviceID,
	}, ttl)
}

// Validate parses and verifies tokenString, re-checking exp against
// wall-clock time and rejecting tokens minted under a retired key
// epoch. Any failure is reported as InvalidToken except an exp
// failure, reported as TokenExpired so clients can re-authenticate
// proactively.
func (m *Minter) Validate(_ context.Context, tokenString string) (*Claims, error) {
	key, epoch := m.keyAndEpoch()

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})

	if err != nil {
		if verr, ok := err.(*jwt.ValidationError); ok && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, trace.WithField(trace.AccessDenied("token expired"), "code", "TokenExpired")
		}
		return nil, trace.WithField(trace.AccessDenied("invalid token: %v", err), "code", "InvalidToken")
	}
	if !token.Valid {
		return nil, trace.WithField(trace.AccessDenied("invalid token"), "code", "InvalidToken")
	}

	if claims.ExpiresAt != nil && m.clock.Now().UTC().After(claims.ExpiresAt.Time) {
		return nil, trace.WithField(trace.AccessDenied("token expired"), "code", "TokenExpired")
	}

	if claims.Epoch != epoch {
		return nil, trace.WithField(trace.AccessDenied("token signed under a retired key"), "code", "InvalidToken")
	}

	return &claims, nil
}
